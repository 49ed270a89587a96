package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"escrowsync/agreement"
	"escrowsync/chainevent"
	"escrowsync/dispute"
	"escrowsync/escrow"
	"escrowsync/projection"
)

type result int

const (
	resultApplied result = iota
	resultDuplicate
	resultBuffered
)

// txApply is the state of one event application inside one transaction.
type txApply struct {
	ctx    context.Context
	tx     projection.Tx
	stream string

	notes []DisputeResolved
	post  []func()
}

func (a *txApply) onCommit(fn func()) { a.post = append(a.post, fn) }

func (a *txApply) committed() {
	for _, fn := range a.post {
		fn()
	}
}

// applyOnce applies ev in a single transaction together with the event's
// identity record and the cursor advance. The transaction runs on a detached
// context so shutdown never leaves it half written.
func (e *Engine) applyOnce(ctx context.Context, wm *watermark, ev chainevent.Event) (result, *txApply, error) {
	h := ev.Meta()
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	defer cancel()

	var a *txApply
	err := e.store.InTx(txCtx, func(tx projection.Tx) error {
		a = &txApply{ctx: txCtx, tx: tx, stream: e.cfg.Stream}
		fresh, err := tx.RecordAppliedEvent(txCtx, h.TxHash, h.Topic, h.Sequence)
		if err != nil {
			return err
		}
		if !fresh {
			return errDuplicate
		}
		if err := a.route(ev); err != nil {
			return err
		}
		seq, ledgerTime := wm.cursorFor(h.Sequence)
		return tx.AdvanceCursor(txCtx, e.cfg.Stream, seq, ledgerTime)
	})
	switch {
	case errors.Is(err, errDuplicate):
		return resultDuplicate, nil, nil
	case errors.Is(err, errBuffered):
		return resultBuffered, nil, nil
	case err != nil:
		return 0, nil, err
	}
	return resultApplied, a, nil
}

func (a *txApply) route(ev chainevent.Event) error {
	switch ev := ev.(type) {
	case chainevent.EscrowCreated:
		return a.escrowCreated(ev)
	case chainevent.EscrowFunded:
		return a.escrowTransition(ev.Header, ev.EscrowID, escrow.TriggerFunded)
	case chainevent.EscrowReleased:
		return a.escrowTransition(ev.Header, ev.EscrowID, escrow.TriggerReleased)
	case chainevent.EscrowRefunded:
		return a.escrowTransition(ev.Header, ev.EscrowID, escrow.TriggerRefunded)
	case chainevent.ReleaseApproved:
		return a.releaseApproved(ev)
	case chainevent.DisputeRaised:
		return a.disputeRaised(ev)
	case chainevent.ArbiterVoted:
		return a.arbiterVoted(ev)
	case chainevent.DisputeResolved:
		return a.disputeResolved(ev)
	case chainevent.ObligationTransferred:
		return a.obligationTransferred(ev)
	case chainevent.ArbiterAdded:
		return a.arbiterActive(ev.Header, ev.Arbiter, true)
	case chainevent.ArbiterRemoved:
		return a.arbiterActive(ev.Header, ev.Arbiter, false)
	case chainevent.Unrecognized:
		return a.unrecognized(ev)
	}
	return fmt.Errorf("reconcile: no handler for %s", ev.Kind())
}

func (a *txApply) escrowCreated(ev chainevent.EscrowCreated) error {
	h := ev.Header
	cur, found, err := a.loadEscrow(ev.EscrowID)
	if err != nil {
		return err
	}
	if found {
		if cur.Status == escrow.StatusFailed {
			return a.recordFailed(h, ev.EscrowID, "escrow is FAILED")
		}
		log.Debug("Escrow already projected", "escrow", ev.EscrowID, "seq", h.Sequence)
		return nil
	}

	e := escrow.Escrow{
		BlockchainEscrowID:  ev.EscrowID,
		AgreementID:         ev.AgreementID,
		ContractAddress:     h.ContractID,
		ArbiterAddress:      ev.Arbiter,
		DepositorAddress:    ev.Depositor,
		BeneficiaryAddress:  ev.Beneficiary,
		Amount:              ev.Amount,
		Currency:            ev.Token,
		Status:              escrow.StatusPending,
		LastSyncedLedgerSeq: h.Sequence,
		TransactionHash:     h.TxHash,
	}
	inserted, err := a.tx.InsertEscrowIfAbsent(a.ctx, e)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return a.statusChanged(e, "", h, false)
}

// escrowFor loads the escrow an event targets. When ok is false the handler is
// finished: the event was parked, recorded against a FAILED escrow or is stale.
func (a *txApply) escrowFor(h chainevent.Header, escrowID string) (e escrow.Escrow, ok bool, err error) {
	e, found, err := a.loadEscrow(escrowID)
	switch {
	case err != nil:
		return e, false, err
	case !found:
		return e, false, errBuffered
	case e.Status == escrow.StatusFailed:
		return e, false, a.recordFailed(h, escrowID, "escrow is FAILED")
	case h.Sequence <= e.LastSyncedLedgerSeq:
		log.Debug("Escrow event not newer than projection", "escrow", escrowID, "seq", h.Sequence, "stored", e.LastSyncedLedgerSeq)
		a.onCommit(func() { eventsStaleTotal.Inc(1) })
		return e, false, nil
	}
	return e, true, nil
}

func (a *txApply) escrowTransition(h chainevent.Header, escrowID string, t escrow.Trigger) error {
	cur, ok, err := a.escrowFor(h, escrowID)
	if !ok {
		return err
	}
	switch escrow.Classify(cur.Status, t) {
	case escrow.Apply:
		to, _ := escrow.Next(cur.Status, t)
		return a.moveEscrow(cur, to, h)
	case escrow.AlreadyApplied:
		cur.TransactionHash = h.TxHash
		_, err := a.tx.UpsertEscrowIfSequenceNewer(a.ctx, cur, h.Sequence)
		return err
	case escrow.Stale:
		return a.stale(h, cur, t)
	}
	return errBuffered
}

func (a *txApply) releaseApproved(ev chainevent.ReleaseApproved) error {
	h := ev.Header
	cur, ok, err := a.escrowFor(h, ev.EscrowID)
	if !ok {
		return err
	}
	switch cur.Status {
	case escrow.StatusPending:
		return errBuffered
	case escrow.StatusFunded, escrow.StatusDisputed:
	default:
		return a.stale(h, cur, "")
	}
	if ev.ApprovalCount > cur.ApprovalCount {
		cur.ApprovalCount = ev.ApprovalCount
	}
	cur.TransactionHash = h.TxHash
	_, err = a.tx.UpsertEscrowIfSequenceNewer(a.ctx, cur, h.Sequence)
	return err
}

func (a *txApply) disputeRaised(ev chainevent.DisputeRaised) error {
	h := ev.Header
	cur, ok, err := a.escrowFor(h, ev.EscrowID)
	if !ok {
		return err
	}
	disp := escrow.Classify(cur.Status, escrow.TriggerDisputeRaised)
	switch disp {
	case escrow.Ahead:
		return errBuffered
	case escrow.Stale:
		return a.stale(h, cur, escrow.TriggerDisputeRaised)
	}

	// The open-dispute index would abort the transaction, so look first.
	open, err := a.tx.GetLatestDispute(a.ctx, cur.ID)
	switch {
	case err == nil && open.Status != dispute.StatusResolved:
		log.Warn("Dispute raised on escrow with an open dispute", "escrow", ev.EscrowID, "dispute", open.ID, "seq", h.Sequence)
		a.onCommit(func() { invariantViolationTotal.Inc(1) })
		return nil
	case err != nil && !errors.Is(err, dispute.ErrNotFound):
		return err
	}

	raisedAt := h.LedgerTime
	d := dispute.Dispute{
		EscrowID:            cur.ID,
		RaisedBy:            ev.RaisedBy,
		DetailsHash:         ev.DetailsHash,
		Outcome:             dispute.OutcomeUnresolved,
		Status:              dispute.StatusRaised,
		RaisedAtLedgerTime:  &raisedAt,
		LastSyncedLedgerSeq: h.Sequence,
		TransactionHash:     h.TxHash,
	}
	if err := a.tx.InsertDispute(a.ctx, d); err != nil {
		return err
	}
	log.Info("Dispute raised", "escrow", ev.EscrowID, "by", ev.RaisedBy, "seq", h.Sequence)

	if disp == escrow.Apply {
		return a.moveEscrow(cur, escrow.StatusDisputed, h)
	}
	cur.TransactionHash = h.TxHash
	_, err = a.tx.UpsertEscrowIfSequenceNewer(a.ctx, cur, h.Sequence)
	return err
}

// openDispute returns the escrow's newest dispute or parks the event.
func (a *txApply) openDispute(esc escrow.Escrow) (dispute.Dispute, error) {
	d, err := a.tx.GetLatestDispute(a.ctx, esc.ID)
	if errors.Is(err, dispute.ErrNotFound) {
		return d, errBuffered
	}
	return d, err
}

func (a *txApply) arbiterVoted(ev chainevent.ArbiterVoted) error {
	h := ev.Header
	esc, ok, err := a.escrowFor(h, ev.EscrowID)
	if !ok {
		return err
	}
	d, err := a.openDispute(esc)
	if err != nil {
		return err
	}
	if d.Status == dispute.StatusResolved {
		log.Debug("Vote on resolved dispute ignored", "dispute", d.ID, "arbiter", ev.Arbiter, "seq", h.Sequence)
		return nil
	}

	arb, err := a.tx.GetArbiterByAddress(a.ctx, ev.Arbiter)
	if err != nil && !errors.Is(err, dispute.ErrArbiterNotFound) {
		return err
	}
	if err != nil || !arb.Active {
		log.Warn("Vote from inactive arbiter ignored", "dispute", d.ID, "arbiter", ev.Arbiter, "seq", h.Sequence)
		a.onCommit(func() { invariantViolationTotal.Inc(1) })
		return nil
	}

	first, err := a.tx.UpsertVote(a.ctx, dispute.Vote{
		DisputeID:       d.ID,
		ArbiterID:       arb.ID,
		FavorLandlord:   ev.FavorLandlord,
		TransactionHash: h.TxHash,
		LedgerSeq:       h.Sequence,
	})
	if err != nil {
		return err
	}
	if first {
		if err := a.tx.IncrementArbiterVotes(a.ctx, arb.ID); err != nil {
			return err
		}
	}

	landlord, tenant, err := a.tx.CountVotes(a.ctx, d.ID)
	if err != nil {
		return err
	}
	active, err := a.tx.CountActiveArbiters(a.ctx)
	if err != nil {
		return err
	}
	d.VotesFavorLandlord, d.VotesFavorTenant = landlord, tenant
	if d.Status == dispute.StatusRaised {
		d.Status = dispute.StatusVoting
	}
	d.LastSyncedLedgerSeq = h.Sequence
	d.TransactionHash = h.TxHash

	outcome := dispute.Resolve(active, landlord, tenant)
	if outcome == dispute.OutcomeUnresolved {
		return a.tx.UpdateDispute(a.ctx, d)
	}
	log.Info("Dispute resolved by arbiter quorum", "dispute", d.ID, "outcome", outcome,
		"landlord", landlord, "tenant", tenant, "active", active)
	return a.resolve(esc, d, outcome, dispute.SourceQuorum, h)
}

func (a *txApply) disputeResolved(ev chainevent.DisputeResolved) error {
	h := ev.Header
	trigger, ok := resolutionTrigger(ev.Outcome)
	if !ok {
		return fmt.Errorf("reconcile: dispute resolved with outcome %q", ev.Outcome)
	}
	esc, ok, err := a.escrowFor(h, ev.EscrowID)
	if !ok {
		return err
	}
	d, err := a.openDispute(esc)
	if err != nil {
		return err
	}
	if d.Status != dispute.StatusResolved {
		return a.resolve(esc, d, ev.Outcome, dispute.SourceChain, h)
	}

	switch {
	case d.OutcomeSource == dispute.SourceChain:
		log.Debug("Dispute already resolved on chain", "dispute", d.ID, "seq", h.Sequence)
		return nil
	case d.Outcome == ev.Outcome:
		d.OutcomeSource = dispute.SourceChain
		d.LastSyncedLedgerSeq = h.Sequence
		d.TransactionHash = h.TxHash
		return a.tx.UpdateDispute(a.ctx, d)
	}

	log.Error("Chain resolution diverges from quorum outcome, overriding", "dispute", d.ID,
		"escrow", ev.EscrowID, "quorum", d.Outcome, "chain", ev.Outcome, "seq", h.Sequence)
	a.onCommit(func() { disputeDivergenceTotal.Inc(1) })

	resolvedAt := h.LedgerTime
	d.Outcome = ev.Outcome
	d.OutcomeSource = dispute.SourceChain
	d.ResolvedAtLedgerTime = &resolvedAt
	d.LastSyncedLedgerSeq = h.Sequence
	d.TransactionHash = h.TxHash
	if err := a.tx.UpdateDispute(a.ctx, d); err != nil {
		return err
	}
	if target := escrow.Target(trigger); esc.Status != target {
		if err := a.overrideEscrow(esc, target, h); err != nil {
			return err
		}
	}
	return a.resolvedNote(esc, d)
}

// resolve closes the dispute and moves the escrow to its terminal state.
func (a *txApply) resolve(esc escrow.Escrow, d dispute.Dispute, outcome dispute.Outcome, src dispute.OutcomeSource, h chainevent.Header) error {
	trigger, _ := resolutionTrigger(outcome)
	resolvedAt := h.LedgerTime
	d.Outcome = outcome
	d.OutcomeSource = src
	d.Status = dispute.StatusResolved
	d.ResolvedAtLedgerTime = &resolvedAt
	d.LastSyncedLedgerSeq = h.Sequence
	d.TransactionHash = h.TxHash
	if err := a.tx.UpdateDispute(a.ctx, d); err != nil {
		return err
	}
	if err := a.tx.IncrementArbiterResolutions(a.ctx, d.ID); err != nil {
		return err
	}

	switch escrow.Classify(esc.Status, trigger) {
	case escrow.Apply:
		to, _ := escrow.Next(esc.Status, trigger)
		if err := a.moveEscrow(esc, to, h); err != nil {
			return err
		}
	case escrow.AlreadyApplied:
	default:
		log.Warn("Resolution found escrow outside DISPUTED", "escrow", esc.BlockchainEscrowID, "status", esc.Status, "outcome", outcome)
		a.onCommit(func() { invariantViolationTotal.Inc(1) })
	}
	return a.resolvedNote(esc, d)
}

func (a *txApply) resolvedNote(esc escrow.Escrow, d dispute.Dispute) error {
	note := DisputeResolved{
		DisputeID: d.ID,
		EscrowID:  esc.BlockchainEscrowID,
		Outcome:   d.Outcome,
		Source:    d.OutcomeSource,
	}
	if err := a.tx.EnqueueOutbox(a.ctx, dispute.OutboxTopicResolved, map[string]any{
		"dispute_id": note.DisputeID,
		"escrow_id":  note.EscrowID,
		"outcome":    string(note.Outcome),
		"source":     string(note.Source),
	}); err != nil {
		return err
	}
	a.notes = append(a.notes, note)
	return nil
}

func (a *txApply) obligationTransferred(ev chainevent.ObligationTransferred) error {
	h := ev.Header
	moved, err := a.tx.TransferObligation(a.ctx, agreement.Obligation{
		AgreementID:     ev.AgreementID,
		HolderAddress:   ev.To,
		PreviousHolder:  ev.From,
		TransactionHash: h.TxHash,
	}, h.Sequence)
	if err != nil {
		return err
	}
	if !moved {
		log.Debug("Obligation transfer not newer than projection", "agreement", ev.AgreementID, "seq", h.Sequence)
		a.onCommit(func() { eventsStaleTotal.Inc(1) })
		return nil
	}
	return a.tx.EnqueueOutbox(a.ctx, agreement.OutboxTopicObligationTransferred, map[string]any{
		"agreement_id": ev.AgreementID,
		"from":         ev.From,
		"to":           ev.To,
		"ledger_seq":   h.Sequence,
	})
}

func (a *txApply) arbiterActive(h chainevent.Header, address string, active bool) error {
	arb, err := a.tx.GetOrCreateArbiter(a.ctx, address)
	if err != nil {
		return err
	}
	changed, err := a.tx.SetArbiterActive(a.ctx, arb.ID, active, h.Sequence)
	if err != nil {
		return err
	}
	if changed {
		log.Info("Arbiter registry updated", "arbiter", address, "active", active, "seq", h.Sequence)
	}
	return nil
}

func (a *txApply) unrecognized(ev chainevent.Unrecognized) error {
	h := ev.Header
	log.Warn("Unrecognized ledger event recorded", "seq", h.Sequence, "tx", h.TxHash, "reason", ev.Reason)
	a.onCommit(func() { eventsUnrecognizedTotal.Inc(1) })
	return a.tx.RecordUnrecognized(a.ctx, projection.UnrecognizedEvent{
		Stream:   a.stream,
		Sequence: h.Sequence,
		TxHash:   h.TxHash,
		Topic:    h.Topic,
		Reason:   ev.Reason,
		Raw: map[string]any{
			"topic":       ev.RawTopic,
			"value":       ev.RawValue,
			"ledger":      h.Ledger,
			"contract_id": h.ContractID,
		},
	})
}

func (a *txApply) loadEscrow(id string) (escrow.Escrow, bool, error) {
	e, err := a.tx.GetEscrowByBlockchainID(a.ctx, id)
	if errors.Is(err, escrow.ErrNotFound) {
		return escrow.Escrow{}, false, nil
	}
	if err != nil {
		return escrow.Escrow{}, false, err
	}
	return e, true, nil
}

func (a *txApply) moveEscrow(e escrow.Escrow, to escrow.Status, h chainevent.Header) error {
	return a.move(e, to, h, false)
}

// overrideEscrow moves e outside the lifecycle graph, e.g. RELEASED to
// REFUNDED when the chain overrules a quorum resolution.
func (a *txApply) overrideEscrow(e escrow.Escrow, to escrow.Status, h chainevent.Header) error {
	return a.move(e, to, h, true)
}

func (a *txApply) move(e escrow.Escrow, to escrow.Status, h chainevent.Header, override bool) error {
	from := e.Status
	e.Status = to
	e.TransactionHash = h.TxHash
	moved, err := a.tx.UpsertEscrowIfSequenceNewer(a.ctx, e, h.Sequence)
	if err != nil || !moved {
		return err
	}
	log.Debug("Escrow status changed", "escrow", e.BlockchainEscrowID, "from", from, "to", to, "seq", h.Sequence)
	return a.statusChanged(e, from, h, override)
}

func (a *txApply) statusChanged(e escrow.Escrow, from escrow.Status, h chainevent.Header, override bool) error {
	payload := map[string]any{
		"escrow_id":    e.BlockchainEscrowID,
		"agreement_id": e.AgreementID,
		"from":         string(from),
		"to":           string(e.Status),
		"ledger_seq":   h.Sequence,
		"tx_hash":      h.TxHash,
	}
	if override {
		payload["override"] = true
	}
	return a.tx.EnqueueOutbox(a.ctx, escrow.OutboxTopicStatusChanged, payload)
}

// recordFailed consumes an event addressed to a FAILED escrow.
func (a *txApply) recordFailed(h chainevent.Header, escrowID, reason string) error {
	log.Warn("Event for failed escrow recorded", "escrow", escrowID, "seq", h.Sequence, "symbol", h.Symbol)
	a.onCommit(func() { eventsFailedTotal.Inc(1) })
	return a.tx.RecordFailedEvent(a.ctx, projection.FailedEvent{
		BlockchainEscrowID: escrowID,
		Sequence:           h.Sequence,
		TxHash:             h.TxHash,
		Topic:              h.Topic,
		Reason:             reason,
	})
}

func (a *txApply) stale(h chainevent.Header, e escrow.Escrow, t escrow.Trigger) error {
	log.Warn("Stale escrow event ignored", "escrow", e.BlockchainEscrowID, "status", e.Status,
		"trigger", t, "seq", h.Sequence, "tx", h.TxHash)
	a.onCommit(func() { eventsStaleTotal.Inc(1) })
	return nil
}

func resolutionTrigger(o dispute.Outcome) (escrow.Trigger, bool) {
	switch o {
	case dispute.OutcomeLandlord:
		return escrow.TriggerResolvedLandlord, true
	case dispute.OutcomeTenant:
		return escrow.TriggerResolvedTenant, true
	}
	return "", false
}
