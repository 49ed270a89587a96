package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowsync/agreement"
	"escrowsync/dispute"
	"escrowsync/escrow"
)

type eventKey struct {
	txHash string
	topic  string
}

type voteKey struct {
	disputeID string
	arbiterID string
}

type failedKey struct {
	escrowID string
	seq      uint64
}

type unrecognizedKey struct {
	stream string
	seq    uint64
}

type memState struct {
	escrows      map[string]escrow.Escrow // by blockchain id
	disputes     map[string]dispute.Dispute
	disputeOrder map[string]int
	arbiters     map[string]dispute.Arbiter // by chain address
	votes        map[voteKey]dispute.Vote
	obligations  map[string]agreement.Obligation
	applied      map[eventKey]uint64
	cursors      map[string]Cursor
	unrecognized map[unrecognizedKey]UnrecognizedEvent
	failed       map[failedKey]FailedEvent
	outbox       []agreement.OutboxMessage
	nextOrder    int
}

func newMemState() *memState {
	return &memState{
		escrows:      make(map[string]escrow.Escrow),
		disputes:     make(map[string]dispute.Dispute),
		disputeOrder: make(map[string]int),
		arbiters:     make(map[string]dispute.Arbiter),
		votes:        make(map[voteKey]dispute.Vote),
		obligations:  make(map[string]agreement.Obligation),
		applied:      make(map[eventKey]uint64),
		cursors:      make(map[string]Cursor),
		unrecognized: make(map[unrecognizedKey]UnrecognizedEvent),
		failed:       make(map[failedKey]FailedEvent),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		escrows:      make(map[string]escrow.Escrow, len(s.escrows)),
		disputes:     make(map[string]dispute.Dispute, len(s.disputes)),
		disputeOrder: make(map[string]int, len(s.disputeOrder)),
		arbiters:     make(map[string]dispute.Arbiter, len(s.arbiters)),
		votes:        make(map[voteKey]dispute.Vote, len(s.votes)),
		obligations:  make(map[string]agreement.Obligation, len(s.obligations)),
		applied:      make(map[eventKey]uint64, len(s.applied)),
		cursors:      make(map[string]Cursor, len(s.cursors)),
		unrecognized: make(map[unrecognizedKey]UnrecognizedEvent, len(s.unrecognized)),
		failed:       make(map[failedKey]FailedEvent, len(s.failed)),
		outbox:       append([]agreement.OutboxMessage(nil), s.outbox...),
		nextOrder:    s.nextOrder,
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.disputeOrder {
		c.disputeOrder[k] = v
	}
	for k, v := range s.arbiters {
		c.arbiters[k] = v
	}
	for k, v := range s.votes {
		c.votes[k] = v
	}
	for k, v := range s.obligations {
		c.obligations[k] = v
	}
	for k, v := range s.applied {
		c.applied[k] = v
	}
	for k, v := range s.cursors {
		c.cursors[k] = v
	}
	for k, v := range s.unrecognized {
		c.unrecognized[k] = v
	}
	for k, v := range s.failed {
		c.failed[k] = v
	}
	return c
}

// MemoryStore keeps the projection in process. Transactions are serialized and
// work on a private copy that replaces the committed state only on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory projection.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), now: time.Now}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("projection: begin tx: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{st: work, now: m.now}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) AdvanceCursor(ctx context.Context, stream string, seq uint64, ledgerTime time.Time) error {
	return m.InTx(ctx, func(tx Tx) error {
		return tx.AdvanceCursor(ctx, stream, seq, ledgerTime)
	})
}

func (m *MemoryStore) Cursor(_ context.Context, stream string) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.cursors[stream]
	if !ok {
		return Cursor{Stream: stream}, nil
	}
	return c, nil
}

func (m *MemoryStore) EscrowByAgreement(_ context.Context, agreementID string) (escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  escrow.Escrow
		found bool
	)
	for _, e := range m.state.escrows {
		if e.AgreementID != agreementID {
			continue
		}
		if !found || e.CreatedAt.After(best.CreatedAt) || (e.CreatedAt.Equal(best.CreatedAt) && e.ID < best.ID) {
			best, found = e, true
		}
	}
	if !found {
		return escrow.Escrow{}, escrow.ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) EscrowByBlockchainID(_ context.Context, blockchainID string) (escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.escrows[blockchainID]
	if !ok {
		return escrow.Escrow{}, escrow.ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) DisputeByID(_ context.Context, disputeID string) (dispute.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.disputes[disputeID]
	if !ok {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) LatestDisputeForEscrow(_ context.Context, escrowID string) (dispute.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.latestDispute(escrowID)
}

func (m *MemoryStore) Obligation(_ context.Context, agreementID string) (agreement.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.obligations[agreementID]
	if !ok {
		return agreement.Obligation{}, agreement.ErrObligationNotFound
	}
	return o, nil
}

// Arbiter returns the arbiter row for address.
func (m *MemoryStore) Arbiter(address string) (dispute.Arbiter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.arbiters[address]
	return a, ok
}

// Votes returns the ballots of one dispute ordered by arbiter id.
func (m *MemoryStore) Votes(disputeID string) []dispute.Vote {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispute.Vote
	for k, v := range m.state.votes {
		if k.disputeID == disputeID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArbiterID < out[j].ArbiterID })
	return out
}

// Outbox returns a copy of the committed outbox rows.
func (m *MemoryStore) Outbox() []agreement.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agreement.OutboxMessage(nil), m.state.outbox...)
}

// FailedEvents returns the failed-event records ordered by sequence.
func (m *MemoryStore) FailedEvents() []FailedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailedEvent, 0, len(m.state.failed))
	for _, f := range m.state.failed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// UnrecognizedEvents returns the unrecognized-event records ordered by sequence.
func (m *MemoryStore) UnrecognizedEvents() []UnrecognizedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UnrecognizedEvent, 0, len(m.state.unrecognized))
	for _, u := range m.state.unrecognized {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// AppliedCount returns how many event identities have been recorded.
func (m *MemoryStore) AppliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.applied)
}

func (s *memState) latestDispute(escrowID string) (dispute.Dispute, error) {
	var (
		best      dispute.Dispute
		bestOrder = -1
	)
	for id, d := range s.disputes {
		if d.EscrowID != escrowID {
			continue
		}
		if o := s.disputeOrder[id]; o > bestOrder {
			best, bestOrder = d, o
		}
	}
	if bestOrder < 0 {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	return best, nil
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) RecordAppliedEvent(_ context.Context, txHash, topic string, seq uint64) (bool, error) {
	if txHash == "" || topic == "" {
		return false, fmt.Errorf("projection: empty event identity")
	}
	k := eventKey{txHash, topic}
	if _, ok := t.st.applied[k]; ok {
		return false, nil
	}
	t.st.applied[k] = seq
	return true, nil
}

func (t *memTx) GetEscrowByBlockchainID(_ context.Context, blockchainID string) (escrow.Escrow, error) {
	e, ok := t.st.escrows[blockchainID]
	if !ok {
		return escrow.Escrow{}, escrow.ErrNotFound
	}
	return e, nil
}

func (t *memTx) InsertEscrowIfAbsent(_ context.Context, e escrow.Escrow) (bool, error) {
	if e.BlockchainEscrowID == "" {
		return false, escrow.ErrMissingBlockchainID
	}
	if _, ok := t.st.escrows[e.BlockchainEscrowID]; ok {
		return false, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Amount == "" {
		e.Amount = "0"
	}
	now := t.now()
	e.CreatedAt, e.UpdatedAt = now, now
	t.st.escrows[e.BlockchainEscrowID] = e
	return true, nil
}

func (t *memTx) UpsertEscrowIfSequenceNewer(_ context.Context, e escrow.Escrow, seq uint64) (bool, error) {
	if e.BlockchainEscrowID == "" {
		return false, escrow.ErrMissingBlockchainID
	}
	now := t.now()
	cur, ok := t.st.escrows[e.BlockchainEscrowID]
	if ok {
		if cur.LastSyncedLedgerSeq >= seq {
			return false, nil
		}
		e.ID = cur.ID
		e.CreatedAt = cur.CreatedAt
	} else {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
	}
	if e.Amount == "" {
		e.Amount = "0"
	}
	e.LastSyncedLedgerSeq = seq
	e.UpdatedAt = now
	t.st.escrows[e.BlockchainEscrowID] = e
	return true, nil
}

func (t *memTx) MarkEscrowFailed(_ context.Context, blockchainID, reason string, seq uint64) error {
	if blockchainID == "" {
		return escrow.ErrMissingBlockchainID
	}
	now := t.now()
	e, ok := t.st.escrows[blockchainID]
	if !ok {
		e = escrow.Escrow{ID: uuid.NewString(), BlockchainEscrowID: blockchainID, Amount: "0", CreatedAt: now}
	}
	e.Status = escrow.StatusFailed
	e.FailureReason = reason
	if seq > e.LastSyncedLedgerSeq {
		e.LastSyncedLedgerSeq = seq
	}
	e.UpdatedAt = now
	t.st.escrows[blockchainID] = e
	return nil
}

func (t *memTx) GetLatestDispute(_ context.Context, escrowID string) (dispute.Dispute, error) {
	return t.st.latestDispute(escrowID)
}

func (t *memTx) InsertDispute(_ context.Context, d dispute.Dispute) error {
	for _, other := range t.st.disputes {
		if other.EscrowID == d.EscrowID && other.Status != dispute.StatusResolved {
			return dispute.ErrOpenDisputeExists
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := t.now()
	d.CreatedAt, d.UpdatedAt = now, now
	t.st.disputes[d.ID] = d
	t.st.nextOrder++
	t.st.disputeOrder[d.ID] = t.st.nextOrder
	return nil
}

func (t *memTx) UpdateDispute(_ context.Context, d dispute.Dispute) error {
	cur, ok := t.st.disputes[d.ID]
	if !ok {
		return dispute.ErrNotFound
	}
	if cur.Status == dispute.StatusResolved && cur.Outcome != d.Outcome && d.OutcomeSource != dispute.SourceChain {
		return dispute.ErrBadStatus
	}
	cur.VotesFavorLandlord = d.VotesFavorLandlord
	cur.VotesFavorTenant = d.VotesFavorTenant
	cur.Outcome = d.Outcome
	cur.OutcomeSource = d.OutcomeSource
	cur.Status = d.Status
	cur.ResolvedAtLedgerTime = d.ResolvedAtLedgerTime
	if d.LastSyncedLedgerSeq > cur.LastSyncedLedgerSeq {
		cur.LastSyncedLedgerSeq = d.LastSyncedLedgerSeq
	}
	cur.TransactionHash = d.TransactionHash
	cur.UpdatedAt = t.now()
	t.st.disputes[d.ID] = cur
	return nil
}

func (t *memTx) GetArbiterByAddress(_ context.Context, address string) (dispute.Arbiter, error) {
	a, ok := t.st.arbiters[address]
	if !ok {
		return dispute.Arbiter{}, dispute.ErrArbiterNotFound
	}
	return a, nil
}

func (t *memTx) GetOrCreateArbiter(_ context.Context, address string) (dispute.Arbiter, error) {
	if a, ok := t.st.arbiters[address]; ok {
		return a, nil
	}
	a := dispute.Arbiter{ID: uuid.NewString(), ChainAddress: address}
	t.st.arbiters[address] = a
	return a, nil
}

func (t *memTx) arbiterByID(id string) (string, dispute.Arbiter, bool) {
	for addr, a := range t.st.arbiters {
		if a.ID == id {
			return addr, a, true
		}
	}
	return "", dispute.Arbiter{}, false
}

func (t *memTx) SetArbiterActive(_ context.Context, arbiterID string, active bool, seq uint64) (bool, error) {
	addr, a, ok := t.arbiterByID(arbiterID)
	if !ok || a.LastSyncedLedgerSeq >= seq {
		return false, nil
	}
	a.Active = active
	a.LastSyncedLedgerSeq = seq
	t.st.arbiters[addr] = a
	return true, nil
}

func (t *memTx) CountActiveArbiters(context.Context) (int, error) {
	n := 0
	for _, a := range t.st.arbiters {
		if a.Active {
			n++
		}
	}
	return n, nil
}

func (t *memTx) IncrementArbiterVotes(_ context.Context, arbiterID string) error {
	addr, a, ok := t.arbiterByID(arbiterID)
	if !ok {
		return nil
	}
	a.TotalVotes++
	t.st.arbiters[addr] = a
	return nil
}

func (t *memTx) IncrementArbiterResolutions(_ context.Context, disputeID string) error {
	for k, v := range t.st.votes {
		if k.disputeID != disputeID || v.Revoked {
			continue
		}
		if addr, a, ok := t.arbiterByID(k.arbiterID); ok {
			a.TotalDisputesResolved++
			t.st.arbiters[addr] = a
		}
	}
	return nil
}

func (t *memTx) UpsertVote(_ context.Context, v dispute.Vote) (bool, error) {
	k := voteKey{v.DisputeID, v.ArbiterID}
	cur, exists := t.st.votes[k]
	if exists && cur.LedgerSeq >= v.LedgerSeq {
		return false, nil
	}
	v.Revoked = false
	t.st.votes[k] = v
	return !exists, nil
}

func (t *memTx) CountVotes(_ context.Context, disputeID string) (int, int, error) {
	var landlord, tenant int
	for k, v := range t.st.votes {
		if k.disputeID != disputeID || v.Revoked {
			continue
		}
		if v.FavorLandlord {
			landlord++
		} else {
			tenant++
		}
	}
	return landlord, tenant, nil
}

func (t *memTx) TransferObligation(_ context.Context, o agreement.Obligation, seq uint64) (bool, error) {
	if o.AgreementID == "" {
		return false, fmt.Errorf("projection: missing agreement id")
	}
	if cur, ok := t.st.obligations[o.AgreementID]; ok && cur.LastSyncedLedgerSeq >= seq {
		return false, nil
	}
	o.LastSyncedLedgerSeq = seq
	o.UpdatedAt = t.now()
	t.st.obligations[o.AgreementID] = o
	return true, nil
}

func (t *memTx) RecordUnrecognized(_ context.Context, u UnrecognizedEvent) error {
	k := unrecognizedKey{u.Stream, u.Sequence}
	if _, ok := t.st.unrecognized[k]; !ok {
		t.st.unrecognized[k] = u
	}
	return nil
}

func (t *memTx) RecordFailedEvent(_ context.Context, f FailedEvent) error {
	k := failedKey{f.BlockchainEscrowID, f.Sequence}
	if _, ok := t.st.failed[k]; !ok {
		t.st.failed[k] = f
	}
	return nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("projection: empty outbox topic")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("projection: marshal outbox payload: %w", err)
	}
	t.st.outbox = append(t.st.outbox, agreement.OutboxMessage{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   b,
		Status:    "pending",
		CreatedAt: t.now(),
	})
	return nil
}

func (t *memTx) AdvanceCursor(_ context.Context, stream string, seq uint64, ledgerTime time.Time) error {
	cur, ok := t.st.cursors[stream]
	if ok && cur.LastAppliedSeq > seq {
		return nil
	}
	if !ok {
		cur = Cursor{Stream: stream}
	}
	cur.LastAppliedSeq = seq
	if !ledgerTime.IsZero() {
		cur.LastLedgerTime = ledgerTime
	}
	cur.UpdatedAt = t.now()
	t.st.cursors[stream] = cur
	return nil
}
