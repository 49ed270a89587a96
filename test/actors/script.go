package actors

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"escrowsync/chainevent"
	"escrowsync/dispute"
	"escrowsync/escrow"
)

// Script is a generated contract history and the projection it must converge to.
type Script struct {
	Events   []chainevent.Event
	Expected map[string]escrow.Status
	Arbiters []string
	LastSeq  uint64
}

type step func(h chainevent.Header) chainevent.Event

type lane struct {
	id    string
	steps []step
	syms  []string
}

func (l *lane) add(sym string, s step) {
	l.syms = append(l.syms, sym)
	l.steps = append(l.steps, s)
}

// NewScript registers arbiters, then walks escrows through random lifecycles
// whose events interleave on the ledger.
func NewScript(rng *rand.Rand, escrows, arbiters int) Script {
	s := Script{Expected: make(map[string]escrow.Status, escrows)}
	base := time.Unix(1_700_000_000, 0).UTC()
	header := func(sym string, args ...string) chainevent.Header {
		s.LastSeq++
		seq := s.LastSeq
		return chainevent.Header{
			Sequence:   seq,
			Ledger:     10_000 + seq,
			LedgerTime: base.Add(time.Duration(seq) * 5 * time.Second),
			TxHash:     fmt.Sprintf("%064x", seq),
			ContractID: "CSTRESSESCROW",
			Symbol:     sym,
			Topic:      strings.Join(append([]string{sym}, args...), "/"),
		}
	}

	for i := 0; i < arbiters; i++ {
		addr := fmt.Sprintf("GSTRESSARB%03d", i)
		s.Arbiters = append(s.Arbiters, addr)
		s.Events = append(s.Events, chainevent.ArbiterAdded{Header: header(chainevent.SymArbiterAdded, addr), Arbiter: addr})
	}

	lanes := make([]*lane, 0, escrows)
	for i := 0; i < escrows; i++ {
		l := &lane{id: fmt.Sprintf("stress-%05d", i)}
		s.Expected[l.id] = s.lifecycle(rng, l)
		lanes = append(lanes, l)
	}

	for len(lanes) > 0 {
		i := rng.Intn(len(lanes))
		l := lanes[i]
		h := header(l.syms[0])
		h.Topic = strings.Join([]string{l.syms[0], l.id}, "/")
		s.Events = append(s.Events, l.steps[0](h))
		l.steps, l.syms = l.steps[1:], l.syms[1:]
		if len(l.steps) == 0 {
			lanes[i] = lanes[len(lanes)-1]
			lanes = lanes[:len(lanes)-1]
		}
	}
	return s
}

func (s *Script) lifecycle(rng *rand.Rand, l *lane) escrow.Status {
	id := l.id
	l.add(chainevent.SymEscrowCreated, func(h chainevent.Header) chainevent.Event {
		return chainevent.EscrowCreated{
			Header:      h,
			EscrowID:    id,
			AgreementID: "agr-" + id,
			Depositor:   "GTENANT" + id,
			Beneficiary: "GLANDLORD" + id,
			Arbiter:     s.Arbiters[0],
			Amount:      fmt.Sprintf("%d", 1_000_000+rng.Int63n(1_000_000_000)),
			Token:       "CUSDC",
		}
	})

	path := rng.Intn(5)
	if path == 0 {
		return escrow.StatusPending
	}
	l.add(chainevent.SymEscrowFunded, func(h chainevent.Header) chainevent.Event {
		return chainevent.EscrowFunded{Header: h, EscrowID: id}
	})

	switch path {
	case 1:
		return escrow.StatusFunded
	case 2:
		for n := 1; n <= 2; n++ {
			count := n
			l.add(chainevent.SymReleaseApproved, func(h chainevent.Header) chainevent.Event {
				return chainevent.ReleaseApproved{Header: h, EscrowID: id, Signer: "GSIGNER", ReleaseTo: "GLANDLORD" + id, ApprovalCount: count}
			})
		}
		l.add(chainevent.SymEscrowReleased, func(h chainevent.Header) chainevent.Event {
			return chainevent.EscrowReleased{Header: h, EscrowID: id}
		})
		return escrow.StatusReleased
	case 3:
		l.add(chainevent.SymEscrowRefunded, func(h chainevent.Header) chainevent.Event {
			return chainevent.EscrowRefunded{Header: h, EscrowID: id}
		})
		return escrow.StatusRefunded
	}

	landlord := rng.Intn(2) == 0
	l.add(chainevent.SymDisputeRaised, func(h chainevent.Header) chainevent.Event {
		return chainevent.DisputeRaised{Header: h, EscrowID: id, RaisedBy: "GTENANT" + id, DetailsHash: fmt.Sprintf("%08x", rng.Uint32())}
	})
	// A strict majority sides with the eventual outcome; the rest dissent.
	majority := len(s.Arbiters)/2 + 1
	for i, addr := range s.Arbiters {
		favor := landlord
		if i >= majority {
			favor = !landlord
		}
		arbiter := addr
		l.add(chainevent.SymArbiterVoted, func(h chainevent.Header) chainevent.Event {
			return chainevent.ArbiterVoted{Header: h, EscrowID: id, Arbiter: arbiter, FavorLandlord: favor}
		})
	}
	outcome := dispute.OutcomeTenant
	final := escrow.StatusRefunded
	if landlord {
		outcome = dispute.OutcomeLandlord
		final = escrow.StatusReleased
	}
	l.add(chainevent.SymDisputeResolved, func(h chainevent.Header) chainevent.Event {
		return chainevent.DisputeResolved{Header: h, EscrowID: id, Outcome: outcome}
	})
	return final
}
