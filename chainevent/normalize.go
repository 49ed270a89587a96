package chainevent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/stellar/go-stellar-sdk/strkey"
	"github.com/stellar/go-stellar-sdk/xdr"

	"escrowsync/dispute"
	"escrowsync/ledger"
)

// ErrUnrecognized is matched by every normalization failure.
var ErrUnrecognized = errors.New("chainevent: unrecognized event")

// UnrecognizedError explains why a raw event could not be normalized.
type UnrecognizedError struct {
	Raw    ledger.RawEvent
	Topic  string
	Reason string
}

func (e *UnrecognizedError) Error() string {
	return fmt.Sprintf("chainevent: unrecognized event seq %d tx %s: %s", e.Raw.Sequence, e.Raw.TxHash, e.Reason)
}

func (e *UnrecognizedError) Unwrap() error { return ErrUnrecognized }

// Event returns the placeholder that carries the rejection through the pipeline.
func (e *UnrecognizedError) Event() Unrecognized {
	// The sequence keeps the (tx hash, topic) identity unique per stream position.
	h := header(e.Raw, "", fmt.Sprintf("unrecognized/%d", e.Raw.Sequence))
	if e.Topic != "" {
		h.Topic = fmt.Sprintf("%s#%d", e.Topic, e.Raw.Sequence)
	}
	return Unrecognized{
		Header:   h,
		Reason:   e.Reason,
		RawTopic: append([]string(nil), e.Raw.Topic...),
		RawValue: e.Raw.Value,
	}
}

func reject(raw ledger.RawEvent, topic, format string, args ...any) error {
	return &UnrecognizedError{Raw: raw, Topic: topic, Reason: fmt.Sprintf(format, args...)}
}

func header(raw ledger.RawEvent, symbol, topic string) Header {
	return Header{
		Sequence:   raw.Sequence,
		Ledger:     raw.Ledger,
		LedgerTime: raw.LedgerClosedAt,
		TxHash:     raw.TxHash,
		ContractID: raw.ContractID,
		Symbol:     symbol,
		Topic:      topic,
	}
}

// Normalize decodes raw into one of the typed events. Anything outside the
// known set, or with a malformed payload, yields an *UnrecognizedError.
func Normalize(raw ledger.RawEvent) (Event, error) {
	if len(raw.Topic) == 0 {
		return nil, reject(raw, "", "empty topic")
	}
	topics := make([]xdr.ScVal, len(raw.Topic))
	for i, t := range raw.Topic {
		if err := xdr.SafeUnmarshalBase64(t, &topics[i]); err != nil {
			return nil, reject(raw, "", "decode topic %d: %v", i, err)
		}
	}
	sym, ok := topics[0].GetSym()
	if !ok {
		return nil, reject(raw, "", "topic[0] is %s, want symbol", topics[0].Type)
	}
	symbol := string(sym)

	args := make([]string, 0, len(topics)-1)
	for i, t := range topics[1:] {
		s, err := addressOrString(t)
		if err != nil {
			return nil, reject(raw, symbol, "topic %d: %v", i+1, err)
		}
		args = append(args, s)
	}
	topic := strings.Join(append([]string{symbol}, args...), "/")

	var body fields
	if raw.Value != "" {
		var v xdr.ScVal
		if err := xdr.SafeUnmarshalBase64(raw.Value, &v); err != nil {
			return nil, reject(raw, topic, "decode value: %v", err)
		}
		m, err := asFields(v)
		if err != nil {
			return nil, reject(raw, topic, "value: %v", err)
		}
		body = m
	}

	h := header(raw, symbol, qualify(topic, symbol, body))
	ev, err := build(h, args, body)
	if err != nil {
		return nil, reject(raw, topic, "%s: %v", symbol, err)
	}
	return ev, nil
}

// qualify appends the ordering key carried in the body, so two events of one
// symbol in the same transaction keep distinct (tx hash, topic) identities.
func qualify(topic, symbol string, body fields) string {
	var key string
	switch symbol {
	case SymArbiterAdded, SymArbiterRemoved:
		return topic
	case SymObligationTransferred:
		key, _ = body.text("agreement_id")
	default:
		key, _ = body.escrowID()
	}
	if key == "" {
		return topic
	}
	return topic + "#" + key
}

func build(h Header, args []string, body fields) (Event, error) {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("want %d topic arguments, got %d", n, len(args))
		}
		return nil
	}

	switch h.Symbol {
	case SymEscrowCreated:
		if err := need(2); err != nil {
			return nil, err
		}
		ev := EscrowCreated{Header: h, Depositor: args[0], Beneficiary: args[1]}
		var err error
		if ev.EscrowID, err = body.escrowID(); err != nil {
			return nil, err
		}
		if ev.AgreementID, err = body.text("agreement_id"); err != nil {
			return nil, err
		}
		if ev.Arbiter, err = body.address("arbiter"); err != nil {
			return nil, err
		}
		if ev.Amount, err = body.amount("amount"); err != nil {
			return nil, err
		}
		if ev.Token, err = body.address("token"); err != nil {
			return nil, err
		}
		return ev, nil

	case SymEscrowFunded, SymEscrowReleased, SymEscrowRefunded:
		if err := need(0); err != nil {
			return nil, err
		}
		id, err := body.escrowID()
		if err != nil {
			return nil, err
		}
		switch h.Symbol {
		case SymEscrowFunded:
			return EscrowFunded{Header: h, EscrowID: id}, nil
		case SymEscrowReleased:
			return EscrowReleased{Header: h, EscrowID: id}, nil
		}
		return EscrowRefunded{Header: h, EscrowID: id}, nil

	case SymReleaseApproved:
		if err := need(1); err != nil {
			return nil, err
		}
		ev := ReleaseApproved{Header: h, Signer: args[0]}
		var err error
		if ev.EscrowID, err = body.escrowID(); err != nil {
			return nil, err
		}
		if ev.ReleaseTo, err = body.address("release_to"); err != nil {
			return nil, err
		}
		if ev.ApprovalCount, err = body.u32("approval_count"); err != nil {
			return nil, err
		}
		return ev, nil

	case SymDisputeRaised:
		if err := need(1); err != nil {
			return nil, err
		}
		ev := DisputeRaised{Header: h, RaisedBy: args[0]}
		var err error
		if ev.EscrowID, err = body.escrowID(); err != nil {
			return nil, err
		}
		if ev.DetailsHash, err = body.hexOrText("details_hash"); err != nil {
			return nil, err
		}
		return ev, nil

	case SymArbiterVoted:
		if err := need(1); err != nil {
			return nil, err
		}
		ev := ArbiterVoted{Header: h, Arbiter: args[0]}
		var err error
		if ev.EscrowID, err = body.escrowID(); err != nil {
			return nil, err
		}
		if ev.FavorLandlord, err = body.boolean("favor_landlord"); err != nil {
			return nil, err
		}
		return ev, nil

	case SymDisputeResolved:
		if err := need(0); err != nil {
			return nil, err
		}
		ev := DisputeResolved{Header: h}
		var err error
		if ev.EscrowID, err = body.escrowID(); err != nil {
			return nil, err
		}
		outcome, err := body.text("outcome")
		if err != nil {
			return nil, err
		}
		switch o := dispute.Outcome(strings.ToUpper(outcome)); o {
		case dispute.OutcomeLandlord, dispute.OutcomeTenant:
			ev.Outcome = o
		default:
			return nil, fmt.Errorf("outcome %q is not LANDLORD or TENANT", outcome)
		}
		return ev, nil

	case SymObligationTransferred:
		if err := need(2); err != nil {
			return nil, err
		}
		ev := ObligationTransferred{Header: h, From: args[0], To: args[1]}
		var err error
		if ev.AgreementID, err = body.text("agreement_id"); err != nil {
			return nil, err
		}
		return ev, nil

	case SymArbiterAdded:
		if err := need(1); err != nil {
			return nil, err
		}
		return ArbiterAdded{Header: h, Arbiter: args[0]}, nil

	case SymArbiterRemoved:
		if err := need(1); err != nil {
			return nil, err
		}
		return ArbiterRemoved{Header: h, Arbiter: args[0]}, nil
	}
	return nil, errors.New("unknown event symbol")
}

// fields is an ScMap body indexed by its symbol keys.
type fields map[string]xdr.ScVal

func asFields(v xdr.ScVal) (fields, error) {
	m, ok := v.GetMap()
	if !ok || m == nil {
		return nil, fmt.Errorf("is %s, want map", v.Type)
	}
	out := make(fields, len(*m))
	for _, entry := range *m {
		key, err := text(entry.Key)
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		out[key] = entry.Val
	}
	return out, nil
}

func (f fields) get(name string) (xdr.ScVal, error) {
	v, ok := f[name]
	if !ok {
		return xdr.ScVal{}, fmt.Errorf("missing field %q", name)
	}
	return v, nil
}

func (f fields) text(name string) (string, error) {
	v, err := f.get(name)
	if err != nil {
		return "", err
	}
	s, err := text(v)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", name, err)
	}
	if s == "" {
		return "", fmt.Errorf("field %q is empty", name)
	}
	return s, nil
}

func (f fields) hexOrText(name string) (string, error) {
	v, err := f.get(name)
	if err != nil {
		return "", err
	}
	if b, ok := v.GetBytes(); ok {
		return hex.EncodeToString(b), nil
	}
	return f.text(name)
}

func (f fields) escrowID() (string, error) {
	return f.hexOrText("escrow_id")
}

func (f fields) address(name string) (string, error) {
	v, err := f.get(name)
	if err != nil {
		return "", err
	}
	s, err := addressOrString(v)
	if err != nil {
		return "", fmt.Errorf("field %q: %w", name, err)
	}
	return s, nil
}

func (f fields) u32(name string) (int, error) {
	v, err := f.get(name)
	if err != nil {
		return 0, err
	}
	n, ok := v.GetU32()
	if !ok {
		return 0, fmt.Errorf("field %q is %s, want u32", name, v.Type)
	}
	return int(n), nil
}

func (f fields) boolean(name string) (bool, error) {
	v, err := f.get(name)
	if err != nil {
		return false, err
	}
	b, ok := v.GetB()
	if !ok {
		return false, fmt.Errorf("field %q is %s, want bool", name, v.Type)
	}
	return b, nil
}

// amount renders an i128 (or a smaller integer) as a base-10 string.
func (f fields) amount(name string) (string, error) {
	v, err := f.get(name)
	if err != nil {
		return "", err
	}
	switch v.Type {
	case xdr.ScValTypeScvI128:
		parts := v.MustI128()
		n := big.NewInt(int64(parts.Hi))
		n.Lsh(n, 64)
		n.Add(n, new(big.Int).SetUint64(uint64(parts.Lo)))
		return n.String(), nil
	case xdr.ScValTypeScvI64:
		return big.NewInt(int64(v.MustI64())).String(), nil
	case xdr.ScValTypeScvU64:
		return new(big.Int).SetUint64(uint64(v.MustU64())).String(), nil
	}
	return "", fmt.Errorf("field %q is %s, want i128", name, v.Type)
}

func text(v xdr.ScVal) (string, error) {
	if s, ok := v.GetSym(); ok {
		return string(s), nil
	}
	if s, ok := v.GetStr(); ok {
		return string(s), nil
	}
	return "", fmt.Errorf("is %s, want symbol or string", v.Type)
}

func addressOrString(v xdr.ScVal) (string, error) {
	addr, ok := v.GetAddress()
	if !ok {
		return text(v)
	}
	switch addr.Type {
	case xdr.ScAddressTypeScAddressTypeAccount:
		if addr.AccountId == nil || addr.AccountId.Ed25519 == nil {
			return "", errors.New("account address without key")
		}
		return strkey.Encode(strkey.VersionByteAccountID, addr.AccountId.Ed25519[:])
	case xdr.ScAddressTypeScAddressTypeContract:
		if addr.ContractId == nil {
			return "", errors.New("contract address without id")
		}
		return strkey.Encode(strkey.VersionByteContract, addr.ContractId[:])
	}
	return "", fmt.Errorf("unsupported address type %s", addr.Type)
}
