package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// rpcEvent mirrors one element of the ledger_getEvents response.
type rpcEvent struct {
	Seq            hexutil.Uint64 `json:"seq"`
	Ledger         hexutil.Uint64 `json:"ledger"`
	LedgerClosedAt hexutil.Uint64 `json:"ledgerClosedAt"`
	TxHash         string         `json:"txHash"`
	ContractID     string         `json:"contractId"`
	Topic          []string       `json:"topic"`
	Value          string         `json:"value"`
}

func (r *rpcEvent) toRaw() RawEvent {
	return RawEvent{
		Sequence:       uint64(r.Seq),
		Ledger:         uint64(r.Ledger),
		LedgerClosedAt: time.Unix(int64(r.LedgerClosedAt), 0).UTC(),
		TxHash:         r.TxHash,
		ContractID:     r.ContractID,
		Topic:          r.Topic,
		Value:          r.Value,
	}
}

// rpcEscrowState mirrors the ledger_getEscrow response.
type rpcEscrowState struct {
	EscrowID      string         `json:"escrowId"`
	Status        string         `json:"status"`
	ApprovalCount hexutil.Uint   `json:"approvalCount"`
	Ledger        hexutil.Uint64 `json:"ledger"`
}

// RPCClient talks to the indexer's ledger_* JSON-RPC namespace.
type RPCClient struct {
	endpoint       string
	timeout        time.Duration
	reconnectDelay time.Duration

	mu            sync.Mutex
	client        *rpc.Client
	closed        bool
	lastReconnect time.Time
}

// NewRPCClient returns a lazily connecting client for endpoint.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		endpoint:       endpoint,
		timeout:        timeout,
		reconnectDelay: 2 * time.Second,
	}
}

func (c *RPCClient) connectLocked(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := rpc.DialContext(dialCtx, c.endpoint)
	c.lastReconnect = time.Now()
	if err != nil {
		return fmt.Errorf("ledger: dial %s: %w", c.endpoint, err)
	}
	c.client = client
	rpcReconnectsTotal.Inc(1)
	log.Info("Connected to ledger indexer", "endpoint", c.endpoint)
	return nil
}

// getClient returns the live client, dialing if needed. Redials are throttled
// to one per reconnectDelay; the wait happens outside the lock.
func (c *RPCClient) getClient(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	for {
		if c.client != nil {
			cl := c.client
			c.mu.Unlock()
			return cl, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, errors.New("ledger: rpc client is closed")
		}
		if since := time.Since(c.lastReconnect); since < c.reconnectDelay {
			wait := c.reconnectDelay - since
			c.mu.Unlock()
			log.Debug("Throttling indexer reconnect", "wait", wait)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
			c.mu.Lock()
			continue
		}
		err := c.connectLocked(ctx)
		cl := c.client
		c.mu.Unlock()
		return cl, err
	}
}

func (c *RPCClient) call(ctx context.Context, result any, method string, args ...any) error {
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := client.CallContext(callCtx, result, method, args...); err != nil {
		rpcCallErrorsTotal.Inc(1)
		var rpcErr rpc.Error
		if !errors.As(err, &rpcErr) {
			// Transport level failure; drop the connection.
			c.resetClient(err)
		}
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	return nil
}

// Events implements Client.
func (c *RPCClient) Events(ctx context.Context, stream string, fromSeq uint64, limit int) ([]RawEvent, error) {
	var res []rpcEvent
	if err := c.call(ctx, &res, "ledger_getEvents", stream, hexutil.Uint64(fromSeq), hexutil.Uint(limit)); err != nil {
		return nil, err
	}
	out := make([]RawEvent, len(res))
	for i := range res {
		out[i] = res[i].toRaw()
	}
	return out, nil
}

// LatestSeq implements Client.
func (c *RPCClient) LatestSeq(ctx context.Context, stream string) (uint64, error) {
	var res hexutil.Uint64
	if err := c.call(ctx, &res, "ledger_latestSeq", stream); err != nil {
		return 0, err
	}
	return uint64(res), nil
}

// EscrowState implements Client.
func (c *RPCClient) EscrowState(ctx context.Context, escrowID string) (EscrowState, error) {
	var res *rpcEscrowState
	if err := c.call(ctx, &res, "ledger_getEscrow", escrowID); err != nil {
		return EscrowState{}, err
	}
	if res == nil {
		return EscrowState{}, ErrEscrowNotOnChain
	}
	return EscrowState{
		EscrowID:      res.EscrowID,
		Status:        res.Status,
		ApprovalCount: int(res.ApprovalCount),
		Ledger:        uint64(res.Ledger),
	}, nil
}

func (c *RPCClient) resetClient(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
		log.Warn("Ledger indexer connection reset", "err", err)
	}
}

// Close releases the connection. The client cannot be used afterwards.
func (c *RPCClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}
