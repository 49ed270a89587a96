package ledger

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

// mockLedgerAPI implements the ledger_* namespace consumed by RPCClient.
type mockLedgerAPI struct {
	mu      sync.Mutex
	events  map[string][]rpcEvent
	escrows map[string]rpcEscrowState
	fail    bool
}

func (m *mockLedgerAPI) GetEvents(_ context.Context, stream string, from hexutil.Uint64, limit hexutil.Uint) ([]rpcEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("mock fault: GetEvents failed")
	}
	out := []rpcEvent{}
	for _, ev := range m.events[stream] {
		if ev.Seq < from {
			continue
		}
		if len(out) == int(limit) {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *mockLedgerAPI) LatestSeq(_ context.Context, stream string) (hexutil.Uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[stream]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

func (m *mockLedgerAPI) GetEscrow(_ context.Context, id string) (*rpcEscrowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.escrows[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func newMockLedgerServer(t *testing.T, api *mockLedgerAPI) string {
	t.Helper()

	server := rpc.NewServer()
	if err := server.RegisterName("ledger", api); err != nil {
		t.Fatalf("register mock ledger API: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen mock ledger RPC: %v", err)
	}
	httpSrv := &http.Server{Handler: server}
	go func() {
		_ = httpSrv.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = httpSrv.Close()
		server.Stop()
	})
	return "http://" + listener.Addr().String()
}

func TestRPCClient_Events(t *testing.T) {
	closedAt := time.Unix(1_700_000_000, 0).UTC()
	api := &mockLedgerAPI{events: map[string][]rpcEvent{
		"C1": {
			{Seq: 7, Ledger: 100, LedgerClosedAt: hexutil.Uint64(closedAt.Unix()), TxHash: "aa", ContractID: "C1", Topic: []string{"AAAADwAAAAA="}, Value: "AAAAAQ=="},
			{Seq: 8, Ledger: 101, TxHash: "bb", ContractID: "C1"},
			{Seq: 9, Ledger: 101, TxHash: "cc", ContractID: "C1"},
		},
	}}
	client := NewRPCClient(newMockLedgerServer(t, api), time.Second)
	defer client.Close()
	ctx := context.Background()

	events, err := client.Events(ctx, "C1", 7, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, RawEvent{
		Sequence:       7,
		Ledger:         100,
		LedgerClosedAt: closedAt,
		TxHash:         "aa",
		ContractID:     "C1",
		Topic:          []string{"AAAADwAAAAA="},
		Value:          "AAAAAQ==",
	}, events[0])
	require.Equal(t, uint64(8), events[1].Sequence)

	head, err := client.LatestSeq(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, uint64(9), head)
}

func TestRPCClient_EscrowState(t *testing.T) {
	api := &mockLedgerAPI{escrows: map[string]rpcEscrowState{
		"e1": {EscrowID: "e1", Status: "RELEASED", ApprovalCount: 2, Ledger: 55},
	}}
	client := NewRPCClient(newMockLedgerServer(t, api), time.Second)
	defer client.Close()

	st, err := client.EscrowState(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, EscrowState{EscrowID: "e1", Status: "RELEASED", ApprovalCount: 2, Ledger: 55}, st)

	_, err = client.EscrowState(context.Background(), "missing")
	require.ErrorIs(t, err, ErrEscrowNotOnChain)
}

func TestRPCClient_ServerErrorKeepsConnection(t *testing.T) {
	api := &mockLedgerAPI{fail: true}
	client := NewRPCClient(newMockLedgerServer(t, api), time.Second)
	defer client.Close()

	_, err := client.Events(context.Background(), "C1", 1, 10)
	require.Error(t, err)

	client.mu.Lock()
	connected := client.client != nil
	client.mu.Unlock()
	require.True(t, connected, "application errors must not drop the connection")

	api.mu.Lock()
	api.fail = false
	api.mu.Unlock()
	_, err = client.Events(context.Background(), "C1", 1, 10)
	require.NoError(t, err)
}

func TestRPCClient_ClosedClientFails(t *testing.T) {
	client := NewRPCClient("http://127.0.0.1:1", time.Second)
	client.Close()
	_, err := client.LatestSeq(context.Background(), "C1")
	require.Error(t, err)
}
