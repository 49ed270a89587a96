package projection

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPGStoreInTx_CommitsOnSuccess(t *testing.T) {
	pool := &fakePool{}
	store := newPGStore(pool, nil)

	if err := store.InTx(context.Background(), func(tx Tx) error {
		return tx.AdvanceCursor(context.Background(), "escrow", 7, time.Unix(10, 0))
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if pool.tx == nil {
		t.Fatalf("expected Begin to provide transaction")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if len(pool.tx.execs) != 1 || !strings.Contains(pool.tx.execs[0], "GREATEST") {
		t.Errorf("expected monotonic cursor upsert, got %v", pool.tx.execs)
	}
}

func TestPGStoreInTx_RollsBackOnError(t *testing.T) {
	pool := &fakePool{}
	store := newPGStore(pool, nil)
	boom := errors.New("boom")

	err := store.InTx(context.Background(), func(tx Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
}

func TestPGStoreInTx_BeginFailure(t *testing.T) {
	pool := &fakePool{beginErr: errors.New("refused")}
	store := newPGStore(pool, nil)

	called := false
	err := store.InTx(context.Background(), func(tx Tx) error {
		called = true
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected begin error, got %v", err)
	}
	if called {
		t.Errorf("fn must not run without a transaction")
	}
}

func TestPGTxRecordAppliedEvent_DuplicateIsNotAnError(t *testing.T) {
	pool := &fakePool{tag: pgconn.NewCommandTag("INSERT 0 0")}
	store := newPGStore(pool, nil)

	var fresh bool
	if err := store.InTx(context.Background(), func(tx Tx) error {
		var err error
		fresh, err = tx.RecordAppliedEvent(context.Background(), "abc", "esc_funded", 3)
		return err
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if fresh {
		t.Errorf("expected replay to be reported as already applied")
	}
}

func TestPGTxRecordAppliedEvent_FirstDelivery(t *testing.T) {
	pool := &fakePool{tag: pgconn.NewCommandTag("INSERT 0 1")}
	store := newPGStore(pool, nil)

	var fresh bool
	if err := store.InTx(context.Background(), func(tx Tx) error {
		var err error
		fresh, err = tx.RecordAppliedEvent(context.Background(), "abc", "esc_funded", 3)
		return err
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !fresh {
		t.Errorf("expected first delivery to be applied")
	}
}

type fakePool struct {
	tx       *fakeTx
	tag      pgconn.CommandTag
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{tag: f.tag}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
	tag       pgconn.CommandTag
	execs     []string
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return f.tag, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
