package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"TradeTrail/internal/chain"
	"TradeTrail/internal/event"
	"TradeTrail/internal/state"
	"TradeTrail/internal/store"
)

// --- Test helpers ---

func newMockStore(t *testing.T) (*store.Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	return store.NewPostgres(db), mock, func() { db.Close() }
}

func mustStateJSON(t *testing.T, agg *state.Aggregate) []byte {
	t.Helper()
	data, err := json.Marshal(agg)
	if err != nil {
		t.Fatalf("marshal aggregate: %v", err)
	}
	return data
}

func checkExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ============================================================================
// Test: Append Flow
// ============================================================================

func TestWithInstanceTxAppendFlow(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	zero := state.New("acct-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger.instances").
		WithArgs("acct-1", zero.LastEventHash.String(), sqlmock.AnyArg(), zero.Digest().String(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT state, created_at").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "created_at"}).
			AddRow(mustStateJSON(t, zero), now))
	mock.ExpectExec("INSERT INTO ledger.events").
		WithArgs("acct-1", int64(1), "SESSION_START", int64(1719834000), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger.instances").
		WithArgs("acct-1", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithInstanceTx(context.Background(), "acct-1", func(tx store.InstanceTx) error {
		head, err := tx.LoadOrInit(context.Background(), now)
		if err != nil {
			return err
		}
		if head.State.LastSeqNo != 0 {
			t.Errorf("fresh instance LastSeqNo = %d, want 0", head.State.LastSeqNo)
		}
		if head.State.LastEventHash != chain.GenesisHash() {
			t.Errorf("fresh instance head hash = %s, want genesis", head.State.LastEventHash)
		}

		env := &event.Envelope{
			InstanceID: "acct-1",
			SeqNo:      1,
			Type:       event.TypeSessionStart,
			Timestamp:  time.Unix(1719834000, 0).UTC(),
			RawPayload: json.RawMessage(`{"account_id":"12345","broker":"TestBroker","currency":"USD"}`),
			PrevHash:   chain.GenesisHash(),
			ReceivedAt: now,
		}
		if err := tx.AppendEvent(context.Background(), env); err != nil {
			return err
		}

		next := head.State.Clone()
		next.LastSeqNo = 1
		return tx.SaveState(context.Background(), next, now)
	})
	if err != nil {
		t.Fatalf("WithInstanceTx: %v", err)
	}
	checkExpectations(t, mock)
}

// ============================================================================
// Test: Load Existing Instance
// ============================================================================

func TestLoadOrInitExistingInstance(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	createdAt := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	existing := state.New("acct-1")
	existing.LastSeqNo = 7
	existing.Balance = 1_000_000
	existing.Equity = 1_000_000
	existing.PeakEquity = 1_050_000

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger.instances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT state, created_at").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "created_at"}).
			AddRow(mustStateJSON(t, existing), createdAt))
	mock.ExpectCommit()

	err := st.WithInstanceTx(context.Background(), "acct-1", func(tx store.InstanceTx) error {
		head, err := tx.LoadOrInit(context.Background(), now)
		if err != nil {
			return err
		}
		if !head.CreatedAt.Equal(createdAt) {
			t.Errorf("CreatedAt = %v, want %v", head.CreatedAt, createdAt)
		}
		if head.State.LastSeqNo != 7 {
			t.Errorf("LastSeqNo = %d, want 7", head.State.LastSeqNo)
		}
		if head.State.PeakEquity != 1_050_000 {
			t.Errorf("PeakEquity = %d, want 1050000", head.State.PeakEquity)
		}
		if head.State.OpenPositions == nil {
			t.Error("OpenPositions not initialized after load")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithInstanceTx: %v", err)
	}
	checkExpectations(t, mock)
}

// ============================================================================
// Test: Error Mapping
// ============================================================================

func TestSerializationFailureMapsToConflict(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	err := st.WithInstanceTx(context.Background(), "acct-1", func(tx store.InstanceTx) error {
		return nil
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("commit 40001: got %v, want ErrConflict", err)
	}
	checkExpectations(t, mock)
}

func TestUniqueViolationMapsToDuplicate(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger.events").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := st.WithInstanceTx(context.Background(), "acct-1", func(tx store.InstanceTx) error {
		env := &event.Envelope{
			InstanceID: "acct-1",
			SeqNo:      1,
			Type:       event.TypeSessionStart,
			Timestamp:  time.Unix(1719834000, 0).UTC(),
			RawPayload: json.RawMessage(`{"account_id":"12345"}`),
			ReceivedAt: time.Unix(1719834001, 0).UTC(),
		}
		return tx.AppendEvent(context.Background(), env)
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("insert 23505: got %v, want ErrDuplicate", err)
	}
	checkExpectations(t, mock)
}

func TestFnErrorRollsBack(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("validation failed")
	err := st.WithInstanceTx(context.Background(), "acct-1", func(tx store.InstanceTx) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want the fn error back", err)
	}
	checkExpectations(t, mock)
}

// ============================================================================
// Test: Event Row Round Trip
// ============================================================================

func TestEventBySeqRebuildsEnvelope(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	payload := `{"direction":"buy","open_price":240550000,"symbol":"XAUUSD","ticket":"T100","volume":50}`
	prevHash := chain.GenesisHash()
	receivedAt := time.Date(2024, 7, 1, 12, 0, 1, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger.events")).
		WithArgs("acct-1", int64(3)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"event_type", "ts", "payload", "prev_hash", "event_hash", "received_at"}).
			AddRow("TRADE_OPEN", int64(1719834000), payload, prevHash.String(), prevHash.String(), receivedAt))
	mock.ExpectCommit()

	err := st.WithInstanceTx(context.Background(), "acct-1", func(tx store.InstanceTx) error {
		env, err := tx.EventBySeq(context.Background(), 3)
		if err != nil {
			return err
		}
		if env.SeqNo != 3 || env.InstanceID != "acct-1" {
			t.Errorf("identity = (%s, %d), want (acct-1, 3)", env.InstanceID, env.SeqNo)
		}
		if env.Type != event.TypeTradeOpen {
			t.Errorf("Type = %v, want TRADE_OPEN", env.Type)
		}
		if env.Timestamp.Unix() != 1719834000 {
			t.Errorf("Timestamp = %d, want 1719834000", env.Timestamp.Unix())
		}
		if string(env.RawPayload) != payload {
			t.Errorf("RawPayload = %s, want stored bytes unchanged", env.RawPayload)
		}
		open, ok := env.Payload.(*event.TradeOpen)
		if !ok {
			t.Fatalf("Payload type = %T, want *TradeOpen", env.Payload)
		}
		if open.Ticket != "T100" || open.OpenPrice != 240550000 {
			t.Errorf("parsed payload = %+v", open)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithInstanceTx: %v", err)
	}
	checkExpectations(t, mock)
}

func TestEventBySeqMissing(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger.events")).
		WithArgs("acct-1", int64(99)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"event_type", "ts", "payload", "prev_hash", "event_hash", "received_at"}))
	mock.ExpectRollback()

	err := st.WithInstanceTx(context.Background(), "acct-1", func(tx store.InstanceTx) error {
		_, err := tx.EventBySeq(context.Background(), 99)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	checkExpectations(t, mock)
}

// ============================================================================
// Test: Corroboration Runs
// ============================================================================

func TestCorroborationRunRoundTrip(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	report := []byte(`{"instance_id":"acct-1","summary":{"matched":2}}`)
	now := time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO ledger.corroboration_runs").
		WithArgs("acct-1", report, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger.corroboration_runs")).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"report", "created_at"}).AddRow(report, now))

	if err := st.SaveCorroborationRun(context.Background(), "acct-1", report, now); err != nil {
		t.Fatalf("SaveCorroborationRun: %v", err)
	}
	got, at, err := st.LatestCorroborationRun(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("LatestCorroborationRun: %v", err)
	}
	if string(got) != string(report) {
		t.Errorf("report = %s, want %s", got, report)
	}
	if !at.Equal(now) {
		t.Errorf("created_at = %v, want %v", at, now)
	}
	checkExpectations(t, mock)
}

func TestLatestCorroborationRunMissing(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger.corroboration_runs")).
		WithArgs("acct-9").
		WillReturnRows(sqlmock.NewRows([]string{"report", "created_at"}))

	_, _, err := st.LatestCorroborationRun(context.Background(), "acct-9")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	checkExpectations(t, mock)
}
