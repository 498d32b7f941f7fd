package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/event"
	"TradeTrail/internal/state"
)

// Postgres is the durable Store. One row in ledger.instances per
// instance carries the head pointer and the current aggregate; the
// append path locks that row so only one writer advances a chain at a
// time.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// WithInstanceTx runs fn in a SERIALIZABLE transaction. Serialization
// failures and unique violations surface as ErrConflict / ErrDuplicate
// so callers can tell "retry" from "resync".
func (p *Postgres) WithInstanceTx(ctx context.Context, instanceID string, fn func(tx InstanceTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	itx := &pgInstanceTx{tx: tx, instanceID: instanceID}
	if err := fn(itx); err != nil {
		tx.Rollback()
		return mapPQError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

type pgInstanceTx struct {
	tx         *sql.Tx
	instanceID string
}

// LoadOrInit creates the zero row on first contact, then takes the row
// lock. With SERIALIZABLE + FOR UPDATE a concurrent writer on the same
// instance loses with a serialization failure rather than reading a
// stale head.
func (t *pgInstanceTx) LoadOrInit(ctx context.Context, now time.Time) (*InstanceHead, error) {
	zero := state.New(t.instanceID)
	zeroJSON, err := json.Marshal(zero)
	if err != nil {
		return nil, fmt.Errorf("marshal zero state: %w", err)
	}
	zeroDigest := zero.Digest()

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger.instances
			(instance_id, last_seq_no, last_event_hash, state, state_digest, created_at, updated_at)
		VALUES ($1, 0, $2, $3, $4, $5, $5)
		ON CONFLICT (instance_id) DO NOTHING
	`, t.instanceID, zero.LastEventHash.String(), zeroJSON, zeroDigest.String(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("init instance: %w", err)
	}

	row := t.tx.QueryRowContext(ctx, `
		SELECT state, created_at
		FROM ledger.instances
		WHERE instance_id = $1
		FOR UPDATE
	`, t.instanceID)

	var (
		stateJSON []byte
		createdAt time.Time
	)
	if err := row.Scan(&stateJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("lock instance: %w", err)
	}

	agg := &state.Aggregate{}
	if err := json.Unmarshal(stateJSON, agg); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if agg.OpenPositions == nil {
		agg.OpenPositions = make(map[string]*state.OpenPosition)
	}

	return &InstanceHead{
		InstanceID: t.instanceID,
		CreatedAt:  createdAt,
		State:      agg,
	}, nil
}

// EventBySeq loads one stored event. The payload column holds the
// exact canonical bytes that were hashed, so the envelope it returns
// re-verifies without any re-canonicalization.
func (t *pgInstanceTx) EventBySeq(ctx context.Context, seqNo int64) (*event.Envelope, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT event_type, ts, payload, prev_hash, event_hash, received_at
		FROM ledger.events
		WHERE instance_id = $1 AND seq_no = $2
	`, t.instanceID, seqNo)

	env, err := scanEvent(row, t.instanceID, seqNo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load event %d: %w", seqNo, err)
	}
	return env, nil
}

func (t *pgInstanceTx) AppendEvent(ctx context.Context, env *event.Envelope) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger.events
			(instance_id, seq_no, event_type, ts, payload, prev_hash, event_hash, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, env.InstanceID, env.SeqNo, env.Type.String(), env.Timestamp.Unix(),
		string(env.RawPayload), env.PrevHash.String(), env.EventHash.String(), env.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("append event %d: %w", env.SeqNo, err)
	}
	return nil
}

func (t *pgInstanceTx) SaveState(ctx context.Context, agg *state.Aggregate, now time.Time) error {
	stateJSON, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE ledger.instances
		SET last_seq_no = $2, last_event_hash = $3, state = $4, state_digest = $5, updated_at = $6
		WHERE instance_id = $1
	`, agg.InstanceID, agg.LastSeqNo, agg.LastEventHash.String(), stateJSON, agg.Digest().String(), now.UTC())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save state: instance %s: %w", agg.InstanceID, ErrNotFound)
	}
	return nil
}

func (t *pgInstanceTx) SaveCheckpoint(ctx context.Context, cp *anchor.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger.checkpoints
			(instance_id, seq_no, state, state_digest, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cp.InstanceID, cp.SeqNo, stateJSON, cp.StateDigest.String(), cp.Signature, cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %d: %w", cp.SeqNo, err)
	}
	return nil
}

func (t *pgInstanceTx) SaveCommitment(ctx context.Context, cm *anchor.Commitment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger.commitments
			(instance_id, seq_no, event_hash, state_signature, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, cm.InstanceID, cm.SeqNo, cm.EventHash.String(), cm.StateSignature, cm.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save commitment %d: %w", cm.SeqNo, err)
	}
	return nil
}

// SaveCorroborationRun stores a finished report. Runs are outside the
// chain, so they go through a plain transaction, not the instance lock.
func (p *Postgres) SaveCorroborationRun(ctx context.Context, instanceID string, report []byte, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger.corroboration_runs (instance_id, report, created_at)
		VALUES ($1, $2, $3)
	`, instanceID, report, now.UTC())
	if err != nil {
		return fmt.Errorf("save corroboration run: %w", err)
	}
	return nil
}

// LatestCorroborationRun returns the most recent stored report.
func (p *Postgres) LatestCorroborationRun(ctx context.Context, instanceID string) ([]byte, time.Time, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT report, created_at
		FROM ledger.corroboration_runs
		WHERE instance_id = $1
		ORDER BY created_at DESC, run_id DESC
		LIMIT 1
	`, instanceID)

	var (
		report    []byte
		createdAt time.Time
	)
	if err := row.Scan(&report, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("load corroboration run: %w", err)
	}
	return report, createdAt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent rebuilds an envelope from an event row, including the
// typed payload.
func scanEvent(row rowScanner, instanceID string, seqNo int64) (*event.Envelope, error) {
	var (
		typeName   string
		ts         int64
		payload    string
		prevHex    string
		eventHex   string
		receivedAt time.Time
	)
	if err := row.Scan(&typeName, &ts, &payload, &prevHex, &eventHex, &receivedAt); err != nil {
		return nil, err
	}

	typ, err := event.ParseType(typeName)
	if err != nil {
		return nil, err
	}
	prevHash, err := event.ParseHash(prevHex)
	if err != nil {
		return nil, fmt.Errorf("prev_hash: %w", err)
	}
	eventHash, err := event.ParseHash(eventHex)
	if err != nil {
		return nil, fmt.Errorf("event_hash: %w", err)
	}
	p, err := event.ParsePayload(typ, []byte(payload))
	if err != nil {
		return nil, err
	}

	return &event.Envelope{
		InstanceID: instanceID,
		SeqNo:      seqNo,
		Type:       typ,
		Timestamp:  time.Unix(ts, 0).UTC(),
		RawPayload: json.RawMessage(payload),
		Payload:    p,
		PrevHash:   prevHash,
		EventHash:  eventHash,
		ReceivedAt: receivedAt,
	}, nil
}

// mapPQError folds driver errors into the store's sentinel taxonomy.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}
