package store

import (
	"context"
	"errors"
	"time"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/event"
	"TradeTrail/internal/state"
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a serialization failure: a concurrent attempt
	// touched the same instance. Safe to retry blindly.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrDuplicate reports a unique violation: the chain position is
	// already taken. Resynchronize before retrying.
	ErrDuplicate = errors.New("duplicate row")
)

// InstanceHead is the locked instance row an ingestion attempt works
// against.
type InstanceHead struct {
	InstanceID string
	CreatedAt  time.Time
	State      *state.Aggregate
}

// InstanceTx is the set of operations available while holding the
// exclusive lock on one instance's row. All mutations become visible
// atomically when the enclosing transaction commits.
type InstanceTx interface {
	// LoadOrInit fetches the aggregate, creating the zero row with
	// created_at = now on an instance's first-ever event.
	LoadOrInit(ctx context.Context, now time.Time) (*InstanceHead, error)

	// EventBySeq returns the stored event at one chain position.
	EventBySeq(ctx context.Context, seqNo int64) (*event.Envelope, error)

	// AppendEvent persists a verified event row.
	AppendEvent(ctx context.Context, env *event.Envelope) error

	// SaveState overwrites the instance's aggregate and head pointer.
	SaveState(ctx context.Context, agg *state.Aggregate, now time.Time) error

	// SaveCheckpoint persists a signed snapshot.
	SaveCheckpoint(ctx context.Context, cp *anchor.Checkpoint) error

	// SaveCommitment persists a sparse anchor.
	SaveCommitment(ctx context.Context, cm *anchor.Commitment) error
}

// Store is the transactional boundary for chain mutation. Attempts on
// the same instance are linearized; different instances proceed in
// parallel.
type Store interface {
	// WithInstanceTx runs fn inside one serializable transaction that
	// holds the instance lock for its whole duration. A non-nil error
	// from fn aborts with nothing persisted.
	WithInstanceTx(ctx context.Context, instanceID string, fn func(tx InstanceTx) error) error
}
