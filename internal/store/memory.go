package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/event"
	"TradeTrail/internal/state"
)

// Memory is an in-process Store with the same transactional contract
// as Postgres: per-instance mutual exclusion, all-or-nothing commits.
// Backs the orchestrator and server tests.
type Memory struct {
	mu        sync.Mutex
	instances map[string]*memInstance
}

type memInstance struct {
	mu          sync.Mutex
	createdAt   time.Time
	state       *state.Aggregate // nil until first LoadOrInit commits
	events      map[int64]*event.Envelope
	checkpoints []*anchor.Checkpoint
	commitments []*anchor.Commitment
	runs        []memRun
}

type memRun struct {
	report    []byte
	createdAt time.Time
}

func NewMemory() *Memory {
	return &Memory{instances: make(map[string]*memInstance)}
}

func (m *Memory) instance(instanceID string) *memInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		inst = &memInstance{events: make(map[int64]*event.Envelope)}
		m.instances[instanceID] = inst
	}
	return inst
}

// WithInstanceTx holds the instance lock for the whole of fn, staging
// every mutation and applying the batch only when fn returns nil.
func (m *Memory) WithInstanceTx(ctx context.Context, instanceID string, fn func(tx InstanceTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inst := m.instance(instanceID)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	tx := &memTx{inst: inst, instanceID: instanceID}
	if err := fn(tx); err != nil {
		return err
	}

	tx.apply()
	return nil
}

type memTx struct {
	inst       *memInstance
	instanceID string

	initAt      time.Time // zero unless this tx creates the instance
	newState    *state.Aggregate
	appended    []*event.Envelope
	checkpoints []*anchor.Checkpoint
	commitments []*anchor.Commitment
}

func (t *memTx) LoadOrInit(ctx context.Context, now time.Time) (*InstanceHead, error) {
	if t.inst.state == nil {
		t.initAt = now.UTC()
		return &InstanceHead{
			InstanceID: t.instanceID,
			CreatedAt:  t.initAt,
			State:      state.New(t.instanceID),
		}, nil
	}
	return &InstanceHead{
		InstanceID: t.instanceID,
		CreatedAt:  t.inst.createdAt,
		State:      t.inst.state.Clone(),
	}, nil
}

func (t *memTx) EventBySeq(ctx context.Context, seqNo int64) (*event.Envelope, error) {
	for _, env := range t.appended {
		if env.SeqNo == seqNo {
			return env, nil
		}
	}
	if env, ok := t.inst.events[seqNo]; ok {
		return env, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) AppendEvent(ctx context.Context, env *event.Envelope) error {
	if _, ok := t.inst.events[env.SeqNo]; ok {
		return ErrDuplicate
	}
	for _, staged := range t.appended {
		if staged.SeqNo == env.SeqNo {
			return ErrDuplicate
		}
	}
	t.appended = append(t.appended, env)
	return nil
}

func (t *memTx) SaveState(ctx context.Context, agg *state.Aggregate, now time.Time) error {
	t.newState = agg.Clone()
	return nil
}

func (t *memTx) SaveCheckpoint(ctx context.Context, cp *anchor.Checkpoint) error {
	t.checkpoints = append(t.checkpoints, cp)
	return nil
}

func (t *memTx) SaveCommitment(ctx context.Context, cm *anchor.Commitment) error {
	t.commitments = append(t.commitments, cm)
	return nil
}

func (t *memTx) apply() {
	if !t.initAt.IsZero() && t.inst.state == nil {
		t.inst.createdAt = t.initAt
		t.inst.state = state.New(t.instanceID)
	}
	for _, env := range t.appended {
		t.inst.events[env.SeqNo] = env
	}
	if t.newState != nil {
		t.inst.state = t.newState
	}
	t.inst.checkpoints = append(t.inst.checkpoints, t.checkpoints...)
	t.inst.commitments = append(t.inst.commitments, t.commitments...)
}

// Head returns the committed head for assertions, or false when the
// instance has never been written.
func (m *Memory) Head(instanceID string) (*InstanceHead, bool) {
	inst := m.instance(instanceID)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == nil {
		return nil, false
	}
	return &InstanceHead{
		InstanceID: instanceID,
		CreatedAt:  inst.createdAt,
		State:      inst.state.Clone(),
	}, true
}

// Events returns the committed log in sequence order.
func (m *Memory) Events(instanceID string) []*event.Envelope {
	inst := m.instance(instanceID)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make([]*event.Envelope, 0, len(inst.events))
	for _, env := range inst.events {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	return out
}

func (m *Memory) Checkpoints(instanceID string) []*anchor.Checkpoint {
	inst := m.instance(instanceID)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]*anchor.Checkpoint(nil), inst.checkpoints...)
}

func (m *Memory) Commitments(instanceID string) []*anchor.Commitment {
	inst := m.instance(instanceID)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]*anchor.Commitment(nil), inst.commitments...)
}

func (m *Memory) SaveCorroborationRun(ctx context.Context, instanceID string, report []byte, now time.Time) error {
	inst := m.instance(instanceID)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.runs = append(inst.runs, memRun{report: append([]byte(nil), report...), createdAt: now.UTC()})
	return nil
}

func (m *Memory) LatestCorroborationRun(ctx context.Context, instanceID string) ([]byte, time.Time, error) {
	inst := m.instance(instanceID)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(inst.runs) == 0 {
		return nil, time.Time{}, ErrNotFound
	}
	last := inst.runs[len(inst.runs)-1]
	return append([]byte(nil), last.report...), last.createdAt, nil
}
