package anchor

import (
	"fmt"
	"time"

	"TradeTrail/internal/event"
	"TradeTrail/internal/state"
)

const (
	DefaultCheckpointInterval = 50
	DefaultCommitmentInterval = 500
)

// Checkpoint is an immutable signed snapshot of an instance's full
// aggregate at one chain position. The signature binds the canonical
// snapshot bytes, so a storage-level edit of either the snapshot or
// the stored digest is detectable without replaying the chain.
type Checkpoint struct {
	InstanceID  string           `json:"instance_id"`
	SeqNo       int64            `json:"seq_no"`
	State       *state.Aggregate `json:"state"`
	StateDigest event.Hash       `json:"state_digest"`
	Signature   []byte           `json:"signature"`
	CreatedAt   time.Time        `json:"created_at"`
}

// CheckpointPolicy decides when a checkpoint is due: every Interval
// accepted events, and always on session end.
type CheckpointPolicy struct {
	Interval int64
}

func (p CheckpointPolicy) ShouldCheckpoint(t event.Type, seqNo int64) bool {
	if t == event.TypeSessionEnd {
		return true
	}
	return p.Interval > 0 && seqNo%p.Interval == 0
}

// Builder materializes checkpoints and commitments from accepted
// state. Stateless apart from the signer.
type Builder struct {
	signer *Signer
}

func NewBuilder(signer *Signer) *Builder {
	return &Builder{signer: signer}
}

// BuildCheckpoint snapshots the aggregate and signs its canonical
// bytes with the instance key.
func (b *Builder) BuildCheckpoint(agg *state.Aggregate, now time.Time) (*Checkpoint, error) {
	if agg.LastSeqNo < 1 {
		return nil, fmt.Errorf("cannot checkpoint before the first event")
	}
	sig, err := b.signer.Sign(agg.InstanceID, agg.CanonicalBytes())
	if err != nil {
		return nil, fmt.Errorf("sign checkpoint for %s at seq %d: %w", agg.InstanceID, agg.LastSeqNo, err)
	}
	return &Checkpoint{
		InstanceID:  agg.InstanceID,
		SeqNo:       agg.LastSeqNo,
		State:       agg.Clone(),
		StateDigest: agg.Digest(),
		Signature:   sig,
		CreatedAt:   now.UTC(),
	}, nil
}

// VerifyCheckpoint recomputes the snapshot's canonical bytes and
// checks both the stored digest and the signature against them.
func (b *Builder) VerifyCheckpoint(cp *Checkpoint) (bool, error) {
	if cp.State == nil {
		return false, fmt.Errorf("checkpoint has no snapshot")
	}
	if cp.State.InstanceID != cp.InstanceID || cp.State.LastSeqNo != cp.SeqNo {
		return false, nil
	}
	canonical := cp.State.CanonicalBytes()
	if cp.State.Digest() != cp.StateDigest {
		return false, nil
	}
	return b.signer.Verify(cp.InstanceID, canonical, cp.Signature)
}
