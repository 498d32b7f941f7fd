package anchor

import (
	"fmt"
	"time"

	"TradeTrail/internal/event"
	"TradeTrail/internal/state"
)

// Commitment is a sparse anchor binding a chain position to a state
// signature. Once published outside the database, rewriting history
// before this point means regenerating every later hash and every
// anchor already in third-party hands.
type Commitment struct {
	InstanceID     string     `json:"instance_id"`
	SeqNo          int64      `json:"seq_no"`
	EventHash      event.Hash `json:"event_hash"`
	StateSignature []byte     `json:"state_signature"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CommitmentPolicy fires on every Interval-th accepted event.
// Intentionally much sparser than checkpoints.
type CommitmentPolicy struct {
	Interval int64
}

func (p CommitmentPolicy) ShouldCommit(seqNo int64) bool {
	return p.Interval > 0 && seqNo%p.Interval == 0
}

// BuildCommitment anchors the new head. stateSig reuses the signature
// of a checkpoint built in the same transaction when there is one;
// pass nil to sign the aggregate fresh.
func (b *Builder) BuildCommitment(agg *state.Aggregate, stateSig []byte, now time.Time) (*Commitment, error) {
	if agg.LastSeqNo < 1 {
		return nil, fmt.Errorf("cannot commit before the first event")
	}
	if stateSig == nil {
		var err error
		stateSig, err = b.signer.Sign(agg.InstanceID, agg.CanonicalBytes())
		if err != nil {
			return nil, fmt.Errorf("sign commitment for %s at seq %d: %w", agg.InstanceID, agg.LastSeqNo, err)
		}
	}
	return &Commitment{
		InstanceID:     agg.InstanceID,
		SeqNo:          agg.LastSeqNo,
		EventHash:      agg.LastEventHash,
		StateSignature: stateSig,
		CreatedAt:      now.UTC(),
	}, nil
}
