package chain

import (
	"errors"
	"fmt"

	"TradeTrail/internal/event"
)

var (
	// ErrSequenceMismatch reports a candidate whose seqNo is not head+1.
	ErrSequenceMismatch = errors.New("sequence mismatch")

	// ErrBrokenLink reports a prevHash that does not match the head hash.
	ErrBrokenLink = errors.New("broken link")

	// ErrHashMismatch reports a declared eventHash that does not recompute.
	// The only way a forged or altered event is caught.
	ErrHashMismatch = errors.New("hash mismatch")
)

// Verify checks a candidate event against the known chain head. For an
// empty chain the head is (0, genesis sentinel). Pure function, no side
// effects; nil means the candidate extends the chain.
func Verify(env *event.Envelope, instanceID string, lastSeqNo int64, lastHash event.Hash) error {
	if env.InstanceID != instanceID {
		return fmt.Errorf("%w: event instance %q does not match chain %q", ErrBrokenLink, env.InstanceID, instanceID)
	}
	if env.SeqNo != lastSeqNo+1 {
		return fmt.Errorf("%w: got seq_no %d, head is %d", ErrSequenceMismatch, env.SeqNo, lastSeqNo)
	}
	if env.PrevHash != lastHash {
		return fmt.Errorf("%w: prev_hash %s, head hash %s", ErrBrokenLink, env.PrevHash, lastHash)
	}
	computed, err := ComputeHash(env)
	if err != nil {
		return err
	}
	if computed != env.EventHash {
		return fmt.Errorf("%w: declared %s, computed %s", ErrHashMismatch, env.EventHash, computed)
	}
	return nil
}
