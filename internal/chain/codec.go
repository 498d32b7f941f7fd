package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"TradeTrail/internal/event"
)

// GenesisHashSeed derives the instance-independent sentinel that every
// chain's first event links back to. Versioned so a future encoding
// change can coexist with old chains.
const GenesisHashSeed = "tradetrail:chain:genesis:v1"

// PreimageVersion is the leading byte of every hash preimage.
const PreimageVersion byte = 0x01

// GenesisHash returns the fixed sentinel used as prevHash at seqNo 1.
func GenesisHash() event.Hash {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// CanonicalizeRaw normalizes an encoded payload document per RFC 8785
// (sorted keys, minimal escapes, no insignificant whitespace). The
// result is the only payload form that ever enters a hash preimage.
func CanonicalizeRaw(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload document")
	}
	c, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return c, nil
}

// CanonicalPayload marshals a typed payload and canonicalizes it.
func CanonicalPayload(p event.Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return CanonicalizeRaw(b)
}

// Preimage assembles the byte string bound by EventHash:
//
//	version || len(instanceId) || instanceId || seqNo ||
//	len(typeName) || typeName || timestamp || prevHash || payload
//
// Lengths are uint32 LE, integers int64 LE, prevHash raw 32 bytes,
// payload the canonical document. EventHash itself is excluded.
func Preimage(env *event.Envelope) ([]byte, error) {
	if env.InstanceID == "" {
		return nil, fmt.Errorf("instance_id is required")
	}
	if env.SeqNo < 1 {
		return nil, fmt.Errorf("seq_no must be >= 1, got %d", env.SeqNo)
	}
	if env.Type == event.TypeUnknown {
		return nil, fmt.Errorf("event type is required")
	}
	if len(env.RawPayload) == 0 {
		return nil, fmt.Errorf("canonical payload is required")
	}

	var buf bytes.Buffer
	buf.WriteByte(PreimageVersion)
	writeLenPrefixed(&buf, []byte(env.InstanceID))
	writeInt64(&buf, env.SeqNo)
	writeLenPrefixed(&buf, []byte(env.Type.String()))
	writeInt64(&buf, env.Timestamp.Unix())
	buf.Write(env.PrevHash[:])
	buf.Write(env.RawPayload)
	return buf.Bytes(), nil
}

// ComputeHash hashes the candidate's preimage.
func ComputeHash(env *event.Envelope) (event.Hash, error) {
	pre, err := Preimage(env)
	if err != nil {
		return event.Hash{}, err
	}
	return sha256.Sum256(pre), nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(v))
	buf.Write(n[:])
}
