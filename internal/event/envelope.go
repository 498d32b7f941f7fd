package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates event payloads. The wire name returned by String
// is part of the hash preimage, so renaming a variant is a breaking
// change for every existing chain.
type Type int32

const (
	TypeUnknown Type = iota
	TypeTradeOpen
	TypeTradeClose
	TypePartialClose
	TypeTradeModify
	TypeSnapshot
	TypeSessionStart
	TypeSessionEnd
	TypeCashflow
	TypeChainRecovery
	TypeBrokerEvidence
	TypeBrokerHistoryDigest
)

func (t Type) String() string {
	switch t {
	case TypeTradeOpen:
		return "TRADE_OPEN"
	case TypeTradeClose:
		return "TRADE_CLOSE"
	case TypePartialClose:
		return "PARTIAL_CLOSE"
	case TypeTradeModify:
		return "TRADE_MODIFY"
	case TypeSnapshot:
		return "SNAPSHOT"
	case TypeSessionStart:
		return "SESSION_START"
	case TypeSessionEnd:
		return "SESSION_END"
	case TypeCashflow:
		return "CASHFLOW"
	case TypeChainRecovery:
		return "CHAIN_RECOVERY"
	case TypeBrokerEvidence:
		return "BROKER_EVIDENCE"
	case TypeBrokerHistoryDigest:
		return "BROKER_HISTORY_DIGEST"
	default:
		return "UNKNOWN"
	}
}

// ParseType maps a wire name to its Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "TRADE_OPEN":
		return TypeTradeOpen, nil
	case "TRADE_CLOSE":
		return TypeTradeClose, nil
	case "PARTIAL_CLOSE":
		return TypePartialClose, nil
	case "TRADE_MODIFY":
		return TypeTradeModify, nil
	case "SNAPSHOT":
		return TypeSnapshot, nil
	case "SESSION_START":
		return TypeSessionStart, nil
	case "SESSION_END":
		return TypeSessionEnd, nil
	case "CASHFLOW":
		return TypeCashflow, nil
	case "CHAIN_RECOVERY":
		return TypeChainRecovery, nil
	case "BROKER_EVIDENCE":
		return TypeBrokerEvidence, nil
	case "BROKER_HISTORY_DIGEST":
		return TypeBrokerHistoryDigest, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown event type %q", s)
	}
}

func (t Type) MarshalText() ([]byte, error) {
	if t == TypeUnknown {
		return nil, fmt.Errorf("cannot marshal unknown event type")
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Hash is a SHA-256 digest. Rendered as lowercase hex on the wire.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-char lowercase hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(len(h)) {
		return Hash{}, fmt.Errorf("hash must be %d hex chars, got %d", hex.EncodedLen(len(h)), len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// Envelope wraps every event in an instance chain.
type Envelope struct {
	// Owning ledger instance (one chain per instance)
	InstanceID string `json:"instance_id"`

	// Position in the chain, starting at 1
	SeqNo int64 `json:"seq_no"`

	// Payload discriminator
	Type Type `json:"event_type"`

	// Client-supplied event time (NOT server wall-clock)
	Timestamp time.Time `json:"timestamp"`

	// Canonicalized payload document, exactly the bytes that were hashed
	RawPayload json.RawMessage `json:"payload"`

	// Typed view of RawPayload for the reducer; not serialized
	Payload Payload `json:"-"`

	// Hash of the predecessor event (genesis sentinel at seqNo 1)
	PrevHash Hash `json:"prev_hash"`

	// Hash over this event's full preimage
	EventHash Hash `json:"event_hash"`

	// Server receipt time, recorded outside the hash preimage
	ReceivedAt time.Time `json:"received_at"`
}

// Payload is implemented by every event body. The unexported method
// closes the set: a variant cannot be added outside this package, and
// the reducer switches over exactly the types declared here.
type Payload interface {
	// EventType returns the discriminator
	EventType() Type

	// Validate checks structural rules before the event enters the chain
	Validate() error

	isPayload()
}

func (*TradeOpen) isPayload()           {}
func (*TradeClose) isPayload()          {}
func (*PartialClose) isPayload()        {}
func (*TradeModify) isPayload()         {}
func (*Snapshot) isPayload()            {}
func (*SessionStart) isPayload()        {}
func (*SessionEnd) isPayload()          {}
func (*Cashflow) isPayload()            {}
func (*ChainRecovery) isPayload()       {}
func (*BrokerEvidence) isPayload()      {}
func (*BrokerHistoryDigest) isPayload() {}
