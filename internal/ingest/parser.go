package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"TradeTrail/internal/chain"
	"TradeTrail/internal/event"
)

// WireEnvelope is the JSON submission format. Field names use
// snake_case to match upstream producers; timestamp is unix seconds.
type WireEnvelope struct {
	InstanceID string          `json:"instance_id"`
	EventType  string          `json:"event_type"`
	SeqNo      int64           `json:"seq_no"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash"`
	EventHash  string          `json:"event_hash"`
}

// ParseEnvelope converts validated submission bytes into a typed
// envelope: decode, canonicalize the payload, parse and validate the
// per-type payload shape, and parse the declared hashes. Every failure
// here is a VALIDATION_FAILURE; whether the declared hashes are true
// is for the chain verifier, not the parser.
func ParseEnvelope(data []byte, receivedAt time.Time) (*event.Envelope, error) {
	var w WireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, reject(ReasonValidationFailure, fmt.Sprintf("decode envelope: %v", err), nil, err)
	}

	typ, err := event.ParseType(w.EventType)
	if err != nil {
		return nil, reject(ReasonValidationFailure, err.Error(), nil, err)
	}
	prevHash, err := event.ParseHash(w.PrevHash)
	if err != nil {
		return nil, reject(ReasonValidationFailure, fmt.Sprintf("prev_hash: %v", err), nil, err)
	}
	eventHash, err := event.ParseHash(w.EventHash)
	if err != nil {
		return nil, reject(ReasonValidationFailure, fmt.Sprintf("event_hash: %v", err), nil, err)
	}

	canonical, err := chain.CanonicalizeRaw(w.Payload)
	if err != nil {
		return nil, reject(ReasonValidationFailure, fmt.Sprintf("canonicalize payload: %v", err), nil, err)
	}
	payload, err := event.ParsePayload(typ, canonical)
	if err != nil {
		return nil, reject(ReasonValidationFailure, err.Error(), nil, err)
	}

	return &event.Envelope{
		InstanceID: w.InstanceID,
		SeqNo:      w.SeqNo,
		Type:       typ,
		Timestamp:  time.Unix(w.Timestamp, 0).UTC(),
		RawPayload: canonical,
		Payload:    payload,
		PrevHash:   prevHash,
		EventHash:  eventHash,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}
