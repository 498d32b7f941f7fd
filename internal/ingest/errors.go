package ingest

import (
	"errors"
	"fmt"

	"TradeTrail/internal/event"
	"TradeTrail/internal/store"
)

// RejectReason is the error taxonomy exposed to submitters.
type RejectReason string

const (
	// ReasonValidationFailure: malformed envelope, rejected before any
	// chain logic runs.
	ReasonValidationFailure RejectReason = "VALIDATION_FAILURE"

	// ReasonTimestampOutOfRange: future skew beyond tolerance, older
	// than the retention window, or predating instance creation.
	ReasonTimestampOutOfRange RejectReason = "TIMESTAMP_OUT_OF_RANGE"

	// ReasonChainIntegrityFailure: sequence gap, broken hash link, or
	// recomputed-hash mismatch.
	ReasonChainIntegrityFailure RejectReason = "CHAIN_INTEGRITY_FAILURE"

	// ReasonDuplicateOrStale: seqNo at or below the head with a
	// non-matching hash. The caller must resync, not retry.
	ReasonDuplicateOrStale RejectReason = "DUPLICATE_OR_STALE"

	// ReasonConcurrencyConflict: a simultaneous competing submission
	// won the instance lock. The only blind-retry class.
	ReasonConcurrencyConflict RejectReason = "CONCURRENCY_CONFLICT"

	// ReasonStorageFailure: persistence error not attributable to the
	// caller. Nothing was written, so resubmitting after storage
	// recovers is safe.
	ReasonStorageFailure RejectReason = "STORAGE_FAILURE"
)

// Retryable reports whether a blind resubmission of the same envelope
// is the correct caller action.
func (r RejectReason) Retryable() bool {
	return r == ReasonConcurrencyConflict
}

// Head is the (lastSeqNo, lastEventHash) pair callers resynchronize
// against.
type Head struct {
	LastSeqNo     int64      `json:"last_seq_no"`
	LastEventHash event.Hash `json:"last_event_hash"`
}

// RejectError is a structured ingestion rejection. Deterministic
// rejections (chain integrity, duplicate/stale) carry the current
// known-good head so a well-behaved caller can self-heal.
type RejectError struct {
	Reason RejectReason
	Detail string
	Head   *Head
	err    error
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *RejectError) Unwrap() error { return e.err }

func reject(reason RejectReason, detail string, head *Head, cause error) *RejectError {
	return &RejectError{Reason: reason, Detail: detail, Head: head, err: cause}
}

// AsReject extracts the RejectError from an ingestion error, folding
// store sentinels and unknown failures into the taxonomy.
func AsReject(err error) *RejectError {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej
	}
	switch {
	case errors.Is(err, store.ErrConflict):
		return reject(ReasonConcurrencyConflict, "concurrent submission for this instance, retry", nil, err)
	case errors.Is(err, store.ErrDuplicate):
		return reject(ReasonDuplicateOrStale, "chain position already taken", nil, err)
	default:
		return reject(ReasonStorageFailure, "persistence error", nil, err)
	}
}
