package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/chain"
	"TradeTrail/internal/event"
	"TradeTrail/internal/observability"
	"TradeTrail/internal/state"
	"TradeTrail/internal/store"
)

// Result is a successful ingestion outcome.
type Result struct {
	InstanceID string `json:"instance_id"`
	Head       Head   `json:"head"`

	// Idempotent marks a no-op retry: the submitted (seqNo, eventHash)
	// was already on the chain and nothing changed.
	Idempotent bool `json:"idempotent,omitempty"`
}

// Config wires an Orchestrator.
type Config struct {
	Store       store.Store
	Keys        anchor.KeyProvider
	Checkpoints anchor.CheckpointPolicy
	Commitments anchor.CommitmentPolicy
	Timestamps  TimestampPolicy

	// Clock is injected for tests; nil means time.Now.
	Clock func() time.Time

	// Published and Projected receive accepted envelopes after commit.
	// Both feeds are non-blocking: a full channel drops and the
	// consumer catches up from the event log. Either may be nil.
	Published chan<- *event.Envelope
	Projected chan<- *event.Envelope

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Orchestrator runs the ingestion protocol: one serializable
// transaction per attempt covering load, policy checks, chain
// verification, reduction, anchor decisions, and the atomic commit.
type Orchestrator struct {
	store       store.Store
	builder     *anchor.Builder
	checkpoints anchor.CheckpointPolicy
	commitments anchor.CommitmentPolicy
	timestamps  TimestampPolicy
	clock       func() time.Time
	published   chan<- *event.Envelope
	projected   chan<- *event.Envelope
	log         zerolog.Logger
	metrics     *observability.Metrics
}

func New(cfg Config) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		store:       cfg.Store,
		builder:     anchor.NewBuilder(anchor.NewSigner(cfg.Keys)),
		checkpoints: cfg.Checkpoints,
		commitments: cfg.Commitments,
		timestamps:  cfg.Timestamps,
		clock:       clock,
		published:   cfg.Published,
		projected:   cfg.Projected,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Ingest runs one attempt for a parsed envelope. On success the new
// head is returned; on failure the error is always a *RejectError
// (via AsReject) so boundaries can map it to a response.
func (o *Orchestrator) Ingest(ctx context.Context, env *event.Envelope) (*Result, error) {
	start := o.clock()

	// Fast pre-transaction rejection. The same check runs again under
	// isolation with the instance creation time.
	if err := o.timestamps.Check(env.Type, env.Timestamp, start, time.Time{}); err != nil {
		return nil, o.reject(env, err)
	}

	var res *Result
	err := o.store.WithInstanceTx(ctx, env.InstanceID, func(tx store.InstanceTx) error {
		r, err := o.ingestLocked(ctx, tx, env, start)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, o.reject(env, err)
	}

	if res.Idempotent {
		if o.metrics != nil {
			o.metrics.IngestRetryHits.Inc()
		}
	} else {
		o.feed(env)
	}

	if o.metrics != nil {
		o.metrics.IngestAccepted.WithLabelValues(env.Type.String()).Inc()
		o.metrics.IngestDuration.WithLabelValues(env.Type.String()).
			Observe(time.Since(start).Seconds())
	}
	o.log.Info().
		Str("instance_id", env.InstanceID).
		Int64("seq_no", res.Head.LastSeqNo).
		Str("event_type", env.Type.String()).
		Bool("idempotent", res.Idempotent).
		Msg("event accepted")

	return res, nil
}

// ingestLocked is the protocol body, run while holding the instance
// lock.
func (o *Orchestrator) ingestLocked(ctx context.Context, tx store.InstanceTx, env *event.Envelope, now time.Time) (*Result, error) {
	// Step 1: load-or-init the aggregate.
	head, err := tx.LoadOrInit(ctx, now)
	if err != nil {
		return nil, err
	}
	agg := head.State

	// Step 2: authoritative timestamp policy.
	if err := o.timestamps.Check(env.Type, env.Timestamp, now, head.CreatedAt); err != nil {
		return nil, err
	}

	// Step 3: idempotency. An exact resubmission of the head event is
	// answered as success without mutation; anything else at or below
	// the head is a resync-able conflict.
	if env.SeqNo <= agg.LastSeqNo {
		if env.SeqNo == agg.LastSeqNo {
			stored, err := tx.EventBySeq(ctx, env.SeqNo)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if stored != nil && stored.EventHash == env.EventHash {
				return &Result{
					InstanceID: env.InstanceID,
					Head:       headOf(agg),
					Idempotent: true,
				}, nil
			}
		}
		return nil, reject(ReasonDuplicateOrStale,
			"sequence at or below current head", headPtr(agg), nil)
	}

	// Step 4: chain verification.
	if err := chain.Verify(env, env.InstanceID, agg.LastSeqNo, agg.LastEventHash); err != nil {
		if o.metrics != nil {
			o.metrics.ChainVerifyFailures.WithLabelValues(verifyReason(err)).Inc()
		}
		return nil, reject(ReasonChainIntegrityFailure, err.Error(), headPtr(agg), err)
	}

	// Step 5: cross-reference sanity check. Unknown tickets on
	// close/modify warn but do not reject; brokers act out-of-band.
	o.checkCrossRef(env, agg)

	// Step 6: state reduction.
	next, err := state.Reduce(agg, env)
	if err != nil {
		return nil, reject(ReasonValidationFailure, err.Error(), nil, err)
	}

	// Step 7: checkpoint decision, from the new state.
	var cp *anchor.Checkpoint
	if o.checkpoints.ShouldCheckpoint(env.Type, env.SeqNo) {
		cp, err = o.builder.BuildCheckpoint(next, now)
		if err != nil {
			return nil, err
		}
		if err := tx.SaveCheckpoint(ctx, cp); err != nil {
			return nil, err
		}
		if o.metrics != nil {
			o.metrics.CheckpointsBuilt.Inc()
		}
	}

	// Step 8: commitment decision, reusing a just-built checkpoint
	// signature when available.
	if o.commitments.ShouldCommit(env.SeqNo) {
		var sig []byte
		if cp != nil {
			sig = cp.Signature
		}
		cm, err := o.builder.BuildCommitment(next, sig, now)
		if err != nil {
			return nil, err
		}
		if err := tx.SaveCommitment(ctx, cm); err != nil {
			return nil, err
		}
		if o.metrics != nil {
			o.metrics.CommitmentsBuilt.Inc()
		}
	}

	// Step 9: persist the event and the new head. The enclosing
	// transaction commits all of it atomically.
	if err := tx.AppendEvent(ctx, env); err != nil {
		return nil, err
	}
	if err := tx.SaveState(ctx, next, now); err != nil {
		return nil, err
	}

	return &Result{InstanceID: env.InstanceID, Head: headOf(next)}, nil
}

// checkCrossRef warns when a close/modify/partial references a ticket
// that is not currently open. Recovery wrappers are checked against
// the event they carry.
func (o *Orchestrator) checkCrossRef(env *event.Envelope, agg *state.Aggregate) {
	p := env.Payload
	if rec, ok := p.(*event.ChainRecovery); ok {
		inner, err := rec.Unwrap()
		if err != nil {
			return
		}
		p = inner
	}

	var ticket string
	switch v := p.(type) {
	case *event.TradeClose:
		ticket = v.Ticket
	case *event.PartialClose:
		ticket = v.Ticket
	case *event.TradeModify:
		ticket = v.Ticket
	default:
		return
	}

	if _, ok := agg.OpenPositions[ticket]; !ok {
		if o.metrics != nil {
			o.metrics.CrossRefWarnings.Inc()
		}
		o.log.Warn().
			Str("instance_id", env.InstanceID).
			Int64("seq_no", env.SeqNo).
			Str("event_type", env.Type.String()).
			Str("ticket", ticket).
			Msg("event references a ticket with no open position")
	}
}

// reject classifies err, records it, and returns the RejectError.
func (o *Orchestrator) reject(env *event.Envelope, err error) *RejectError {
	rej := AsReject(err)
	if o.metrics != nil {
		o.metrics.IngestRejected.WithLabelValues(env.Type.String(), string(rej.Reason)).Inc()
		if rej.Reason == ReasonConcurrencyConflict {
			o.metrics.StoreConflicts.Inc()
		}
		if rej.Reason == ReasonStorageFailure {
			o.metrics.StoreErrors.WithLabelValues("ingest").Inc()
		}
	}

	var evt *zerolog.Event
	if rej.Reason == ReasonStorageFailure {
		evt = o.log.Error()
	} else {
		evt = o.log.Warn()
	}
	evt.
		Str("instance_id", env.InstanceID).
		Int64("seq_no", env.SeqNo).
		Str("event_type", env.Type.String()).
		Str("reason", string(rej.Reason)).
		Str("detail", rej.Detail).
		Msg("event rejected")
	return rej
}

// feed hands the accepted envelope to the outbound and projection
// channels without blocking ingestion.
func (o *Orchestrator) feed(env *event.Envelope) {
	if o.published != nil {
		select {
		case o.published <- env:
		default:
			if o.metrics != nil {
				o.metrics.ChannelDrops.WithLabelValues("published").Inc()
			}
			o.log.Warn().Int64("seq_no", env.SeqNo).Msg("publish channel full, dropping")
		}
	}
	if o.projected != nil {
		select {
		case o.projected <- env:
		default:
			if o.metrics != nil {
				o.metrics.ChannelDrops.WithLabelValues("projected").Inc()
			}
			o.log.Warn().Int64("seq_no", env.SeqNo).Msg("projection channel full, dropping")
		}
	}
}

func headOf(agg *state.Aggregate) Head {
	return Head{LastSeqNo: agg.LastSeqNo, LastEventHash: agg.LastEventHash}
}

func headPtr(agg *state.Aggregate) *Head {
	h := headOf(agg)
	return &h
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, chain.ErrSequenceMismatch):
		return "sequence_mismatch"
	case errors.Is(err, chain.ErrBrokenLink):
		return "broken_link"
	case errors.Is(err, chain.ErrHashMismatch):
		return "hash_mismatch"
	default:
		return "other"
	}
}
