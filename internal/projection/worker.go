package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"TradeTrail/internal/event"
	"TradeTrail/internal/observability"
)

const (
	tradeHistoryProjection   = "trade_history"
	brokerEvidenceProjection = "broker_evidence"
)

var projectionNames = []string{tradeHistoryProjection, brokerEvidenceProjection}

// execer is satisfied by both *sql.DB and *sql.Tx so the appliers can
// serve the live worker and the rebuild path.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Worker folds accepted events into the read-model tables. Input
// arrives on a non-blocking channel; a dropped or failed event is
// tolerable because the tables can be rebuilt from the event log.
type Worker struct {
	db      *sql.DB
	input   <-chan *event.Envelope
	metrics *observability.Metrics
}

func NewWorker(db *sql.DB, input <-chan *event.Envelope, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:      db,
		input:   input,
		metrics: metrics,
	}
}

// Run consumes the input channel until it closes or the context ends.
// Apply failures are logged and skipped; the watermark only advances
// on success, so a lagging projection is visible, not silent.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.processEnvelope(ctx, env); err != nil {
				log.Printf("WARN: projection update failed instance=%s seq=%d: %v",
					env.InstanceID, env.SeqNo, err)
			}
		}
	}
}

// processEnvelope applies one event to every projection and advances
// the watermarks, atomically.
func (w *Worker) processEnvelope(ctx context.Context, env *event.Envelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.applyAll(ctx, tx, env); err != nil {
		return err
	}

	for _, name := range projectionNames {
		if err := upsertWatermark(ctx, tx, name, env.InstanceID, env.SeqNo); err != nil {
			return fmt.Errorf("watermark %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func (w *Worker) applyAll(ctx context.Context, ex execer, env *event.Envelope) error {
	if err := applyTradeHistory(ctx, ex, env); err != nil {
		w.countError(tradeHistoryProjection)
		return fmt.Errorf("trade history: %w", err)
	}
	w.countApplied(tradeHistoryProjection)

	if err := applyBrokerEvidence(ctx, ex, env); err != nil {
		w.countError(brokerEvidenceProjection)
		return fmt.Errorf("broker evidence: %w", err)
	}
	w.countApplied(brokerEvidenceProjection)
	return nil
}

func (w *Worker) countApplied(name string) {
	if w.metrics != nil {
		w.metrics.ProjectionApplied.WithLabelValues(name).Inc()
	}
}

func (w *Worker) countError(name string) {
	if w.metrics != nil {
		w.metrics.ProjectionErrors.WithLabelValues(name).Inc()
	}
}

func upsertWatermark(ctx context.Context, ex execer, projection, instanceID string, seqNo int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermarks (projection, instance_id, last_seq_no, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (projection, instance_id)
		DO UPDATE SET last_seq_no = $3, updated_at = NOW()
	`, projection, instanceID, seqNo)
	return err
}

// effectivePayload resolves the payload a projection should fold and
// the event time it should stamp. Recovery wrappers yield the inner
// payload with its original occurrence time.
func effectivePayload(env *event.Envelope) (event.Payload, int64, error) {
	if rec, ok := env.Payload.(*event.ChainRecovery); ok {
		inner, err := rec.Unwrap()
		if err != nil {
			return nil, 0, err
		}
		return inner, rec.OriginalTimestamp, nil
	}
	return env.Payload, env.Timestamp.Unix(), nil
}

// Rebuild wipes the projection tables and refolds them from the event
// log, then rewrites the watermarks at each instance's head. Runs
// outside the live worker; callers stop the worker first.
func Rebuild(ctx context.Context, db *sql.DB) error {
	start := time.Now()

	wipe := []string{
		`TRUNCATE projections.trade_history`,
		`TRUNCATE projections.broker_evidence`,
		`DELETE FROM projections.watermarks`,
	}
	for _, stmt := range wipe {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT instance_id, seq_no, event_type, ts, payload
		FROM ledger.events
		ORDER BY instance_id, seq_no
	`)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]int64)
	var replayed int64
	for rows.Next() {
		var (
			instanceID string
			seqNo      int64
			typeName   string
			ts         int64
			payload    []byte
		)
		if err := rows.Scan(&instanceID, &seqNo, &typeName, &ts, &payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}

		env, err := rehydrate(instanceID, seqNo, typeName, ts, payload)
		if err != nil {
			return fmt.Errorf("event %s/%d: %w", instanceID, seqNo, err)
		}
		if err := applyTradeHistory(ctx, db, env); err != nil {
			return fmt.Errorf("event %s/%d trade history: %w", instanceID, seqNo, err)
		}
		if err := applyBrokerEvidence(ctx, db, env); err != nil {
			return fmt.Errorf("event %s/%d broker evidence: %w", instanceID, seqNo, err)
		}
		heads[instanceID] = seqNo
		replayed++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}

	for instanceID, seqNo := range heads {
		for _, name := range projectionNames {
			if err := upsertWatermark(ctx, db, name, instanceID, seqNo); err != nil {
				return fmt.Errorf("watermark %s/%s: %w", name, instanceID, err)
			}
		}
	}

	log.Printf("INFO: projection rebuild complete events=%d instances=%d elapsed=%s",
		replayed, len(heads), time.Since(start).Round(time.Millisecond))
	return nil
}

// rehydrate builds the minimal envelope the appliers need from a raw
// event-log row.
func rehydrate(instanceID string, seqNo int64, typeName string, ts int64, payload []byte) (*event.Envelope, error) {
	typ, err := event.ParseType(typeName)
	if err != nil {
		return nil, err
	}
	p, err := event.ParsePayload(typ, payload)
	if err != nil {
		return nil, err
	}
	return &event.Envelope{
		InstanceID: instanceID,
		SeqNo:      seqNo,
		Type:       typ,
		Timestamp:  time.Unix(ts, 0).UTC(),
		Payload:    p,
	}, nil
}
