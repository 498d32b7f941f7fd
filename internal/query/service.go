package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/event"
	"TradeTrail/internal/state"
	"TradeTrail/internal/store"
)

const maxEventPage = 1000

// Service serves read-only views of the ledger and read-model tables.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// InstanceState returns the maintained aggregate at the instance head.
func (s *Service) InstanceState(ctx context.Context, instanceID string) (*StateResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state, state_digest, created_at, updated_at
		FROM ledger.instances
		WHERE instance_id = $1
	`, instanceID)

	var (
		stateJSON []byte
		digest    string
		created   time.Time
		updated   time.Time
	)
	if err := row.Scan(&stateJSON, &digest, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("load state: %w", err)
	}

	agg, err := unmarshalAggregate(stateJSON)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &StateResponse{
		InstanceID:  instanceID,
		State:       agg,
		StateDigest: digest,
		CreatedAt:   created.UTC(),
		UpdatedAt:   updated.UTC(),
	}, nil
}

// Events returns a page of the chain starting at from (inclusive).
func (s *Service) Events(ctx context.Context, instanceID string, from int64, limit int) ([]*event.Envelope, error) {
	if from < 1 {
		from = 1
	}
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq_no, event_type, ts, payload, prev_hash, event_hash, received_at
		FROM ledger.events
		WHERE instance_id = $1 AND seq_no >= $2
		ORDER BY seq_no
		LIMIT $3
	`, instanceID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var envs []*event.Envelope
	for rows.Next() {
		env, err := scanEventRow(rows, instanceID)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// LatestCheckpoint returns the most recent signed checkpoint.
func (s *Service) LatestCheckpoint(ctx context.Context, instanceID string) (*anchor.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq_no, state, state_digest, signature, created_at
		FROM ledger.checkpoints
		WHERE instance_id = $1
		ORDER BY seq_no DESC
		LIMIT 1
	`, instanceID)

	cp := &anchor.Checkpoint{InstanceID: instanceID}
	var (
		stateJSON []byte
		digest    string
	)
	if err := row.Scan(&cp.SeqNo, &stateJSON, &digest, &cp.Signature, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint for %s: %w", instanceID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	agg, err := unmarshalAggregate(stateJSON)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	cp.State = agg
	parsed, err := event.ParseHash(digest)
	if err != nil {
		return nil, fmt.Errorf("checkpoint digest: %w", err)
	}
	cp.StateDigest = parsed
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

// Commitments returns the newest commitments, newest first.
func (s *Service) Commitments(ctx context.Context, instanceID string, limit int) ([]*anchor.Commitment, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq_no, event_hash, state_signature, created_at
		FROM ledger.commitments
		WHERE instance_id = $1
		ORDER BY seq_no DESC
		LIMIT $2
	`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("load commitments: %w", err)
	}
	defer rows.Close()

	var cms []*anchor.Commitment
	for rows.Next() {
		cm := &anchor.Commitment{InstanceID: instanceID}
		var hash string
		if err := rows.Scan(&cm.SeqNo, &hash, &cm.StateSignature, &cm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		parsed, err := event.ParseHash(hash)
		if err != nil {
			return nil, fmt.Errorf("commitment %d hash: %w", cm.SeqNo, err)
		}
		cm.EventHash = parsed
		cm.CreatedAt = cm.CreatedAt.UTC()
		cms = append(cms, cm)
	}
	return cms, rows.Err()
}

// TrackRecord assembles the exportable trading history: aggregate
// figures from the head, per-trade rows from the read model, and the
// latest commitment as the attestation anchor.
func (s *Service) TrackRecord(ctx context.Context, instanceID string) (*TrackRecord, error) {
	head, err := s.InstanceState(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	asOf, err := s.watermark(ctx, "trade_history", instanceID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket, symbol, direction, volume, open_price, stop_loss, take_profit,
		       opened_at, status, close_price, profit, closed_at
		FROM projections.trade_history
		WHERE instance_id = $1
		ORDER BY opened_at, ticket
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load trade history: %w", err)
	}
	defer rows.Close()

	var trades []TrackRecordEntry
	for rows.Next() {
		var e TrackRecordEntry
		var closePrice, profit, closedAt sql.NullInt64
		if err := rows.Scan(
			&e.Ticket, &e.Symbol, &e.Direction, &e.Volume, &e.OpenPrice,
			&e.StopLoss, &e.TakeProfit, &e.OpenedAt, &e.Status,
			&closePrice, &profit, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if closePrice.Valid {
			e.ClosePrice = &closePrice.Int64
		}
		if profit.Valid {
			e.Profit = &profit.Int64
		}
		if closedAt.Valid {
			e.ClosedAt = &closedAt.Int64
		}
		trades = append(trades, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	record := &TrackRecord{
		InstanceID:    instanceID,
		LastSeqNo:     head.State.LastSeqNo,
		LastEventHash: head.State.LastEventHash.String(),
		TotalTrades:   head.State.TotalTrades,
		Wins:          head.State.Wins,
		Losses:        head.State.Losses,
		TotalProfit:   head.State.TotalProfit,
		MaxDrawdown:   head.State.MaxDrawdown,
		Trades:        trades,
		AsOfSeqNo:     asOf,
		GeneratedAt:   time.Now().UTC(),
	}

	cms, err := s.Commitments(ctx, instanceID, 1)
	if err != nil {
		return nil, err
	}
	if len(cms) > 0 {
		record.LastCommitment = cms[0]
	}
	return record, nil
}

// --- helpers ---

func (s *Service) watermark(ctx context.Context, projection, instanceID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seq_no FROM projections.watermarks
		WHERE projection = $1 AND instance_id = $2
	`, projection, instanceID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark %s: %w", projection, err)
	}
	return seq, nil
}

func unmarshalAggregate(data []byte) (*state.Aggregate, error) {
	agg := &state.Aggregate{}
	if err := json.Unmarshal(data, agg); err != nil {
		return nil, err
	}
	if agg.OpenPositions == nil {
		agg.OpenPositions = make(map[string]*state.OpenPosition)
	}
	return agg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEventRow rebuilds a full envelope from an event-log row, typed
// payload included, so callers can feed it straight to the verifier.
func scanEventRow(row rowScanner, instanceID string) (*event.Envelope, error) {
	var (
		seqNo      int64
		typeName   string
		ts         int64
		payload    []byte
		prevHex    string
		eventHex   string
		receivedAt time.Time
	)
	if err := row.Scan(&seqNo, &typeName, &ts, &payload, &prevHex, &eventHex, &receivedAt); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	typ, err := event.ParseType(typeName)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", seqNo, err)
	}
	prevHash, err := event.ParseHash(prevHex)
	if err != nil {
		return nil, fmt.Errorf("event %d prev_hash: %w", seqNo, err)
	}
	eventHash, err := event.ParseHash(eventHex)
	if err != nil {
		return nil, fmt.Errorf("event %d event_hash: %w", seqNo, err)
	}
	p, err := event.ParsePayload(typ, payload)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", seqNo, err)
	}

	return &event.Envelope{
		InstanceID: instanceID,
		SeqNo:      seqNo,
		Type:       typ,
		Timestamp:  time.Unix(ts, 0).UTC(),
		RawPayload: payload,
		Payload:    p,
		PrevHash:   prevHash,
		EventHash:  eventHash,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}
