package query

import (
	"time"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/state"
)

// StateResponse is the current head of one instance: the maintained
// aggregate plus its stored digest.
type StateResponse struct {
	InstanceID  string           `json:"instance_id"`
	State       *state.Aggregate `json:"state"`
	StateDigest string           `json:"state_digest"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// TrackRecordEntry is one trade row from the read model. Close fields
// are nil while the trade is open.
type TrackRecordEntry struct {
	Ticket     string `json:"ticket"`
	Symbol     string `json:"symbol"`
	Direction  string `json:"direction"`
	Volume     int64  `json:"volume"`
	OpenPrice  int64  `json:"open_price"`
	StopLoss   int64  `json:"stop_loss"`
	TakeProfit int64  `json:"take_profit"`
	OpenedAt   int64  `json:"opened_at"`
	Status     string `json:"status"`
	ClosePrice *int64 `json:"close_price,omitempty"`
	Profit     *int64 `json:"profit,omitempty"`
	ClosedAt   *int64 `json:"closed_at,omitempty"`
}

// TrackRecord is the exportable trading history of one instance,
// attested by the chain head and the latest commitment when present.
type TrackRecord struct {
	InstanceID     string             `json:"instance_id"`
	LastSeqNo      int64              `json:"last_seq_no"`
	LastEventHash  string             `json:"last_event_hash"`
	TotalTrades    int64              `json:"total_trades"`
	Wins           int64              `json:"wins"`
	Losses         int64              `json:"losses"`
	TotalProfit    int64              `json:"total_profit"`
	MaxDrawdown    int64              `json:"max_drawdown"`
	Trades         []TrackRecordEntry `json:"trades"`
	LastCommitment *anchor.Commitment `json:"last_commitment,omitempty"`
	AsOfSeqNo      int64              `json:"as_of_seq_no"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

// VerifyFailure pins a verification break to its chain position.
type VerifyFailure struct {
	SeqNo  int64  `json:"seq_no"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// VerifyReport is the result of replaying a stored chain. Verification
// stops at the first break: nothing after a broken link is trustworthy
// enough to be worth reporting on.
type VerifyReport struct {
	InstanceID     string         `json:"instance_id"`
	Mode           string         `json:"mode"` // "full" or "from_checkpoint"
	StartSeqNo     int64          `json:"start_seq_no"`
	EndSeqNo       int64          `json:"end_seq_no"`
	EventsVerified int64          `json:"events_verified"`
	Valid          bool           `json:"valid"`
	Failure        *VerifyFailure `json:"failure,omitempty"`
	StateMatch     bool           `json:"state_match"`
	CheckpointOK   *bool          `json:"checkpoint_signature_valid,omitempty"`
	ElapsedMs      int64          `json:"elapsed_ms"`
}
