package state

import (
	"crypto/sha256"
	"sort"

	"TradeTrail/internal/chain"
	"TradeTrail/internal/event"
)

// canonicalVersion leads every canonical serialization. Bump only with
// a migration plan for existing digests and signatures.
const canonicalVersion byte = 0x01

// OpenPosition is one ticket currently held open.
type OpenPosition struct {
	Ticket     string          `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Direction  event.Direction `json:"direction"`
	Volume     int64           `json:"volume"`     // Fixed-point: volume scale
	OpenPrice  int64           `json:"open_price"` // Fixed-point: price scale
	StopLoss   int64           `json:"stop_loss"`
	TakeProfit int64           `json:"take_profit"`
	OpenedAt   int64           `json:"opened_at"` // Unix seconds of the opening event
}

// CanonicalBytes returns the deterministic serialization for hashing.
func (p *OpenPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = appendString(buf, p.Ticket)
	buf = appendString(buf, p.Symbol)
	buf = appendString(buf, string(p.Direction))
	buf = appendInt64LE(buf, p.Volume)
	buf = appendInt64LE(buf, p.OpenPrice)
	buf = appendInt64LE(buf, p.StopLoss)
	buf = appendInt64LE(buf, p.TakeProfit)
	buf = appendInt64LE(buf, p.OpenedAt)
	return buf
}

func (p *OpenPosition) clone() *OpenPosition {
	c := *p
	return &c
}

// Aggregate is the fold of all accepted events for one instance.
// Mutated exactly once per accepted event, never deleted.
type Aggregate struct {
	InstanceID    string     `json:"instance_id"`
	LastSeqNo     int64      `json:"last_seq_no"`
	LastEventHash event.Hash `json:"last_event_hash"`

	OpenPositions map[string]*OpenPosition `json:"open_positions"`

	TotalTrades int64 `json:"total_trades"`
	Wins        int64 `json:"wins"`
	Losses      int64 `json:"losses"`
	TotalProfit int64 `json:"total_profit"` // Money scale, cumulative realized

	Balance     int64 `json:"balance"`      // Money scale
	Equity      int64 `json:"equity"`       // Money scale
	PeakEquity  int64 `json:"peak_equity"`  // Money scale
	MaxDrawdown int64 `json:"max_drawdown"` // Money scale, peak-to-trough
}

// New returns the zero aggregate for an instance. The head hash starts
// at the genesis sentinel so chain verification is uniform from the
// first event on.
func New(instanceID string) *Aggregate {
	return &Aggregate{
		InstanceID:    instanceID,
		LastEventHash: chain.GenesisHash(),
		OpenPositions: make(map[string]*OpenPosition),
	}
}

// Clone returns a deep copy. Reduction never mutates its input.
func (a *Aggregate) Clone() *Aggregate {
	c := *a
	c.OpenPositions = make(map[string]*OpenPosition, len(a.OpenPositions))
	for ticket, pos := range a.OpenPositions {
		c.OpenPositions[ticket] = pos.clone()
	}
	return &c
}

// CanonicalBytes returns the deterministic serialization of the full
// aggregate. Positions are emitted in ticket order so two aggregates
// with equal content always serialize identically.
func (a *Aggregate) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256+len(a.OpenPositions)*96)

	buf = append(buf, canonicalVersion)
	buf = appendString(buf, a.InstanceID)
	buf = appendInt64LE(buf, a.LastSeqNo)
	buf = append(buf, a.LastEventHash[:]...)

	buf = appendInt64LE(buf, a.TotalTrades)
	buf = appendInt64LE(buf, a.Wins)
	buf = appendInt64LE(buf, a.Losses)
	buf = appendInt64LE(buf, a.TotalProfit)
	buf = appendInt64LE(buf, a.Balance)
	buf = appendInt64LE(buf, a.Equity)
	buf = appendInt64LE(buf, a.PeakEquity)
	buf = appendInt64LE(buf, a.MaxDrawdown)

	tickets := make([]string, 0, len(a.OpenPositions))
	for ticket := range a.OpenPositions {
		tickets = append(tickets, ticket)
	}
	sort.Strings(tickets)

	buf = appendInt64LE(buf, int64(len(tickets)))
	for _, ticket := range tickets {
		buf = append(buf, a.OpenPositions[ticket].CanonicalBytes()...)
	}
	return buf
}

// Digest hashes the canonical serialization. This is the value bound
// by checkpoint signatures.
func (a *Aggregate) Digest() event.Hash {
	return sha256.Sum256(a.CanonicalBytes())
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf,
		byte(len(s)),
		byte(len(s)>>8),
		byte(len(s)>>16),
		byte(len(s)>>24),
	)
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
