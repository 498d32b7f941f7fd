package event

import (
	"fmt"
)

// Direction of a position or broker execution.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// TradeOpen records a new position entering the open set.
type TradeOpen struct {
	Ticket     string    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     int64     `json:"volume"`     // Fixed-point: volume scale (decimal_precision=2, scale=100)
	OpenPrice  int64     `json:"open_price"` // Fixed-point: price scale (decimal_precision=5, scale=100_000)
	StopLoss   int64     `json:"stop_loss"`  // Price scale, 0 = not set
	TakeProfit int64     `json:"take_profit"`
}

func (t *TradeOpen) EventType() Type {
	return TypeTradeOpen
}

func (t *TradeOpen) Validate() error {
	if t.Ticket == "" {
		return fmt.Errorf("ticket is required")
	}
	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !t.Direction.Valid() {
		return fmt.Errorf("direction must be %q or %q, got %q", DirectionBuy, DirectionSell, t.Direction)
	}
	if t.Volume <= 0 {
		return fmt.Errorf("volume must be positive, got %d", t.Volume)
	}
	if t.OpenPrice <= 0 {
		return fmt.Errorf("open_price must be positive, got %d", t.OpenPrice)
	}
	if t.StopLoss < 0 || t.TakeProfit < 0 {
		return fmt.Errorf("stop_loss and take_profit cannot be negative")
	}
	return nil
}

// TradeClose removes a position from the open set and realizes its profit.
type TradeClose struct {
	Ticket     string `json:"ticket"`
	ClosePrice int64  `json:"close_price"` // Price scale
	Profit     int64  `json:"profit"`      // Fixed-point: money scale (decimal_precision=2, scale=100), signed
}

func (t *TradeClose) EventType() Type {
	return TypeTradeClose
}

func (t *TradeClose) Validate() error {
	if t.Ticket == "" {
		return fmt.Errorf("ticket is required")
	}
	if t.ClosePrice <= 0 {
		return fmt.Errorf("close_price must be positive, got %d", t.ClosePrice)
	}
	return nil
}

// PartialClose realizes profit on part of a position, leaving the
// ticket open with a reduced volume.
type PartialClose struct {
	Ticket          string `json:"ticket"`
	ClosedVolume    int64  `json:"closed_volume"`    // Volume scale
	RemainingVolume int64  `json:"remaining_volume"` // Volume scale, must stay positive
	ClosePrice      int64  `json:"close_price"`      // Price scale
	Profit          int64  `json:"profit"`           // Money scale, signed
}

func (p *PartialClose) EventType() Type {
	return TypePartialClose
}

func (p *PartialClose) Validate() error {
	if p.Ticket == "" {
		return fmt.Errorf("ticket is required")
	}
	if p.ClosedVolume <= 0 {
		return fmt.Errorf("closed_volume must be positive, got %d", p.ClosedVolume)
	}
	if p.RemainingVolume <= 0 {
		return fmt.Errorf("remaining_volume must be positive, got %d; use TRADE_CLOSE to flatten", p.RemainingVolume)
	}
	if p.ClosePrice <= 0 {
		return fmt.Errorf("close_price must be positive, got %d", p.ClosePrice)
	}
	return nil
}

// TradeModify updates protective levels on an open position.
type TradeModify struct {
	Ticket     string `json:"ticket"`
	StopLoss   int64  `json:"stop_loss"` // Price scale, 0 = cleared
	TakeProfit int64  `json:"take_profit"`
}

func (t *TradeModify) EventType() Type {
	return TypeTradeModify
}

func (t *TradeModify) Validate() error {
	if t.Ticket == "" {
		return fmt.Errorf("ticket is required")
	}
	if t.StopLoss < 0 || t.TakeProfit < 0 {
		return fmt.Errorf("stop_loss and take_profit cannot be negative")
	}
	return nil
}
