package event

import (
	"fmt"
)

// Snapshot resynchronizes account-level figures against client-side
// truth. Overwrites balance/equity/drawdown without touching trade
// counters.
type Snapshot struct {
	Balance     int64 `json:"balance"`      // Money scale
	Equity      int64 `json:"equity"`       // Money scale
	PeakEquity  int64 `json:"peak_equity"`  // Money scale
	MaxDrawdown int64 `json:"max_drawdown"` // Money scale, peak-to-trough
}

func (s *Snapshot) EventType() Type {
	return TypeSnapshot
}

func (s *Snapshot) Validate() error {
	if s.MaxDrawdown < 0 {
		return fmt.Errorf("max_drawdown cannot be negative, got %d", s.MaxDrawdown)
	}
	return nil
}

// Cashflow adjusts the balance by a signed amount. Positive for
// deposits, negative for withdrawals.
type Cashflow struct {
	Amount int64  `json:"amount"` // Money scale, signed, nonzero
	Note   string `json:"note"`
}

func (c *Cashflow) EventType() Type {
	return TypeCashflow
}

func (c *Cashflow) Validate() error {
	if c.Amount == 0 {
		return fmt.Errorf("amount must be nonzero")
	}
	return nil
}
