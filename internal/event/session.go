package event

import (
	"fmt"
)

// SessionStart marks the beginning of a trading session. Bookkeeping
// only; carries the account identity for audit context.
type SessionStart struct {
	AccountID string `json:"account_id"`
	Broker    string `json:"broker"`
	Currency  string `json:"currency"`
}

func (s *SessionStart) EventType() Type {
	return TypeSessionStart
}

func (s *SessionStart) Validate() error {
	if s.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	return nil
}

// SessionEnd marks the end of a trading session. Consumed by the
// checkpoint cadence policy.
type SessionEnd struct {
	Reason string `json:"reason"`
}

func (s *SessionEnd) EventType() Type {
	return TypeSessionEnd
}

func (s *SessionEnd) Validate() error {
	return nil
}
