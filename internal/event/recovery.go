package event

import (
	"encoding/json"
	"fmt"
)

// ChainRecovery backfills a historical event whose timestamp falls
// outside the normal acceptance window. It occupies its own chain
// position; the reducer applies the semantics of the wrapped payload.
// Recovery events cannot nest.
type ChainRecovery struct {
	RecoveredType     Type            `json:"recovered_type"`
	RecoveredPayload  json.RawMessage `json:"recovered_payload"`
	OriginalTimestamp int64           `json:"original_timestamp"` // Unix seconds of the lost event
	Reason            string          `json:"reason"`
}

func (c *ChainRecovery) EventType() Type {
	return TypeChainRecovery
}

func (c *ChainRecovery) Validate() error {
	if c.RecoveredType == TypeUnknown {
		return fmt.Errorf("recovered_type is required")
	}
	if c.RecoveredType == TypeChainRecovery {
		return fmt.Errorf("recovery events cannot nest")
	}
	if len(c.RecoveredPayload) == 0 {
		return fmt.Errorf("recovered_payload is required")
	}
	if c.OriginalTimestamp <= 0 {
		return fmt.Errorf("original_timestamp must be a positive unix timestamp, got %d", c.OriginalTimestamp)
	}
	if c.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	if _, err := ParsePayload(c.RecoveredType, c.RecoveredPayload); err != nil {
		return fmt.Errorf("recovered_payload: %w", err)
	}
	return nil
}

// Unwrap parses the wrapped payload into its typed form.
func (c *ChainRecovery) Unwrap() (Payload, error) {
	return ParsePayload(c.RecoveredType, c.RecoveredPayload)
}
