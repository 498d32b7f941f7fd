package event

import (
	"encoding/hex"
	"fmt"
)

// BrokerEvidence records an execution as reported by the broker's own
// statement. No effect on aggregate state; consumed by corroboration.
type BrokerEvidence struct {
	BrokerTicket string    `json:"broker_ticket"`
	LinkedTicket string    `json:"linked_ticket"` // Internal ticket, empty when unlinked
	Symbol       string    `json:"symbol"`
	Action       Direction `json:"action"`
	Price        int64     `json:"price"`  // Price scale
	Volume       int64     `json:"volume"` // Volume scale
	ExecutedAt   int64     `json:"executed_at"`
}

func (b *BrokerEvidence) EventType() Type {
	return TypeBrokerEvidence
}

func (b *BrokerEvidence) Validate() error {
	if b.BrokerTicket == "" {
		return fmt.Errorf("broker_ticket is required")
	}
	if b.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !b.Action.Valid() {
		return fmt.Errorf("action must be %q or %q, got %q", DirectionBuy, DirectionSell, b.Action)
	}
	if b.Price <= 0 {
		return fmt.Errorf("price must be positive, got %d", b.Price)
	}
	if b.Volume <= 0 {
		return fmt.Errorf("volume must be positive, got %d", b.Volume)
	}
	if b.ExecutedAt <= 0 {
		return fmt.Errorf("executed_at must be a positive unix timestamp, got %d", b.ExecutedAt)
	}
	return nil
}

// BrokerHistoryDigest anchors a digest of an entire broker history
// export into the chain, binding the ledger to a statement the broker
// produced out of band.
type BrokerHistoryDigest struct {
	Digest     string `json:"digest"` // Hex SHA-256 of the exported statement
	TradeCount int64  `json:"trade_count"`
	From       int64  `json:"from"` // Unix seconds, inclusive
	To         int64  `json:"to"`   // Unix seconds, inclusive
	Source     string `json:"source"`
}

func (b *BrokerHistoryDigest) EventType() Type {
	return TypeBrokerHistoryDigest
}

func (b *BrokerHistoryDigest) Validate() error {
	if len(b.Digest) != 64 {
		return fmt.Errorf("digest must be 64 hex chars, got %d", len(b.Digest))
	}
	if _, err := hex.DecodeString(b.Digest); err != nil {
		return fmt.Errorf("digest is not valid hex: %w", err)
	}
	if b.TradeCount < 0 {
		return fmt.Errorf("trade_count cannot be negative, got %d", b.TradeCount)
	}
	if b.From <= 0 || b.To <= 0 {
		return fmt.Errorf("from and to must be positive unix timestamps")
	}
	if b.From > b.To {
		return fmt.Errorf("from %d is after to %d", b.From, b.To)
	}
	return nil
}
