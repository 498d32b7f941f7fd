package projection

import (
	"context"
	"fmt"

	"TradeTrail/internal/event"
)

// applyBrokerEvidence appends broker statement rows. One row per
// evidence event, keyed by chain position so redelivery and rebuild
// stay idempotent.
func applyBrokerEvidence(ctx context.Context, ex execer, env *event.Envelope) error {
	p, _, err := effectivePayload(env)
	if err != nil {
		return err
	}

	v, ok := p.(*event.BrokerEvidence)
	if !ok {
		return nil
	}

	var linked any
	if v.LinkedTicket != "" {
		linked = v.LinkedTicket
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO projections.broker_evidence
			(instance_id, seq_no, broker_ticket, linked_ticket, symbol, action, price, volume, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (instance_id, seq_no) DO NOTHING
	`, env.InstanceID, env.SeqNo, v.BrokerTicket, linked, v.Symbol, string(v.Action),
		v.Price, v.Volume, v.ExecutedAt)
	if err != nil {
		return fmt.Errorf("evidence %s: %w", v.BrokerTicket, err)
	}
	return nil
}
