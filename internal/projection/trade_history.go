package projection

import (
	"context"
	"fmt"

	"TradeTrail/internal/event"
)

// applyTradeHistory folds one event into the per-ticket trade rows.
// A referenced ticket with no row is skipped quietly, mirroring the
// reducer's cross-reference tolerance.
func applyTradeHistory(ctx context.Context, ex execer, env *event.Envelope) error {
	p, ts, err := effectivePayload(env)
	if err != nil {
		return err
	}

	switch v := p.(type) {
	case *event.TradeOpen:
		// A reused ticket overwrites: the chain is the record of both
		// lives, the projection shows the latest.
		_, err := ex.ExecContext(ctx, `
			INSERT INTO projections.trade_history
				(instance_id, ticket, symbol, direction, volume, open_price,
				 stop_loss, take_profit, opened_at, status, close_price, profit, closed_at, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', NULL, NULL, NULL, $10)
			ON CONFLICT (instance_id, ticket) DO UPDATE SET
				symbol = $3, direction = $4, volume = $5, open_price = $6,
				stop_loss = $7, take_profit = $8, opened_at = $9,
				status = 'open', close_price = NULL, profit = NULL, closed_at = NULL,
				updated_seq = $10
		`, env.InstanceID, v.Ticket, v.Symbol, string(v.Direction), v.Volume, v.OpenPrice,
			v.StopLoss, v.TakeProfit, ts, env.SeqNo)
		if err != nil {
			return fmt.Errorf("open %s: %w", v.Ticket, err)
		}

	case *event.TradeClose:
		_, err := ex.ExecContext(ctx, `
			UPDATE projections.trade_history
			SET status = 'closed', close_price = $3, profit = $4, closed_at = $5, updated_seq = $6
			WHERE instance_id = $1 AND ticket = $2
		`, env.InstanceID, v.Ticket, v.ClosePrice, v.Profit, ts, env.SeqNo)
		if err != nil {
			return fmt.Errorf("close %s: %w", v.Ticket, err)
		}

	case *event.PartialClose:
		_, err := ex.ExecContext(ctx, `
			UPDATE projections.trade_history
			SET volume = $3, updated_seq = $4
			WHERE instance_id = $1 AND ticket = $2 AND status = 'open'
		`, env.InstanceID, v.Ticket, v.RemainingVolume, env.SeqNo)
		if err != nil {
			return fmt.Errorf("partial close %s: %w", v.Ticket, err)
		}

	case *event.TradeModify:
		_, err := ex.ExecContext(ctx, `
			UPDATE projections.trade_history
			SET stop_loss = $3, take_profit = $4, updated_seq = $5
			WHERE instance_id = $1 AND ticket = $2 AND status = 'open'
		`, env.InstanceID, v.Ticket, v.StopLoss, v.TakeProfit, env.SeqNo)
		if err != nil {
			return fmt.Errorf("modify %s: %w", v.Ticket, err)
		}
	}

	return nil
}
