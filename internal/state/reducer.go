package state

import (
	"fmt"

	"TradeTrail/internal/event"
)

// Reduce folds one accepted event into the aggregate and returns the
// successor state. The input is never mutated, and the same event
// applied to the same state always yields the same successor; full
// replay and incremental maintenance are interchangeable.
//
// A referenced ticket missing from the open set is tolerated (the
// cross-reference check upstream logs it): monetary effects still
// apply, only the open-set mutation is skipped.
func Reduce(a *Aggregate, env *event.Envelope) (*Aggregate, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("reduce %s at seq %d: no typed payload", env.Type, env.SeqNo)
	}
	if env.Payload.EventType() != env.Type {
		return nil, fmt.Errorf("reduce at seq %d: envelope type %s, payload type %s", env.SeqNo, env.Type, env.Payload.EventType())
	}

	next := a.Clone()
	next.LastSeqNo = env.SeqNo
	next.LastEventHash = env.EventHash

	if err := apply(next, env.Payload, env.Timestamp.Unix()); err != nil {
		return nil, fmt.Errorf("reduce %s at seq %d: %w", env.Type, env.SeqNo, err)
	}
	return next, nil
}

// apply mutates a freshly cloned aggregate with one payload's effect.
// ts is the effective event time, which for recovered events is the
// original occurrence time rather than the wrapper's.
func apply(a *Aggregate, p event.Payload, ts int64) error {
	switch v := p.(type) {
	case *event.TradeOpen:
		a.OpenPositions[v.Ticket] = &OpenPosition{
			Ticket:     v.Ticket,
			Symbol:     v.Symbol,
			Direction:  v.Direction,
			Volume:     v.Volume,
			OpenPrice:  v.OpenPrice,
			StopLoss:   v.StopLoss,
			TakeProfit: v.TakeProfit,
			OpenedAt:   ts,
		}

	case *event.TradeClose:
		delete(a.OpenPositions, v.Ticket)
		a.TotalTrades++
		switch {
		case v.Profit > 0:
			a.Wins++
		case v.Profit < 0:
			a.Losses++
		}
		a.realize(v.Profit)

	case *event.PartialClose:
		if pos, ok := a.OpenPositions[v.Ticket]; ok {
			pos.Volume = v.RemainingVolume
		}
		a.realize(v.Profit)

	case *event.TradeModify:
		if pos, ok := a.OpenPositions[v.Ticket]; ok {
			pos.StopLoss = v.StopLoss
			pos.TakeProfit = v.TakeProfit
		}

	case *event.Snapshot:
		a.Balance = v.Balance
		a.Equity = v.Equity
		a.PeakEquity = v.PeakEquity
		a.MaxDrawdown = v.MaxDrawdown

	case *event.SessionStart, *event.SessionEnd:
		// Cadence markers only

	case *event.Cashflow:
		// Shift the peak baseline with the flow so deposits and
		// withdrawals neither erase nor fabricate drawdown distance.
		a.Balance += v.Amount
		a.Equity += v.Amount
		a.PeakEquity += v.Amount

	case *event.ChainRecovery:
		inner, err := v.Unwrap()
		if err != nil {
			return err
		}
		return apply(a, inner, v.OriginalTimestamp)

	case *event.BrokerEvidence, *event.BrokerHistoryDigest:
		// Corroboration inputs, no aggregate effect

	default:
		return fmt.Errorf("unhandled payload type %T", p)
	}
	return nil
}

// realize books a signed realized profit into the money fields and
// refreshes the peak/drawdown pair.
func (a *Aggregate) realize(profit int64) {
	a.TotalProfit += profit
	a.Balance += profit
	a.Equity += profit
	if a.Equity > a.PeakEquity {
		a.PeakEquity = a.Equity
	}
	if dd := a.PeakEquity - a.Equity; dd > a.MaxDrawdown {
		a.MaxDrawdown = dd
	}
}
