package corroborate

import (
	"fmt"
	"time"

	"TradeTrail/internal/event"
	fpmath "TradeTrail/internal/math"
)

// Classification of one internal trade action or one evidence entry
// after corroboration.
type Classification int32

const (
	ClassificationUnknown Classification = iota

	// Matched: a broker execution corroborates the action within tolerance
	ClassificationMatched

	// Mismatched: linked evidence exists but falls outside tolerance
	ClassificationMismatched

	// Unmatched: no broker execution corresponds to the action
	ClassificationUnmatched

	// Orphaned: broker execution with no corresponding internal action
	ClassificationOrphaned
)

func (c Classification) String() string {
	switch c {
	case ClassificationMatched:
		return "matched"
	case ClassificationMismatched:
		return "mismatched"
	case ClassificationUnmatched:
		return "unmatched"
	case ClassificationOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(b []byte) error {
	switch string(b) {
	case "matched":
		*c = ClassificationMatched
	case "mismatched":
		*c = ClassificationMismatched
	case "unmatched":
		*c = ClassificationUnmatched
	case "orphaned":
		*c = ClassificationOrphaned
	default:
		return fmt.Errorf("unknown classification %q", string(b))
	}
	return nil
}

// TradeAction is one broker-visible execution implied by the ledger:
// an open, or the close of a previously opened ticket. The close of a
// buy position is a sell at the broker, and vice versa.
type TradeAction struct {
	Kind      event.Type      `json:"kind"` // TRADE_OPEN or TRADE_CLOSE
	SeqNo     int64           `json:"seq_no"`
	Ticket    string          `json:"ticket"`
	Symbol    string          `json:"symbol,omitempty"`
	Direction event.Direction `json:"direction,omitempty"`
	Price     int64           `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// ActionResult classifies one internal action.
type ActionResult struct {
	Action         TradeAction    `json:"action"`
	Classification Classification `json:"classification"`
	EvidenceSeqNo  int64          `json:"evidence_seq_no,omitempty"`
	PriceDelta     int64          `json:"price_delta,omitempty"` // abs points, when paired
	TimeDelta      int64          `json:"time_delta,omitempty"`  // abs seconds, when paired
}

// EvidenceResult classifies one broker evidence entry.
type EvidenceResult struct {
	SeqNo          int64                 `json:"seq_no"`
	Evidence       *event.BrokerEvidence `json:"evidence"`
	Classification Classification        `json:"classification"`
	ActionSeqNo    int64                 `json:"action_seq_no,omitempty"`
}

// Summary aggregates the classification counts.
type Summary struct {
	TotalActions  int `json:"total_actions"`
	TotalEvidence int `json:"total_evidence"`
	Matched       int `json:"matched"`
	Mismatched    int `json:"mismatched"`
	Unmatched     int `json:"unmatched"`
	Orphaned      int `json:"orphaned"`
}

// Report is the full corroboration output for one instance. ReportID
// is assigned by the boundary that persists the run, not by Analyze.
type Report struct {
	ReportID    string           `json:"report_id,omitempty"`
	InstanceID  string           `json:"instance_id"`
	Policy      Policy           `json:"policy"`
	Summary     Summary          `json:"summary"`
	Actions     []ActionResult   `json:"actions"`
	Evidence    []EvidenceResult `json:"evidence"`
	GeneratedAt time.Time        `json:"generated_at"`
}

type evidenceEntry struct {
	seqNo    int64
	evidence *event.BrokerEvidence
	consumed bool
	action   int // index into actions when consumed
}

// Analyze corroborates the ledger's trade actions against broker
// evidence carried in the same chain. Read-only; events must arrive in
// seqNo order with typed payloads attached.
func Analyze(instanceID string, envs []*event.Envelope, policy Policy, now time.Time) (*Report, error) {
	actions, evidence, err := extract(envs)
	if err != nil {
		return nil, err
	}

	results := make([]ActionResult, len(actions))
	for i, a := range actions {
		results[i] = ActionResult{Action: a, Classification: ClassificationUnmatched}
	}

	// Pass 1: explicit links. An evidence row naming the internal
	// ticket claims the action outright; tolerance then decides
	// matched versus mismatched. Direction narrows the pairing when
	// the ledger knows it (a close without its open does not).
	for i := range results {
		a := &results[i]
		cand := pickEvidence(evidence, func(e *evidenceEntry) bool {
			return !e.consumed &&
				e.evidence.LinkedTicket == a.Action.Ticket &&
				(a.Action.Direction == "" || e.evidence.Action == a.Action.Direction)
		}, a.Action.Timestamp)
		if cand == nil {
			continue
		}

		cand.consumed = true
		cand.action = i
		a.EvidenceSeqNo = cand.seqNo
		a.PriceDelta = fpmath.Abs64(a.Action.Price - cand.evidence.Price)
		a.TimeDelta = fpmath.Abs64(a.Action.Timestamp - cand.evidence.ExecutedAt)

		if a.PriceDelta <= policy.PriceTolerancePoints && a.TimeDelta <= policy.TimeToleranceSeconds {
			a.Classification = ClassificationMatched
		} else {
			a.Classification = ClassificationMismatched
		}
	}

	// Pass 2: unlinked evidence may still corroborate an action when
	// symbol, direction, and both tolerances line up.
	for i := range results {
		a := &results[i]
		if a.Classification != ClassificationUnmatched || a.Action.Symbol == "" {
			continue
		}
		cand := pickEvidence(evidence, func(e *evidenceEntry) bool {
			return !e.consumed &&
				e.evidence.LinkedTicket == "" &&
				e.evidence.Symbol == a.Action.Symbol &&
				e.evidence.Action == a.Action.Direction &&
				fpmath.WithinTolerance(a.Action.Price, e.evidence.Price, policy.PriceTolerancePoints) &&
				fpmath.WithinTolerance(a.Action.Timestamp, e.evidence.ExecutedAt, policy.TimeToleranceSeconds)
		}, a.Action.Timestamp)
		if cand == nil {
			continue
		}

		cand.consumed = true
		cand.action = i
		a.Classification = ClassificationMatched
		a.EvidenceSeqNo = cand.seqNo
		a.PriceDelta = fpmath.Abs64(a.Action.Price - cand.evidence.Price)
		a.TimeDelta = fpmath.Abs64(a.Action.Timestamp - cand.evidence.ExecutedAt)
	}

	evidenceResults := make([]EvidenceResult, len(evidence))
	summary := Summary{TotalActions: len(results), TotalEvidence: len(evidence)}
	for i, e := range evidence {
		r := EvidenceResult{SeqNo: e.seqNo, Evidence: e.evidence}
		if e.consumed {
			r.Classification = results[e.action].Classification
			r.ActionSeqNo = results[e.action].Action.SeqNo
		} else {
			r.Classification = ClassificationOrphaned
			summary.Orphaned++
		}
		evidenceResults[i] = r
	}

	for _, r := range results {
		switch r.Classification {
		case ClassificationMatched:
			summary.Matched++
		case ClassificationMismatched:
			summary.Mismatched++
		case ClassificationUnmatched:
			summary.Unmatched++
		}
	}

	return &Report{
		InstanceID:  instanceID,
		Policy:      policy,
		Summary:     summary,
		Actions:     results,
		Evidence:    evidenceResults,
		GeneratedAt: now.UTC(),
	}, nil
}

// pickEvidence returns the eligible entry nearest in time to ts,
// breaking ties by chain order.
func pickEvidence(entries []*evidenceEntry, eligible func(*evidenceEntry) bool, ts int64) *evidenceEntry {
	var picked *evidenceEntry
	var pickedDelta int64
	for _, e := range entries {
		if !eligible(e) {
			continue
		}
		delta := fpmath.Abs64(ts - e.evidence.ExecutedAt)
		if picked == nil || delta < pickedDelta {
			picked = e
			pickedDelta = delta
		}
	}
	return picked
}

// extract walks the chain once, deriving broker-visible actions from
// trade events and collecting evidence entries. Recovered events
// contribute with their original timestamps.
func extract(envs []*event.Envelope) ([]TradeAction, []*evidenceEntry, error) {
	type openInfo struct {
		symbol    string
		direction event.Direction
	}
	opens := make(map[string]openInfo)

	var actions []TradeAction
	var evidence []*evidenceEntry

	for _, env := range envs {
		p := env.Payload
		ts := env.Timestamp.Unix()

		if rec, ok := p.(*event.ChainRecovery); ok {
			inner, err := rec.Unwrap()
			if err != nil {
				return nil, nil, err
			}
			p = inner
			ts = rec.OriginalTimestamp
		}

		switch v := p.(type) {
		case *event.TradeOpen:
			opens[v.Ticket] = openInfo{symbol: v.Symbol, direction: v.Direction}
			actions = append(actions, TradeAction{
				Kind:      event.TypeTradeOpen,
				SeqNo:     env.SeqNo,
				Ticket:    v.Ticket,
				Symbol:    v.Symbol,
				Direction: v.Direction,
				Price:     v.OpenPrice,
				Timestamp: ts,
			})

		case *event.TradeClose:
			a := TradeAction{
				Kind:      event.TypeTradeClose,
				SeqNo:     env.SeqNo,
				Ticket:    v.Ticket,
				Price:     v.ClosePrice,
				Timestamp: ts,
			}
			if info, ok := opens[v.Ticket]; ok {
				a.Symbol = info.symbol
				a.Direction = opposite(info.direction)
				delete(opens, v.Ticket)
			}
			actions = append(actions, a)

		case *event.BrokerEvidence:
			evidence = append(evidence, &evidenceEntry{seqNo: env.SeqNo, evidence: v})
		}
	}
	return actions, evidence, nil
}

func opposite(d event.Direction) event.Direction {
	if d == event.DirectionBuy {
		return event.DirectionSell
	}
	return event.DirectionBuy
}
