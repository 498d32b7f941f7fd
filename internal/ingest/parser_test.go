package ingest_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"TradeTrail/internal/chain"
	"TradeTrail/internal/event"
	"TradeTrail/internal/ingest"
)

// ============================================================================
// Test: Wire Parsing
// ============================================================================

func TestParseEnvelopeRoundTrip(t *testing.T) {
	received := time.Unix(1719834100, 0).UTC()
	genesis := chain.GenesisHash().String()
	declared := strings.Repeat("ab", 32)

	// Payload keys deliberately out of canonical order.
	raw := fmt.Sprintf(`{
		"instance_id": "acct-1",
		"event_type": "CASHFLOW",
		"seq_no": 7,
		"timestamp": 1719834000,
		"payload": {"note": "monthly deposit", "amount": 250000},
		"prev_hash": %q,
		"event_hash": %q
	}`, genesis, declared)

	env, err := ingest.ParseEnvelope([]byte(raw), received)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if env.InstanceID != "acct-1" || env.SeqNo != 7 {
		t.Errorf("identity = (%s, %d), want (acct-1, 7)", env.InstanceID, env.SeqNo)
	}
	if env.Type != event.TypeCashflow {
		t.Errorf("type = %s, want CASHFLOW", env.Type)
	}
	if !env.Timestamp.Equal(time.Unix(1719834000, 0)) {
		t.Errorf("timestamp = %v, want unix 1719834000", env.Timestamp)
	}
	if env.PrevHash.String() != genesis {
		t.Errorf("prev_hash = %s, want genesis", env.PrevHash)
	}
	if env.EventHash.String() != declared {
		t.Errorf("event_hash = %s, want declared %s", env.EventHash, declared)
	}
	if !env.ReceivedAt.Equal(received) {
		t.Errorf("received_at = %v, want %v", env.ReceivedAt, received)
	}

	// Canonicalization must have re-sorted the payload keys.
	if got, want := string(env.RawPayload), `{"amount":250000,"note":"monthly deposit"}`; got != want {
		t.Errorf("canonical payload = %s, want %s", got, want)
	}
	cf, ok := env.Payload.(*event.Cashflow)
	if !ok {
		t.Fatalf("payload type = %T, want *event.Cashflow", env.Payload)
	}
	if cf.Amount != 250000 || cf.Note != "monthly deposit" {
		t.Errorf("payload = %+v", cf)
	}
}

func TestParseEnvelopeRejections(t *testing.T) {
	genesis := chain.GenesisHash().String()
	valid := func(mutate func(map[string]string)) string {
		fields := map[string]string{
			"instance_id": `"acct-1"`,
			"event_type":  `"CASHFLOW"`,
			"seq_no":      `1`,
			"timestamp":   `1719834000`,
			"payload":     `{"amount":100,"note":"x"}`,
			"prev_hash":   fmt.Sprintf("%q", genesis),
			"event_hash":  fmt.Sprintf("%q", strings.Repeat("cd", 32)),
		}
		if mutate != nil {
			mutate(fields)
		}
		parts := make([]string, 0, len(fields))
		for k, v := range fields {
			parts = append(parts, fmt.Sprintf("%q: %s", k, v))
		}
		return "{" + strings.Join(parts, ",") + "}"
	}

	cases := []struct {
		name   string
		raw    string
		detail string
	}{
		{"not json", `{"instance_id": `, "decode envelope"},
		{"unknown type", valid(func(f map[string]string) { f["event_type"] = `"TRADE_REOPEN"` }), "event type"},
		{"short prev hash", valid(func(f map[string]string) { f["prev_hash"] = `"abcd"` }), "prev_hash"},
		{"non-hex event hash", valid(func(f map[string]string) { f["event_hash"] = fmt.Sprintf("%q", strings.Repeat("zx", 32)) }), "event_hash"},
		{"zero cashflow amount", valid(func(f map[string]string) { f["payload"] = `{"amount":0,"note":"x"}` }), "amount"},
		{"payload not an object", valid(func(f map[string]string) { f["payload"] = `42` }), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingest.ParseEnvelope([]byte(tc.raw), time.Now())
			var rej *ingest.RejectError
			if !errors.As(err, &rej) {
				t.Fatalf("error = %v, want *RejectError", err)
			}
			if rej.Reason != ingest.ReasonValidationFailure {
				t.Errorf("reason = %s, want %s", rej.Reason, ingest.ReasonValidationFailure)
			}
			if tc.detail != "" && !strings.Contains(rej.Detail, tc.detail) {
				t.Errorf("detail %q does not mention %q", rej.Detail, tc.detail)
			}
		})
	}
}

func TestParseEnvelopeNestedRecoveryRejected(t *testing.T) {
	payload := `{"recovered_type":"CHAIN_RECOVERY","recovered_payload":{"amount":1,"note":"x"},"original_timestamp":1719000000,"reason":"loop"}`
	raw := fmt.Sprintf(`{
		"instance_id": "acct-1",
		"event_type": "CHAIN_RECOVERY",
		"seq_no": 2,
		"timestamp": 1719834000,
		"payload": %s,
		"prev_hash": %q,
		"event_hash": %q
	}`, payload, chain.GenesisHash().String(), strings.Repeat("ef", 32))

	_, err := ingest.ParseEnvelope([]byte(raw), time.Now())
	var rej *ingest.RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want *RejectError", err)
	}
	if rej.Reason != ingest.ReasonValidationFailure {
		t.Errorf("reason = %s, want %s", rej.Reason, ingest.ReasonValidationFailure)
	}
	if !strings.Contains(rej.Detail, "nest") {
		t.Errorf("detail %q does not mention nesting", rej.Detail)
	}
}
