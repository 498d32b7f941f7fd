package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/chain"
	"TradeTrail/internal/event"
	"TradeTrail/internal/ingest"
	"TradeTrail/internal/state"
	"TradeTrail/internal/store"
)

// --- Test helpers ---

var testNow = time.Unix(1719834000, 0).UTC()

func testClock() time.Time { return testNow }

func newTestOrchestrator(t *testing.T, mem *store.Memory, opts ...func(*ingest.Config)) *ingest.Orchestrator {
	t.Helper()
	keys, err := anchor.NewKeyring([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	cfg := ingest.Config{
		Store:       mem,
		Keys:        keys,
		Checkpoints: anchor.CheckpointPolicy{Interval: anchor.DefaultCheckpointInterval},
		Commitments: anchor.CommitmentPolicy{Interval: anchor.DefaultCommitmentInterval},
		Timestamps:  ingest.DefaultTimestampPolicy(),
		Clock:       testClock,
		Logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return ingest.New(cfg)
}

// buildEnvelope computes real hashes so the chain verifier passes.
func buildEnvelope(t *testing.T, instanceID string, seqNo int64, typ event.Type, payload string, prev event.Hash) *event.Envelope {
	t.Helper()
	canonical, err := chain.CanonicalizeRaw([]byte(payload))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	p, err := event.ParsePayload(typ, canonical)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	env := &event.Envelope{
		InstanceID: instanceID,
		SeqNo:      seqNo,
		Type:       typ,
		Timestamp:  testNow.Add(time.Duration(seqNo) * time.Second),
		RawPayload: canonical,
		Payload:    p,
		PrevHash:   prev,
		ReceivedAt: testNow,
	}
	hash, err := chain.ComputeHash(env)
	if err != nil {
		t.Fatalf("compute hash: %v", err)
	}
	env.EventHash = hash
	return env
}

func mustIngest(t *testing.T, o *ingest.Orchestrator, env *event.Envelope) *ingest.Result {
	t.Helper()
	res, err := o.Ingest(context.Background(), env)
	if err != nil {
		t.Fatalf("ingest seq %d: %v", env.SeqNo, err)
	}
	return res
}

func wantReject(t *testing.T, err error, reason ingest.RejectReason) *ingest.RejectError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s rejection, got success", reason)
	}
	var rej *ingest.RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("error type = %T, want *RejectError", err)
	}
	if rej.Reason != reason {
		t.Fatalf("reason = %s, want %s (detail: %s)", rej.Reason, reason, rej.Detail)
	}
	return rej
}

// replayAll refolds accepted events from the zero aggregate.
func replayAll(t *testing.T, instanceID string, envs []*event.Envelope) *state.Aggregate {
	t.Helper()
	agg := state.New(instanceID)
	for _, env := range envs {
		next, err := state.Reduce(agg, env)
		if err != nil {
			t.Fatalf("replay seq %d: %v", env.SeqNo, err)
		}
		agg = next
	}
	return agg
}

// chainOf builds a valid chain of n session-start/cashflow events.
func chainOf(t *testing.T, instanceID string, n int) []*event.Envelope {
	t.Helper()
	envs := make([]*event.Envelope, 0, n)
	prev := chain.GenesisHash()
	for i := 1; i <= n; i++ {
		var env *event.Envelope
		if i == 1 {
			env = buildEnvelope(t, instanceID, 1, event.TypeSessionStart,
				`{"account_id":"12345","broker":"TestBroker","currency":"USD"}`, prev)
		} else {
			env = buildEnvelope(t, instanceID, int64(i), event.TypeCashflow,
				fmt.Sprintf(`{"amount":%d,"note":"deposit"}`, 100+i), prev)
		}
		envs = append(envs, env)
		prev = env.EventHash
	}
	return envs
}

// ============================================================================
// Test: Acceptance Scenario
// ============================================================================

// The canonical three-event exchange: open accepted, close accepted
// with realized profit, exact retry is a no-op, and a forged follow-up
// is rejected without moving the head.
func TestAcceptRetryForgeScenario(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem)

	e1 := buildEnvelope(t, "acct-1", 1, event.TypeTradeOpen,
		`{"ticket":"T1","symbol":"EURUSD","direction":"buy","volume":100,"open_price":123450}`,
		chain.GenesisHash())
	res1 := mustIngest(t, o, e1)
	if res1.Head.LastSeqNo != 1 {
		t.Fatalf("after event 1: head = %d, want 1", res1.Head.LastSeqNo)
	}
	if res1.Head.LastEventHash != e1.EventHash {
		t.Fatalf("after event 1: head hash does not match accepted event")
	}

	e2 := buildEnvelope(t, "acct-1", 2, event.TypeTradeClose,
		`{"ticket":"T1","close_price":123460,"profit":10}`, e1.EventHash)
	res2 := mustIngest(t, o, e2)
	if res2.Head.LastSeqNo != 2 {
		t.Fatalf("after event 2: head = %d, want 2", res2.Head.LastSeqNo)
	}

	head, _ := mem.Head("acct-1")
	if head.State.TotalProfit != 10 {
		t.Errorf("TotalProfit = %d, want 10", head.State.TotalProfit)
	}
	if len(head.State.OpenPositions) != 0 {
		t.Errorf("open set size = %d, want 0", len(head.State.OpenPositions))
	}
	if head.State.Wins != 1 || head.State.TotalTrades != 1 {
		t.Errorf("counters = (trades %d, wins %d), want (1, 1)", head.State.TotalTrades, head.State.Wins)
	}

	// Exact resubmission: success, no mutation, no extra rows.
	res2b := mustIngest(t, o, e2)
	if !res2b.Idempotent {
		t.Error("resubmission not flagged idempotent")
	}
	if res2b.Head != res2.Head {
		t.Errorf("retry head = %+v, want %+v", res2b.Head, res2.Head)
	}
	if n := len(mem.Events("acct-1")); n != 2 {
		t.Errorf("event rows = %d, want 2", n)
	}

	// Forged successor: stale prevHash must be caught by verification.
	forged := buildEnvelope(t, "acct-1", 3, event.TypeCashflow,
		`{"amount":500,"note":"deposit"}`, e1.EventHash)
	_, err := o.Ingest(context.Background(), forged)
	rej := wantReject(t, err, ingest.ReasonChainIntegrityFailure)
	if rej.Head == nil {
		t.Fatal("integrity rejection carries no resync head")
	}
	if rej.Head.LastSeqNo != 2 || rej.Head.LastEventHash != e2.EventHash {
		t.Errorf("resync head = (%d, %s), want (2, %s)",
			rej.Head.LastSeqNo, rej.Head.LastEventHash, e2.EventHash)
	}
}

// ============================================================================
// Test: Idempotent Retry Creates No Artifacts
// ============================================================================

func TestIdempotentRetrySkipsAnchors(t *testing.T) {
	mem := store.NewMemory()
	// Checkpoint on every 2nd event so the retried event sits on a
	// cadence boundary.
	o := newTestOrchestrator(t, mem, func(cfg *ingest.Config) {
		cfg.Checkpoints = anchor.CheckpointPolicy{Interval: 2}
		cfg.Commitments = anchor.CommitmentPolicy{Interval: 2}
	})

	envs := chainOf(t, "acct-1", 2)
	for _, env := range envs {
		mustIngest(t, o, env)
	}
	if n := len(mem.Checkpoints("acct-1")); n != 1 {
		t.Fatalf("checkpoints after 2 events = %d, want 1", n)
	}

	mustIngest(t, o, envs[1])

	if n := len(mem.Checkpoints("acct-1")); n != 1 {
		t.Errorf("checkpoints after retry = %d, want still 1", n)
	}
	if n := len(mem.Commitments("acct-1")); n != 1 {
		t.Errorf("commitments after retry = %d, want still 1", n)
	}
	if n := len(mem.Events("acct-1")); n != 2 {
		t.Errorf("event rows after retry = %d, want still 2", n)
	}
}

// ============================================================================
// Test: Sequence Rejection
// ============================================================================

func TestStaleSequenceNeverRegressesHead(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem)

	envs := chainOf(t, "acct-1", 3)
	for _, env := range envs {
		mustIngest(t, o, env)
	}
	wantHead := ingest.Head{LastSeqNo: 3, LastEventHash: envs[2].EventHash}

	// Same position, different content.
	tampered := buildEnvelope(t, "acct-1", 2, event.TypeCashflow,
		`{"amount":999999,"note":"rewrite attempt"}`, envs[0].EventHash)
	_, err := o.Ingest(context.Background(), tampered)
	rej := wantReject(t, err, ingest.ReasonDuplicateOrStale)
	if rej.Head == nil || *rej.Head != wantHead {
		t.Errorf("resync head = %+v, want %+v", rej.Head, wantHead)
	}

	// Below-head submissions keep reporting the same head.
	for seq := int64(1); seq <= 3; seq++ {
		stale := buildEnvelope(t, "acct-1", seq, event.TypeCashflow,
			`{"amount":1,"note":"stale"}`, chain.GenesisHash())
		_, err := o.Ingest(context.Background(), stale)
		rej := wantReject(t, err, ingest.ReasonDuplicateOrStale)
		if rej.Head == nil || rej.Head.LastSeqNo != 3 {
			t.Errorf("seq %d: reported head = %+v, want seq 3", seq, rej.Head)
		}
	}

	head, _ := mem.Head("acct-1")
	if head.State.LastSeqNo != 3 {
		t.Errorf("stored head = %d, want unchanged 3", head.State.LastSeqNo)
	}
}

// ============================================================================
// Test: Concurrent Race
// ============================================================================

func TestConcurrentSameSeqExactlyOneWins(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem)

	first := chainOf(t, "acct-1", 1)[0]
	mustIngest(t, o, first)

	// Two distinct candidates for seq 2.
	a := buildEnvelope(t, "acct-1", 2, event.TypeCashflow,
		`{"amount":100,"note":"a"}`, first.EventHash)
	b := buildEnvelope(t, "acct-1", 2, event.TypeCashflow,
		`{"amount":200,"note":"b"}`, first.EventHash)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, env := range []*event.Envelope{a, b} {
		wg.Add(1)
		go func(i int, env *event.Envelope) {
			defer wg.Done()
			_, err := o.Ingest(context.Background(), env)
			results[i] = err
		}(i, env)
	}
	wg.Wait()

	accepted, conflicted := 0, 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		var rej *ingest.RejectError
		if errors.As(err, &rej) && rej.Reason == ingest.ReasonDuplicateOrStale {
			conflicted++
		}
	}
	if accepted != 1 || conflicted != 1 {
		t.Fatalf("accepted=%d conflicted=%d, want exactly 1 and 1 (results: %v)",
			accepted, conflicted, results)
	}

	head, _ := mem.Head("acct-1")
	if head.State.LastSeqNo != 2 {
		t.Errorf("head = %d, want 2", head.State.LastSeqNo)
	}
	if n := len(mem.Events("acct-1")); n != 2 {
		t.Errorf("event rows = %d, want 2", n)
	}
}

// ============================================================================
// Test: Checkpoint and Commitment Cadence
// ============================================================================

func TestCadenceExactness(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem, func(cfg *ingest.Config) {
		cfg.Checkpoints = anchor.CheckpointPolicy{Interval: 5}
		cfg.Commitments = anchor.CommitmentPolicy{Interval: 10}
	})

	envs := chainOf(t, "acct-1", 23)
	for _, env := range envs {
		mustIngest(t, o, env)
	}

	cps := mem.Checkpoints("acct-1")
	if len(cps) != 4 { // 5, 10, 15, 20
		t.Fatalf("checkpoints over 23 events = %d, want 4", len(cps))
	}
	for i, want := range []int64{5, 10, 15, 20} {
		if cps[i].SeqNo != want {
			t.Errorf("checkpoint %d at seq %d, want %d", i, cps[i].SeqNo, want)
		}
	}

	cms := mem.Commitments("acct-1")
	if len(cms) != 2 { // 10, 20
		t.Fatalf("commitments over 23 events = %d, want 2", len(cms))
	}
	for i, want := range []int64{10, 20} {
		if cms[i].SeqNo != want {
			t.Errorf("commitment %d at seq %d, want %d", i, cms[i].SeqNo, want)
		}
		if cms[i].EventHash != envs[want-1].EventHash {
			t.Errorf("commitment %d binds %s, want head at seq %d", i, cms[i].EventHash, want)
		}
	}
}

func TestSessionEndForcesCheckpoint(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem) // default interval 50, far away

	envs := chainOf(t, "acct-1", 2)
	for _, env := range envs {
		mustIngest(t, o, env)
	}
	end := buildEnvelope(t, "acct-1", 3, event.TypeSessionEnd,
		`{"reason":"shutdown"}`, envs[1].EventHash)
	mustIngest(t, o, end)

	cps := mem.Checkpoints("acct-1")
	if len(cps) != 1 || cps[0].SeqNo != 3 {
		t.Fatalf("checkpoints = %+v, want exactly one at seq 3", cps)
	}
}

func TestCommitmentReusesCheckpointSignatureInSameIngestion(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem, func(cfg *ingest.Config) {
		cfg.Checkpoints = anchor.CheckpointPolicy{Interval: 10}
		cfg.Commitments = anchor.CommitmentPolicy{Interval: 10}
	})

	for _, env := range chainOf(t, "acct-1", 10) {
		mustIngest(t, o, env)
	}

	cps := mem.Checkpoints("acct-1")
	cms := mem.Commitments("acct-1")
	if len(cps) != 1 || len(cms) != 1 {
		t.Fatalf("anchors = (%d checkpoints, %d commitments), want (1, 1)", len(cps), len(cms))
	}
	if string(cms[0].StateSignature) != string(cps[0].Signature) {
		t.Error("commitment did not reuse the checkpoint signature built in the same ingestion")
	}
}

// ============================================================================
// Test: Timestamp Policy
// ============================================================================

func TestTimestampPolicyRejections(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem)

	ok := chainOf(t, "acct-1", 1)[0]
	mustIngest(t, o, ok)

	cases := []struct {
		name string
		ts   time.Time
	}{
		{"far future", testNow.Add(time.Hour)},
		{"beyond retention", testNow.Add(-31 * 24 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := buildEnvelope(t, "acct-1", 2, event.TypeCashflow,
				`{"amount":100,"note":"x"}`, ok.EventHash)
			env.Timestamp = tc.ts
			hash, err := chain.ComputeHash(env)
			if err != nil {
				t.Fatal(err)
			}
			env.EventHash = hash

			_, err = o.Ingest(context.Background(), env)
			wantReject(t, err, ingest.ReasonTimestampOutOfRange)
		})
	}

	head, _ := mem.Head("acct-1")
	if head.State.LastSeqNo != 1 {
		t.Errorf("head moved to %d on rejected timestamps", head.State.LastSeqNo)
	}
}

func TestChainRecoveryBypassesRetentionWindow(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem)

	first := chainOf(t, "acct-1", 1)[0]
	mustIngest(t, o, first)

	// A plain event this old is rejected; wrapping it in a recovery
	// with a contemporary outer timestamp is the supported path.
	historical := testNow.Add(-60 * 24 * time.Hour).Unix()
	payload := fmt.Sprintf(
		`{"recovered_type":"TRADE_OPEN","recovered_payload":{"ticket":"T9","symbol":"EURUSD","direction":"buy","volume":100,"open_price":123450},"original_timestamp":%d,"reason":"terminal crash backfill"}`,
		historical)
	rec := buildEnvelope(t, "acct-1", 2, event.TypeChainRecovery, payload, first.EventHash)
	res := mustIngest(t, o, rec)
	if res.Head.LastSeqNo != 2 {
		t.Fatalf("recovery head = %d, want 2", res.Head.LastSeqNo)
	}

	head, _ := mem.Head("acct-1")
	pos, ok := head.State.OpenPositions["T9"]
	if !ok {
		t.Fatal("recovered open position missing")
	}
	if pos.OpenedAt != historical {
		t.Errorf("recovered OpenedAt = %d, want original %d", pos.OpenedAt, historical)
	}
}

// ============================================================================
// Test: Cross-Reference Tolerance
// ============================================================================

func TestCloseOfUnknownTicketIsAcceptedWithWarning(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem)

	first := chainOf(t, "acct-1", 1)[0]
	mustIngest(t, o, first)

	ghost := buildEnvelope(t, "acct-1", 2, event.TypeTradeClose,
		`{"ticket":"NOPE","close_price":123450,"profit":-50}`, first.EventHash)
	res := mustIngest(t, o, ghost)
	if res.Head.LastSeqNo != 2 {
		t.Fatalf("head = %d, want 2", res.Head.LastSeqNo)
	}

	head, _ := mem.Head("acct-1")
	if head.State.TotalProfit != -50 {
		t.Errorf("TotalProfit = %d, want -50 (monetary effect still applies)", head.State.TotalProfit)
	}
	if head.State.TotalTrades != 1 || head.State.Losses != 1 {
		t.Errorf("counters = (trades %d, losses %d), want (1, 1)", head.State.TotalTrades, head.State.Losses)
	}
}

// ============================================================================
// Test: Replay Equivalence Through the Orchestrator
// ============================================================================

func TestIncrementalStateMatchesReplay(t *testing.T) {
	mem := store.NewMemory()
	o := newTestOrchestrator(t, mem)

	prev := chain.GenesisHash()
	payloads := []struct {
		typ     event.Type
		payload string
	}{
		{event.TypeSessionStart, `{"account_id":"12345","broker":"TestBroker","currency":"USD"}`},
		{event.TypeCashflow, `{"amount":1000000,"note":"initial deposit"}`},
		{event.TypeTradeOpen, `{"ticket":"T1","symbol":"XAUUSD","direction":"buy","volume":100,"open_price":240550000}`},
		{event.TypePartialClose, `{"ticket":"T1","closed_volume":40,"remaining_volume":60,"close_price":240600000,"profit":2000}`},
		{event.TypeTradeClose, `{"ticket":"T1","close_price":240700000,"profit":4500}`},
		{event.TypeSnapshot, `{"balance":1006500,"equity":1006500,"peak_equity":1006500,"max_drawdown":0}`},
	}
	var accepted []*event.Envelope
	for i, p := range payloads {
		env := buildEnvelope(t, "acct-1", int64(i+1), p.typ, p.payload, prev)
		mustIngest(t, o, env)
		accepted = append(accepted, env)
		prev = env.EventHash
	}

	head, _ := mem.Head("acct-1")
	replayed := replayAll(t, "acct-1", accepted)

	if got, want := head.State.CanonicalBytes(), replayed.CanonicalBytes(); string(got) != string(want) {
		t.Errorf("incremental state diverges from replay:\n got %+v\nwant %+v", head.State, replayed)
	}
	if head.State.Digest() != replayed.Digest() {
		t.Error("digest diverges from replay")
	}
}

// ============================================================================
// Test: Outbound Feed
// ============================================================================

func TestAcceptedEventsAreFedNonBlocking(t *testing.T) {
	mem := store.NewMemory()
	published := make(chan *event.Envelope, 1)
	o := newTestOrchestrator(t, mem, func(cfg *ingest.Config) {
		cfg.Published = published
	})

	envs := chainOf(t, "acct-1", 3)

	// Capacity 1 and nobody draining: first accepted event lands in
	// the channel, the rest are dropped, ingestion never blocks.
	for _, env := range envs {
		mustIngest(t, o, env)
	}

	select {
	case got := <-published:
		if got.SeqNo != 1 {
			t.Errorf("published seq = %d, want 1", got.SeqNo)
		}
	default:
		t.Fatal("nothing published")
	}
	if len(published) != 0 {
		t.Errorf("channel backlog = %d, want 0 after one read", len(published))
	}

	// Idempotent retry is not re-published even with a free slot.
	mustIngest(t, o, envs[2])
	if len(published) != 0 {
		t.Errorf("idempotent retry published an event")
	}
}
