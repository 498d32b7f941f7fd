package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"TradeTrail/internal/corroborate"
	fpmath "TradeTrail/internal/math"
	"TradeTrail/internal/query"
)

// Exit codes:
//
//	0 = command succeeded, chain/report clean
//	1 = chain verification failed or corroboration found discrepancies
//	2 = runtime error (bad flags, unreachable API, unexpected response)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "corroborate":
		return runCorroborate(args[2:], stdout, stderr)
	case "report":
		return runReport(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: trailctl <verify|corroborate|report> [flags]")
	fmt.Fprintln(w, "  verify      - replay a stored chain and check every hash and the state digest")
	fmt.Fprintln(w, "  corroborate - compare ledger trade actions against broker evidence")
	fmt.Fprintln(w, "  report      - export the attested track record of an instance")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  -addr      API base URL (default http://localhost:8080)")
	fmt.Fprintln(w, "  -instance  instance ID (required)")
	fmt.Fprintln(w, "  -json      print the raw API response instead of tables")
}

// ============================================================================
// verify
// ============================================================================

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr           string
		instanceID     string
		fromCheckpoint bool
		jsonOutput     bool
	)
	cmd.StringVar(&addr, "addr", "http://localhost:8080", "API base URL")
	cmd.StringVar(&instanceID, "instance", "", "instance ID (required)")
	cmd.BoolVar(&fromCheckpoint, "from-checkpoint", false, "start from the latest signed checkpoint")
	cmd.BoolVar(&jsonOutput, "json", false, "print the raw API response")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if instanceID == "" {
		fmt.Fprintln(stderr, "Error: -instance is required")
		return 2
	}

	path := fmt.Sprintf("/v1/instances/%s/verify?from_checkpoint=%t", instanceID, fromCheckpoint)
	var report query.VerifyReport
	if err := getJSON(addr, path, &report); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		return printJSON(stdout, stderr, report)
	}

	if report.Valid {
		fmt.Fprintf(stdout, "chain VALID: %s\n", instanceID)
	} else {
		fmt.Fprintf(stdout, "chain INVALID: %s\n", instanceID)
	}
	fmt.Fprintf(stdout, "  mode:            %s\n", report.Mode)
	fmt.Fprintf(stdout, "  range:           %d..%d (%d events)\n",
		report.StartSeqNo, report.EndSeqNo, report.EventsVerified)
	fmt.Fprintf(stdout, "  state match:     %t\n", report.StateMatch)
	if report.CheckpointOK != nil {
		fmt.Fprintf(stdout, "  checkpoint sig:  %t\n", *report.CheckpointOK)
	}
	fmt.Fprintf(stdout, "  elapsed:         %dms\n", report.ElapsedMs)
	if report.Failure != nil {
		fmt.Fprintf(stdout, "  failure at seq %d: %s (%s)\n",
			report.Failure.SeqNo, report.Failure.Reason, report.Failure.Detail)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

// ============================================================================
// corroborate
// ============================================================================

func runCorroborate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("corroborate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr       string
		instanceID string
		timeTol    int64
		priceTol   string
		jsonOutput bool
	)
	cmd.StringVar(&addr, "addr", "http://localhost:8080", "API base URL")
	cmd.StringVar(&instanceID, "instance", "", "instance ID (required)")
	cmd.Int64Var(&timeTol, "time-tolerance", -1, "pairing tolerance in seconds (-1 = server policy)")
	cmd.StringVar(&priceTol, "price-tolerance", "", `pairing tolerance as a decimal price delta, e.g. "0.0001" (default: server policy)`)
	cmd.BoolVar(&jsonOutput, "json", false, "print the raw API response")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if instanceID == "" {
		fmt.Fprintln(stderr, "Error: -instance is required")
		return 2
	}

	override := map[string]int64{}
	if timeTol >= 0 {
		override["time_tolerance_seconds"] = timeTol
	}
	if priceTol != "" {
		pts, err := fpmath.ParseFixed(priceTol, fpmath.PriceConfig)
		if err != nil || pts < 0 {
			fmt.Fprintf(stderr, "Error: invalid -price-tolerance %q\n", priceTol)
			return 2
		}
		override["price_tolerance_points"] = pts
	}
	var body any
	if len(override) > 0 {
		body = override
	}

	path := fmt.Sprintf("/v1/instances/%s/corroboration", instanceID)
	var report corroborate.Report
	if err := postJSON(addr, path, body, &report); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		return printJSON(stdout, stderr, report)
	}

	s := report.Summary
	fmt.Fprintf(stdout, "corroboration of %s: %d actions, %d evidence entries\n",
		report.InstanceID, s.TotalActions, s.TotalEvidence)
	fmt.Fprintf(stdout, "  matched %d, mismatched %d, unmatched %d, orphaned %d\n",
		s.Matched, s.Mismatched, s.Unmatched, s.Orphaned)
	fmt.Fprintf(stdout, "  tolerance: %ds / %d points\n",
		report.Policy.TimeToleranceSeconds, report.Policy.PriceTolerancePoints)

	findings := 0
	table := tablewriter.NewWriter(stdout)
	table.Header("Seq", "Kind", "Ticket", "Class", "Price Delta", "Time Delta")
	for _, a := range report.Actions {
		if a.Classification == corroborate.ClassificationMatched {
			continue
		}
		findings++
		table.Append(
			fmt.Sprintf("%d", a.Action.SeqNo),
			a.Action.Kind.String(),
			a.Action.Ticket,
			a.Classification.String(),
			fpmath.FormatFixed(a.PriceDelta, fpmath.PriceConfig),
			fmt.Sprintf("%ds", a.TimeDelta),
		)
	}
	for _, e := range report.Evidence {
		if e.Classification != corroborate.ClassificationOrphaned {
			continue
		}
		findings++
		table.Append(
			fmt.Sprintf("%d", e.SeqNo),
			"BROKER_EVIDENCE",
			e.Evidence.BrokerTicket,
			e.Classification.String(),
			"", "",
		)
	}
	if findings > 0 {
		table.Render()
		return 1
	}

	fmt.Fprintln(stdout, "  no discrepancies")
	return 0
}

// ============================================================================
// report
// ============================================================================

func runReport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr       string
		instanceID string
		jsonOutput bool
	)
	cmd.StringVar(&addr, "addr", "http://localhost:8080", "API base URL")
	cmd.StringVar(&instanceID, "instance", "", "instance ID (required)")
	cmd.BoolVar(&jsonOutput, "json", false, "print the raw API response")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if instanceID == "" {
		fmt.Fprintln(stderr, "Error: -instance is required")
		return 2
	}

	path := fmt.Sprintf("/v1/instances/%s/track-record", instanceID)
	var record query.TrackRecord
	if err := getJSON(addr, path, &record); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		return printJSON(stdout, stderr, record)
	}

	fmt.Fprintf(stdout, "track record of %s (as of seq %d)\n", record.InstanceID, record.AsOfSeqNo)
	fmt.Fprintf(stdout, "  trades %d, wins %d, losses %d\n",
		record.TotalTrades, record.Wins, record.Losses)
	fmt.Fprintf(stdout, "  total profit %s, max drawdown %s\n",
		fpmath.FormatFixed(record.TotalProfit, fpmath.MoneyConfig),
		fpmath.FormatFixed(record.MaxDrawdown, fpmath.MoneyConfig))

	table := tablewriter.NewWriter(stdout)
	table.Header("Ticket", "Symbol", "Dir", "Volume", "Open", "Close", "Profit", "Status")
	for _, tr := range record.Trades {
		closePrice, profit := "", ""
		if tr.ClosePrice != nil {
			closePrice = fpmath.FormatFixed(*tr.ClosePrice, fpmath.PriceConfig)
		}
		if tr.Profit != nil {
			profit = fpmath.FormatFixed(*tr.Profit, fpmath.MoneyConfig)
		}
		table.Append(
			tr.Ticket,
			tr.Symbol,
			tr.Direction,
			fpmath.FormatFixed(tr.Volume, fpmath.VolumeConfig),
			fpmath.FormatFixed(tr.OpenPrice, fpmath.PriceConfig),
			closePrice,
			profit,
			tr.Status,
		)
	}
	table.Render()

	fmt.Fprintf(stdout, "attested head: seq %d, hash %s\n", record.LastSeqNo, record.LastEventHash)
	if record.LastCommitment != nil {
		fmt.Fprintf(stdout, "last commitment: seq %d, event hash %s\n",
			record.LastCommitment.SeqNo, record.LastCommitment.EventHash)
	}
	return 0
}

// ============================================================================
// HTTP plumbing
// ============================================================================

var httpClient = &http.Client{Timeout: 60 * time.Second}

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func getJSON(addr, path string, out any) error {
	resp, err := httpClient.Get(addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(addr, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := httpClient.Post(addr+path, "application/json", reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Detail != "" {
				return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Error, apiErr.Detail)
			}
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.Unmarshal(data, out)
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}
