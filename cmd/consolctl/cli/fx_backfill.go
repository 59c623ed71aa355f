package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/consol/store"
)

// FXBackfillMode enumerates supported execution strategies.
type FXBackfillMode string

const (
	// FXBackfillModeDry previews gaps without applying changes.
	FXBackfillModeDry FXBackfillMode = "dry"
	// FXBackfillModeApply persists rates after confirmation.
	FXBackfillModeApply FXBackfillMode = "apply"
)

// maxBackfillMonths bounds one backfill window.
const maxBackfillMonths = 120

// FXBackfillOptions configures the backfill command execution.
type FXBackfillOptions struct {
	Pair         string
	From         string
	To           string
	Mode         FXBackfillMode
	Source       string
	SourceReader io.Reader
	JSONOutput   bool
	// Yes skips the interactive confirmation in apply mode.
	Yes     bool
	Stdout  io.Writer
	Stderr  io.Writer
	Stdin   io.Reader
	Confirm func(io.Reader, io.Writer) (bool, error)
}

// FXBackfillSummary captures the structured reporting outcome.
type FXBackfillSummary struct {
	Pair       string                `json:"pair"`
	Mode       FXBackfillMode        `json:"mode"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	Missing    []FXBackfillGap       `json:"missing"`
	Candidates []FXBackfillCandidate `json:"candidates"`
	Applied    []FXBackfillCandidate `json:"applied,omitempty"`
}

// FXBackfillGap describes the methods missing for a period.
type FXBackfillGap struct {
	Period  string   `json:"period"`
	Missing []string `json:"missing_methods"`
}

// FXBackfillCandidate is a rate row read from the CSV source.
type FXBackfillCandidate struct {
	Period  string  `json:"period"`
	Average float64 `json:"average"`
	Closing float64 `json:"closing"`
}

// BackfillCommand finds months of pair without usable rates between From and
// To and, in apply mode, fills them from the CSV source. Dry runs exit with
// ExitGaps when gaps remain.
func (c *FXOpsCLI) BackfillCommand(ctx context.Context, opts FXBackfillOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	fail := func(format string, args ...any) int {
		_, _ = fmt.Fprintf(opts.Stderr, "fx backfill: "+format+"\n", args...)
		return 1
	}

	mode := FXBackfillMode(strings.ToLower(strings.TrimSpace(string(opts.Mode))))
	if mode == "" {
		mode = FXBackfillModeDry
	}
	if mode != FXBackfillModeDry && mode != FXBackfillModeApply {
		return fail("invalid mode %q (expected dry or apply)", opts.Mode)
	}
	pair := strings.ToUpper(strings.TrimSpace(opts.Pair))
	if err := validatePair(pair); err != nil {
		return fail("%v", err)
	}
	from, err := consol.ParsePeriod(opts.From)
	if err != nil {
		return fail("invalid --from %q (expected YYYY-MM)", opts.From)
	}
	to, err := consol.ParsePeriod(opts.To)
	if err != nil {
		return fail("invalid --to %q (expected YYYY-MM)", opts.To)
	}
	if from.After(to) {
		return fail("--from must not be later than --to")
	}
	periods := enumeratePeriods(from, to)
	if len(periods) > maxBackfillMonths {
		return fail("window of %d months exceeds the %d month limit", len(periods), maxBackfillMonths)
	}

	summary := FXBackfillSummary{Pair: pair, Mode: mode, From: consol.FormatPeriod(from), To: consol.FormatPeriod(to)}
	summary.Missing, err = c.findGaps(ctx, pair, periods)
	if err != nil {
		return fail("%v", err)
	}
	candidates, err := loadBackfillCandidates(pair, opts)
	if err != nil {
		return fail("%v", err)
	}
	summary.Candidates = sortedCandidates(candidates)

	if mode == FXBackfillModeDry || len(summary.Missing) == 0 {
		if err := writeBackfillOutput(opts, summary); err != nil {
			return fail("%v", err)
		}
		if len(summary.Missing) > 0 {
			return ExitGaps
		}
		return 0
	}

	rows, err := prepareUpserts(pair, candidates, summary.Missing)
	if err != nil {
		return fail("%v", err)
	}
	if !opts.Yes {
		confirm := opts.Confirm
		if confirm == nil {
			confirm = defaultBackfillConfirm
		}
		ok, err := confirm(opts.Stdin, opts.Stdout)
		if err != nil {
			return fail("confirmation failed: %v", err)
		}
		if !ok {
			return fail("cancelled by user")
		}
	}
	if err := c.writeQuotes(ctx, rows); err != nil {
		return fail("apply failed: %v", err)
	}
	summary.Applied = make([]FXBackfillCandidate, len(rows))
	for i, row := range rows {
		summary.Applied[i] = FXBackfillCandidate{Period: row.Period, Average: row.Average, Closing: row.Closing}
	}
	if err := writeBackfillOutput(opts, summary); err != nil {
		return fail("%v", err)
	}
	return 0
}

func validatePair(pair string) error {
	if pair == "" {
		return errors.New("--pair is required")
	}
	if len(pair) != 6 {
		return fmt.Errorf("invalid pair %q (expected LOCALBASE, e.g. USDGBP)", pair)
	}
	for _, ccy := range []string{pair[:3], pair[3:]} {
		if _, err := consol.ParseCurrency(ccy); err != nil {
			return fmt.Errorf("invalid pair %q: %w", pair, err)
		}
	}
	return nil
}

func (c *FXOpsCLI) findGaps(ctx context.Context, pair string, periods []time.Time) ([]FXBackfillGap, error) {
	reqs := []fx.Requirement{{Pair: pair, Methods: []fx.Method{fx.MethodAverage, fx.MethodClosing}}}
	gaps := make([]FXBackfillGap, 0)
	for _, period := range periods {
		res, err := fx.Validate(ctx, c.repo, period, reqs)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", consol.FormatPeriod(period), err)
		}
		for _, gap := range res.Gaps {
			missing := make([]string, len(gap.Methods))
			for i, method := range gap.Methods {
				missing[i] = string(method)
			}
			gaps = append(gaps, FXBackfillGap{Period: consol.FormatPeriod(period), Missing: missing})
		}
	}
	return gaps, nil
}

func enumeratePeriods(from, to time.Time) []time.Time {
	var periods []time.Time
	for current := from; !current.After(to); current = current.AddDate(0, 1, 0) {
		periods = append(periods, current)
	}
	return periods
}

func readSource(opts FXBackfillOptions) ([]byte, error) {
	switch {
	case opts.SourceReader != nil:
		return io.ReadAll(opts.SourceReader)
	case opts.Source == "-":
		return io.ReadAll(opts.Stdin)
	case strings.TrimSpace(opts.Source) == "":
		return nil, nil
	default:
		return os.ReadFile(opts.Source)
	}
}

// loadBackfillCandidates reads period,pair,average,closing rows for pair.
// Blank lines and lines starting with # are skipped.
func loadBackfillCandidates(pair string, opts FXBackfillOptions) (map[string]FXBackfillCandidate, error) {
	result := make(map[string]FXBackfillCandidate)
	data, err := readSource(opts)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return result, nil
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read source header: %w", err)
	}
	cols := map[string]int{}
	for i, col := range header {
		switch name := strings.ToLower(strings.TrimSpace(col)); name {
		case "period", "pair":
			cols[name] = i
		case "average", "average_rate":
			cols["average"] = i
		case "closing", "closing_rate":
			cols["closing"] = i
		}
	}
	for _, need := range []string{"period", "pair", "average", "closing"} {
		if _, ok := cols[need]; !ok {
			return nil, errors.New("missing required columns in source (need period, pair, average, closing)")
		}
	}
	field := func(record []string, name string) string {
		if idx := cols[name]; idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if strings.ToUpper(field(record, "pair")) != pair {
			continue
		}
		raw := field(record, "period")
		asOf, err := consol.ParsePeriod(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid period %q in source", raw)
		}
		period := consol.FormatPeriod(asOf)
		avg, err := strconv.ParseFloat(field(record, "average"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid average for %s: %w", period, err)
		}
		closing, err := strconv.ParseFloat(field(record, "closing"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid closing for %s: %w", period, err)
		}
		result[period] = FXBackfillCandidate{Period: period, Average: avg, Closing: closing}
	}
	return result, nil
}

func sortedCandidates(candidates map[string]FXBackfillCandidate) []FXBackfillCandidate {
	rows := make([]FXBackfillCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		rows = append(rows, candidate)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Period < rows[j].Period })
	return rows
}

// prepareUpserts builds one row per gap. Every gap needs a positive source row.
func prepareUpserts(pair string, candidates map[string]FXBackfillCandidate, gaps []FXBackfillGap) ([]store.QuoteInput, error) {
	rows := make([]store.QuoteInput, 0, len(gaps))
	for _, gap := range gaps {
		candidate, ok := candidates[gap.Period]
		if !ok {
			return nil, fmt.Errorf("missing source rates for %s", gap.Period)
		}
		if candidate.Average <= 0 || candidate.Closing <= 0 {
			return nil, fmt.Errorf("non-positive rates for %s", gap.Period)
		}
		rows = append(rows, store.QuoteInput{Pair: pair, Period: gap.Period, Average: candidate.Average, Closing: candidate.Closing})
	}
	return rows, nil
}

func writeBackfillOutput(opts FXBackfillOptions, summary FXBackfillSummary) error {
	if opts.JSONOutput {
		return json.NewEncoder(opts.Stdout).Encode(summary)
	}
	renderBackfillHuman(opts.Stdout, summary)
	return nil
}

func renderBackfillHuman(out io.Writer, summary FXBackfillSummary) {
	_, _ = fmt.Fprintf(out, "FX backfill (%s) for %s, %s to %s\n", summary.Mode, summary.Pair, summary.From, summary.To)
	if len(summary.Missing) == 0 {
		_, _ = fmt.Fprintln(out, "No gaps detected.")
	} else {
		_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Missing))
		for _, gap := range summary.Missing {
			_, _ = fmt.Fprintf(out, " - %s missing %s\n", gap.Period, strings.Join(gap.Missing, ", "))
		}
	}
	if len(summary.Candidates) > 0 {
		_, _ = fmt.Fprintln(out, "Source candidates:")
		for _, candidate := range summary.Candidates {
			_, _ = fmt.Fprintf(out, " - %s average %.6f closing %.6f\n", candidate.Period, candidate.Average, candidate.Closing)
		}
	}
	if len(summary.Applied) > 0 {
		_, _ = fmt.Fprintln(out, "Applied:")
		for _, row := range summary.Applied {
			_, _ = fmt.Fprintf(out, " - %s average %.6f closing %.6f\n", row.Period, row.Average, row.Closing)
		}
	}
}

func defaultBackfillConfirm(r io.Reader, w io.Writer) (bool, error) {
	_, _ = fmt.Fprint(w, "Apply FX backfill? Type YES to confirm: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}
