package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
)

// ExitGaps is returned by fx commands when rates are missing.
const ExitGaps = 10

// FXValidateOptions defines available flags for the fx validate command.
type FXValidateOptions struct {
	GroupID    string
	Period     string
	Pairs      []string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx validate.
type FXValidateSummary struct {
	OK              bool           `json:"ok"`
	GroupID         string         `json:"group_id"`
	BaseCurrency    string         `json:"base_currency"`
	Period          string         `json:"period"`
	Gaps            []FXQuoteState `json:"gaps"`
	AvailableQuotes []FXQuoteState `json:"available_quotes"`
}

// FXQuoteState names one pair and method in a period.
type FXQuoteState struct {
	Pair   string `json:"pair"`
	Period string `json:"period"`
	Method string `json:"method"`
}

// ValidateCommand executes the fx validate workflow and prints the outcome.
// It returns 0 when every rate is present, ExitGaps on gaps and 1 on errors.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	groupID := strings.TrimSpace(opts.GroupID)
	if groupID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "fx validate: --group is required")
		return 1
	}
	period, err := consol.ParsePeriod(opts.Period)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	result, err := c.ValidateGaps(ctx, ValidateParams{GroupID: groupID, Period: period, Pairs: opts.Pairs})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(buildValidateSummary(result)); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return 1
		}
	} else {
		renderValidateHuman(opts.Stdout, result)
	}
	if len(result.Result.Gaps) > 0 {
		return ExitGaps
	}
	return 0
}

func buildValidateSummary(result ValidateResult) FXValidateSummary {
	period := consol.FormatPeriod(result.Result.Period)
	gaps := make([]FXQuoteState, 0, len(result.Result.Gaps))
	for _, gap := range result.Result.Gaps {
		for _, method := range gap.Methods {
			gaps = append(gaps, FXQuoteState{Pair: gap.Pair, Period: period, Method: string(method)})
		}
	}
	available := make([]FXQuoteState, 0, len(result.Result.Available)*2)
	for pair, quote := range result.Result.Available {
		for _, method := range presentMethods(quote) {
			available = append(available, FXQuoteState{Pair: pair, Period: period, Method: method})
		}
	}
	sortStates(gaps)
	sortStates(available)
	return FXValidateSummary{
		OK:              len(gaps) == 0,
		GroupID:         result.GroupID,
		BaseCurrency:    result.ReportingCurrency,
		Period:          period,
		Gaps:            gaps,
		AvailableQuotes: available,
	}
}

func sortStates(states []FXQuoteState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Pair != states[j].Pair {
			return states[i].Pair < states[j].Pair
		}
		return states[i].Method < states[j].Method
	})
}

func presentMethods(quote fx.Quote) []string {
	methods := make([]string, 0, 2)
	if quote.Average > 0 {
		methods = append(methods, string(fx.MethodAverage))
	}
	if quote.Closing > 0 {
		methods = append(methods, string(fx.MethodClosing))
	}
	return methods
}

func renderValidateHuman(out io.Writer, result ValidateResult) {
	_, _ = fmt.Fprintf(out, "FX validation for group %s (%s), period %s\n", result.GroupID, result.ReportingCurrency, consol.FormatPeriod(result.Result.Period))
	if len(result.Result.Gaps) == 0 {
		_, _ = fmt.Fprintln(out, "All required FX rates are present.")
	} else {
		_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(result.Result.Gaps))
		for _, gap := range result.Result.Gaps {
			missing := make([]string, len(gap.Methods))
			for i, method := range gap.Methods {
				missing[i] = string(method)
			}
			_, _ = fmt.Fprintf(out, " - %s missing %s\n", gap.Pair, strings.Join(missing, ", "))
		}
	}
	if len(result.ConsideredPairs) > 0 {
		_, _ = fmt.Fprintln(out, "Checked pairs:")
		for _, pair := range result.ConsideredPairs {
			quote, ok := result.Result.Available[pair]
			if !ok {
				_, _ = fmt.Fprintf(out, " - %s (missing)\n", pair)
				continue
			}
			_, _ = fmt.Fprintf(out, " - %s (%s)\n", pair, strings.Join(presentMethods(quote), ", "))
		}
	} else {
		_, _ = fmt.Fprintln(out, "No foreign-currency members; nothing to translate.")
	}
}
