package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
)

// ExitDomainFailure is returned when a stage rejected the run.
const ExitDomainFailure = 2

// Runner executes the complete pipeline for one key.
type Runner interface {
	RunComplete(ctx context.Context, groupID, period, baseCurrency string, dryRun bool, opts pipeline.Options) (consol.RunResult, error)
}

// RunOptions defines the flags of the run command.
type RunOptions struct {
	GroupID      string
	Period       string
	BaseCurrency string
	DryRun       bool
	Method       string
	Level        string
	Tolerance    float64
	AutoAdjust   bool
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
}

// RunCommand executes a local pipeline run and prints the report. It returns
// 0 on success, ExitDomainFailure when a stage fails and 1 on errors.
func RunCommand(ctx context.Context, runner Runner, opts RunOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	groupID := strings.TrimSpace(opts.GroupID)
	if groupID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "run: --group is required")
		return 1
	}
	if _, err := consol.ParsePeriod(opts.Period); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "run: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	runOpts := pipeline.DefaultOptions()
	runOpts.ActorID = "consolctl"
	if strings.TrimSpace(opts.Method) != "" {
		method, err := consol.ParseTranslationMethod(opts.Method)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "run: %v\n", err)
			return 1
		}
		runOpts.TranslationMethod = method
	}
	if strings.TrimSpace(opts.Level) != "" {
		level, err := consol.ParseConsolidationMethod(opts.Level)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "run: %v\n", err)
			return 1
		}
		runOpts.Level = level
	}
	if opts.Tolerance > 0 {
		runOpts.Tolerance = opts.Tolerance
	}
	runOpts.AutoAdjust = opts.AutoAdjust

	result, err := runner.RunComplete(ctx, groupID, opts.Period, strings.ToUpper(strings.TrimSpace(opts.BaseCurrency)), opts.DryRun, runOpts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "run: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "run: encode json: %v\n", err)
			return 1
		}
	} else {
		renderRunHuman(opts.Stdout, result)
	}
	if !result.Success {
		return ExitDomainFailure
	}
	return 0
}

func renderRunHuman(out io.Writer, result consol.RunResult) {
	mode := "committed"
	if result.DryRun {
		mode = "dry run"
	}
	_, _ = fmt.Fprintf(out, "Consolidation %s/%s in %s (%s)\n", result.GroupID, result.Period, result.BaseCurrency, mode)
	if !result.Success {
		_, _ = fmt.Fprintf(out, "FAILED at %s: %s %s\n", result.FailedStage, result.ErrorCode, result.ErrorMessage)
		return
	}
	if p := result.Prepare; p != nil {
		_, _ = fmt.Fprintf(out, " prepare    members=%d fx_pairs=%d\n", p.MemberCount, p.FXPairsValidated)
	}
	if e := result.Eliminate; e != nil {
		_, _ = fmt.Fprintf(out, " eliminate  entries=%d amount=%.2f balanced=%t\n", e.EliminationEntriesCreated, e.TotalEliminatedAmount, e.BalanceCheckPassed)
	}
	if t := result.Translate; t != nil {
		_, _ = fmt.Fprintf(out, " translate  members=%d cta=%.2f\n", t.MembersTranslated, t.TotalTranslationAdjustment)
	}
	if a := result.Aggregate; a != nil {
		_, _ = fmt.Fprintf(out, " aggregate  members=%d facts=%d nci=%.2f\n", a.MembersAggregated, len(a.Facts), a.NCITotal)
	}
	if r := result.Reconcile; r != nil {
		_, _ = fmt.Fprintf(out, " reconcile  checks=%d adjustments=%d passed=%t\n", r.ChecksPerformed, r.AutoAdjustmentsMade, r.ReconciliationPassed)
	}
	_, _ = fmt.Fprintf(out, "run %s finished in %dms\n", result.RunID, result.TotalProcessingTimeMS)
}
