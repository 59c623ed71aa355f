package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/consolidation/cmd/consolctl/cli"
	"github.com/odyssey-erp/consolidation/internal/app"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
	"github.com/odyssey-erp/consolidation/internal/shared"
	"github.com/odyssey-erp/consolidation/jobs"
)

const usage = `usage: consolctl <command> [flags]

commands:
  fx validate   check FX rates for a group and period
  fx backfill   find and fill FX rate gaps for a pair
  run           run the full pipeline locally
  enqueue run   queue a consolidation run on the worker
  enqueue refresh
                queue a view refresh on the worker
  jobs stats    show queue statistics
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	if len(rest) > 0 && (cmd == "fx" || cmd == "enqueue" || cmd == "jobs") {
		cmd, rest = cmd+" "+rest[0], rest[1:]
	}
	switch cmd {
	case "fx validate":
		return fxValidate(ctx, rest, stdout, stderr)
	case "fx backfill":
		return fxBackfill(ctx, rest, stdout, stderr)
	case "run":
		return runLocal(ctx, rest, stdout, stderr)
	case "enqueue run", "enqueue refresh":
		return enqueue(ctx, strings.TrimPrefix(cmd, "enqueue "), rest, stdout, stderr)
	case "jobs stats":
		return jobStats(ctx, rest, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

func loadConfig(stderr io.Writer) (*app.Config, *slog.Logger, bool) {
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return nil, nil, false
	}
	// keep stdout clean for JSON output
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return cfg, logger, true
}

func openBackend(ctx context.Context, stderr io.Writer) (*app.Config, *app.Backend, *slog.Logger, bool) {
	cfg, logger, ok := loadConfig(stderr)
	if !ok {
		return nil, nil, nil, false
	}
	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return nil, nil, nil, false
	}
	return cfg, backend, logger, true
}

func fxValidate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fx validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	group := fs.String("group", "", "consolidation group id")
	period := fs.String("period", "", "period in YYYY-MM")
	pairs := fs.String("pairs", "", "comma separated pairs, e.g. USDGBP,EURGBP")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	_, backend, _, ok := openBackend(ctx, stderr)
	if !ok {
		return 1
	}
	defer backend.Close()
	ops, err := cli.NewFXOpsCLI(backend.Store)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return ops.ValidateCommand(ctx, cli.FXValidateOptions{
		GroupID:    *group,
		Period:     *period,
		Pairs:      splitList(*pairs),
		JSONOutput: *asJSON,
		Stdout:     stdout,
		Stderr:     stderr,
	})
}

func fxBackfill(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fx backfill", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pair := fs.String("pair", "", "pair as LOCALBASE, e.g. USDGBP")
	from := fs.String("from", "", "first period in YYYY-MM")
	to := fs.String("to", "", "last period in YYYY-MM")
	mode := fs.String("mode", string(cli.FXBackfillModeDry), "dry or apply")
	source := fs.String("source", "", "CSV file with period,pair,average,closing; - reads stdin")
	asJSON := fs.Bool("json", false, "print JSON")
	yes := fs.Bool("yes", false, "apply without confirmation")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	_, backend, _, ok := openBackend(ctx, stderr)
	if !ok {
		return 1
	}
	defer backend.Close()
	ops, err := cli.NewFXOpsCLI(backend.Store)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return ops.BackfillCommand(ctx, cli.FXBackfillOptions{
		Pair:       *pair,
		From:       *from,
		To:         *to,
		Mode:       cli.FXBackfillMode(*mode),
		Source:     *source,
		JSONOutput: *asJSON,
		Yes:        *yes,
		Stdout:     stdout,
		Stderr:     stderr,
	})
}

func runLocal(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := cli.RunOptions{Stdout: stdout, Stderr: stderr}
	fs.StringVar(&opts.GroupID, "group", "", "consolidation group id")
	fs.StringVar(&opts.Period, "period", "", "period in YYYY-MM")
	fs.StringVar(&opts.BaseCurrency, "base", "", "presentation currency; defaults to the group's reporting currency")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "compute without persisting")
	fs.StringVar(&opts.Method, "method", "", "CURRENT_RATE or TEMPORAL")
	fs.StringVar(&opts.Level, "level", "", "FULL, PROPORTIONATE or EQUITY")
	fs.Float64Var(&opts.Tolerance, "tolerance", 0, "reconciliation tolerance")
	fs.BoolVar(&opts.AutoAdjust, "auto-adjust", false, "post small reconciliation adjustments")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, backend, logger, ok := openBackend(ctx, stderr)
	if !ok {
		return 1
	}
	defer backend.Close()
	if strings.TrimSpace(opts.BaseCurrency) == "" && opts.GroupID != "" {
		if group, err := backend.Store.Group(ctx, opts.GroupID); err == nil {
			opts.BaseCurrency = group.ReportingCurrency
		}
	}
	var audit shared.AuditRecorder = &shared.MemoryAuditLog{}
	if backend.Pool != nil {
		audit = shared.NewAuditLogger(backend.Pool)
	}
	svc := pipeline.NewService(backend.Store, shared.NewKeyedMutex(), audit, nil, logger, cfg.Pipeline())
	return cli.RunCommand(ctx, svc, opts)
}

func redisOpt(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func enqueue(ctx context.Context, job string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("enqueue "+job, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var payload jobs.ConsolRunPayload
	fs.StringVar(&payload.GroupID, "group", "all", "group id or all")
	fs.StringVar(&payload.Period, "period", "active", "period in YYYY-MM or active")
	if job == "run" {
		fs.StringVar(&payload.BaseCurrency, "base", "", "presentation currency")
		fs.BoolVar(&payload.DryRun, "dry-run", false, "compute without persisting")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, _, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ops := cli.NewJobsCLI(redisOpt(cfg))
	defer func() { _ = ops.Close() }()
	info, err := ops.Trigger(ctx, job, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "enqueue %s: %v\n", job, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}

func jobStats(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("jobs stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scheduled := fs.Int("scheduled", 0, "also list up to N scheduled tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, _, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ops := cli.NewJobsCLI(redisOpt(cfg))
	defer func() { _ = ops.Close() }()
	stats, err := ops.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return 1
	}
	if *scheduled > 0 {
		tasks, err := ops.ListScheduled(ctx, *scheduled)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s %s next=%s\n", task.ID, task.Type, task.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
	}
	return 0
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
