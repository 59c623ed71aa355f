package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/aggregation"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/consol/ic"
	"github.com/odyssey-erp/consolidation/internal/consol/prep"
	"github.com/odyssey-erp/consolidation/internal/consol/recon"
	"github.com/odyssey-erp/consolidation/internal/consol/translation"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

// Config carries the policy points of every stage.
type Config struct {
	MatchPolicy         ic.MatchPolicy
	MatchTolerance      float64
	NCIBasis            aggregation.NCIBasis
	SegmentThresholdPct float64
	SegmentCoveragePct  float64
	AutoAdjustLimit     float64
	FXLookbackMonths    int
	SnapshotTTL         time.Duration
}

// Request scopes one stage call.
type Request struct {
	GroupID      string
	Period       string
	BaseCurrency string
	ActorID      string
	DryRun       bool
}

func (r Request) key() consol.Key {
	return consol.Key{GroupID: strings.TrimSpace(r.GroupID), Period: strings.TrimSpace(r.Period)}
}

// base normalises the currency so cache keys match; invalid codes pass through
// for preparation to reject.
func (r Request) base() string {
	if ccy, err := consol.ParseCurrency(r.BaseCurrency); err == nil {
		return ccy
	}
	return r.BaseCurrency
}

// CommitHook runs after a stage persisted artifacts for key.
type CommitHook func(ctx context.Context, key consol.Key)

// Service exposes the five consolidation stages. Every call holds the
// (group, period) lock for its whole duration.
type Service struct {
	store      consol.Store
	locker     shared.Locker
	prep       *prep.Engine
	eliminator *ic.Engine
	translator *translation.Engine
	aggregator *aggregation.Engine
	reconciler *recon.Engine
	metrics    *Metrics
	logger     *slog.Logger
	hooks      []CommitHook
	now        func() time.Time
}

// NewService wires the stage engines over store. A nil locker falls back to an
// in-process keyed mutex.
func NewService(store consol.Store, locker shared.Locker, audit shared.AuditRecorder, metrics *Metrics, logger *slog.Logger, cfg Config) *Service {
	if locker == nil {
		locker = shared.NewKeyedMutex()
	}
	lookback := cfg.FXLookbackMonths
	if lookback == 0 {
		lookback = fx.DefaultLookbackMonths
	}
	return &Service{
		store:      store,
		locker:     locker,
		prep:       prep.NewEngine(store, fx.NewResolver(store, lookback), prep.NewSnapshotCache(cfg.SnapshotTTL), logger),
		eliminator: ic.NewEngine(store, store, audit, logger, ic.EngineConfig{Policy: cfg.MatchPolicy, MatchTolerance: cfg.MatchTolerance}),
		translator: translation.NewEngine(store, store, audit, logger),
		aggregator: aggregation.NewEngine(store, store, audit, logger, aggregation.Config{
			NCIBasis:            cfg.NCIBasis,
			SegmentThresholdPct: cfg.SegmentThresholdPct,
			SegmentCoveragePct:  cfg.SegmentCoveragePct,
		}),
		reconciler: recon.NewEngine(store, audit, logger, recon.Config{AutoAdjustLimit: cfg.AutoAdjustLimit}),
		metrics:    metrics,
		logger:     logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// OnCommit registers a hook fired after every persisting stage.
func (s *Service) OnCommit(hook CommitHook) {
	if hook != nil {
		s.hooks = append(s.hooks, hook)
	}
}

// Store returns the backing store.
func (s *Service) Store() consol.Store {
	return s.store
}

// Prepare validates the inputs of the key and caches the snapshot.
func (s *Service) Prepare(ctx context.Context, req Request, validationMode bool) (consol.PrepareResult, error) {
	unlock, err := s.lock(ctx, req)
	if err != nil {
		return consol.PrepareResult{}, err
	}
	defer unlock()
	rc := consol.NewRunContext(req.key(), req.base(), req.ActorID, req.DryRun)
	return s.prepare(ctx, rc, validationMode)
}

// Eliminate nets the intercompany pairs of the key.
func (s *Service) Eliminate(ctx context.Context, req Request) (consol.EliminateResult, error) {
	unlock, err := s.lock(ctx, req)
	if err != nil {
		return consol.EliminateResult{}, err
	}
	defer unlock()
	rc := consol.NewRunContext(req.key(), req.base(), req.ActorID, req.DryRun)
	if outcome, err := s.hydrate(ctx, rc, false, false, false); err != nil || !outcome.Success {
		return consol.EliminateResult{Outcome: outcome, DryRun: rc.DryRun}, err
	}
	return s.eliminate(ctx, rc)
}

// Translate converts foreign members into the base currency. An unknown method
// fails before any data is read.
func (s *Service) Translate(ctx context.Context, req Request, method consol.TranslationMethod) (consol.TranslateResult, error) {
	rc := consol.NewRunContext(req.key(), req.base(), req.ActorID, req.DryRun)
	if _, err := consol.ParseTranslationMethod(string(method)); err != nil {
		return s.translate(ctx, rc, method)
	}
	unlock, err := s.lock(ctx, req)
	if err != nil {
		return consol.TranslateResult{}, err
	}
	defer unlock()
	if outcome, err := s.hydrate(ctx, rc, false, false, false); err != nil || !outcome.Success {
		return consol.TranslateResult{Outcome: outcome, DryRun: rc.DryRun}, err
	}
	return s.translate(ctx, rc, method)
}

// Aggregate sums members into consolidated facts using the stored elimination
// and translation runs of the key.
func (s *Service) Aggregate(ctx context.Context, req Request, level consol.ConsolidationMethod) (consol.AggregateResult, error) {
	rc := consol.NewRunContext(req.key(), req.base(), req.ActorID, req.DryRun)
	if _, err := consol.ParseConsolidationMethod(string(level)); err != nil {
		return s.aggregate(ctx, rc, level)
	}
	unlock, err := s.lock(ctx, req)
	if err != nil {
		return consol.AggregateResult{}, err
	}
	defer unlock()
	if outcome, err := s.hydrate(ctx, rc, true, true, false); err != nil || !outcome.Success {
		return consol.AggregateResult{Outcome: outcome, DryRun: rc.DryRun}, err
	}
	return s.aggregate(ctx, rc, level)
}

// Reconcile checks the stored aggregation of the key against tolerance.
func (s *Service) Reconcile(ctx context.Context, req Request, tolerance float64, autoAdjust bool) (consol.ReconcileResult, error) {
	rc := consol.NewRunContext(req.key(), req.base(), req.ActorID, req.DryRun)
	if !validTolerance(tolerance) {
		return s.reconcile(ctx, rc, tolerance, autoAdjust)
	}
	unlock, err := s.lock(ctx, req)
	if err != nil {
		return consol.ReconcileResult{}, err
	}
	defer unlock()
	if outcome, err := s.hydrate(ctx, rc, true, true, true); err != nil || !outcome.Success {
		return consol.ReconcileResult{Outcome: outcome, DryRun: rc.DryRun}, err
	}
	return s.reconcile(ctx, rc, tolerance, autoAdjust)
}

func (s *Service) lock(ctx context.Context, req Request) (func(), error) {
	key := req.key()
	unlock, err := s.locker.Lock(ctx, shared.ConsolLockKey(key.GroupID, key.Period))
	if err != nil {
		return nil, fmt.Errorf("pipeline: lock %s: %w", key, err)
	}
	return unlock, nil
}

// hydrate loads the prepared snapshot, preparing without validation when it is
// not cached, plus the requested stored artifacts.
func (s *Service) hydrate(ctx context.Context, rc *consol.RunContext, withElimination, withTranslation, withAggregation bool) (consol.Outcome, error) {
	if snap, ok := s.prep.Snapshot(rc.Key, rc.BaseCurrency); ok {
		rc.Snapshot = snap
	} else {
		s.log().Info("snapshot not cached, preparing",
			slog.String("group_id", rc.Key.GroupID),
			slog.String("period", rc.Key.Period))
		res, err := s.prepare(ctx, rc, false)
		if err != nil || !res.Success {
			return res.Outcome, err
		}
	}
	if withElimination {
		run, ok, err := s.store.Elimination(ctx, rc.Key)
		if err != nil {
			return consol.Outcome{}, fmt.Errorf("pipeline: load elimination: %w", err)
		}
		if ok {
			rc.Elimination = &run
		}
	}
	if withTranslation {
		run, ok, err := s.store.Translation(ctx, rc.Key)
		if err != nil {
			return consol.Outcome{}, fmt.Errorf("pipeline: load translation: %w", err)
		}
		if ok {
			rc.Translation = &run
		}
	}
	if withAggregation {
		run, ok, err := s.store.Aggregation(ctx, rc.Key)
		if err != nil {
			return consol.Outcome{}, fmt.Errorf("pipeline: load aggregation: %w", err)
		}
		if ok {
			rc.Aggregation = &run
		}
	}
	return consol.Outcome{Success: true}, nil
}

func (s *Service) prepare(ctx context.Context, rc *consol.RunContext, validationMode bool) (consol.PrepareResult, error) {
	start := s.now()
	res, err := s.prep.Prepare(ctx, rc, validationMode)
	s.observe(consol.StagePrepare, rc.Key, res.Outcome, err, start)
	return res, err
}

func (s *Service) eliminate(ctx context.Context, rc *consol.RunContext) (consol.EliminateResult, error) {
	start := s.now()
	res, err := s.eliminator.Eliminate(ctx, rc)
	s.observe(consol.StageEliminate, rc.Key, res.Outcome, err, start)
	s.committed(ctx, rc, res.Outcome, err)
	return res, err
}

func (s *Service) translate(ctx context.Context, rc *consol.RunContext, method consol.TranslationMethod) (consol.TranslateResult, error) {
	start := s.now()
	res, err := s.translator.Translate(ctx, rc, method)
	s.observe(consol.StageTranslate, rc.Key, res.Outcome, err, start)
	s.committed(ctx, rc, res.Outcome, err)
	return res, err
}

func (s *Service) aggregate(ctx context.Context, rc *consol.RunContext, level consol.ConsolidationMethod) (consol.AggregateResult, error) {
	start := s.now()
	res, err := s.aggregator.Aggregate(ctx, rc, level)
	s.observe(consol.StageAggregate, rc.Key, res.Outcome, err, start)
	s.committed(ctx, rc, res.Outcome, err)
	return res, err
}

func (s *Service) reconcile(ctx context.Context, rc *consol.RunContext, tolerance float64, autoAdjust bool) (consol.ReconcileResult, error) {
	start := s.now()
	res, err := s.reconciler.Reconcile(ctx, rc, tolerance, autoAdjust)
	s.observe(consol.StageReconcile, rc.Key, res.Outcome, err, start)
	s.committed(ctx, rc, res.Outcome, err)
	return res, err
}

func (s *Service) observe(stage string, key consol.Key, outcome consol.Outcome, err error, start time.Time) {
	label := "success"
	switch {
	case err != nil:
		label = "error"
	case !outcome.Success:
		label = string(outcome.ErrorCode)
	}
	s.metrics.observe(stage, label, s.now().Sub(start))
	if err != nil {
		s.log().Error("consolidation stage failed",
			slog.String("stage", stage),
			slog.String("group_id", key.GroupID),
			slog.String("period", key.Period),
			slog.Any("error", err))
	}
}

func (s *Service) committed(ctx context.Context, rc *consol.RunContext, outcome consol.Outcome, err error) {
	if err != nil || !outcome.Success || rc.DryRun {
		return
	}
	for _, hook := range s.hooks {
		hook(ctx, rc.Key)
	}
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "consol_pipeline"))
	}
	return slog.Default().With(slog.String("component", "consol_pipeline"))
}
