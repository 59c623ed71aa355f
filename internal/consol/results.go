package consol

// PrepareResult reports the readiness of a key for the later stages.
type PrepareResult struct {
	Outcome
	BaseCurrency              string            `json:"base_currency"`
	ValidationMode            bool              `json:"validation_mode"`
	MemberCount               int               `json:"member_count"`
	FXPairsValidated          int               `json:"fx_pairs_validated"`
	EliminationPairsValidated int               `json:"elimination_pairs_validated"`
	ValidationPassed          bool              `json:"validation_passed"`
	Members                   []Member          `json:"members,omitempty"`
	FXRates                   map[string]FXRate `json:"fx_rates,omitempty"`
	MissingFXPairs            []string          `json:"missing_fx_pairs,omitempty"`
	StaleFXPairs              []string          `json:"stale_fx_pairs,omitempty"`
	InvalidMembers            []string          `json:"invalid_members,omitempty"`
	InvalidPairs              []string          `json:"invalid_elimination_pairs,omitempty"`
	Warnings                  []string          `json:"warnings,omitempty"`
}

// EliminateResult summarises an elimination pass.
type EliminateResult struct {
	Outcome
	DryRun                    bool               `json:"dry_run"`
	EliminationPairsProcessed int                `json:"elimination_pairs_processed"`
	EliminationEntriesCreated int                `json:"elimination_entries_created"`
	TotalEliminatedAmount     float64            `json:"total_eliminated_amount"`
	BalanceCheckPassed        bool               `json:"balance_check_passed"`
	UnmatchedPairs            []string           `json:"unmatched_pairs,omitempty"`
	Entries                   []EliminationEntry `json:"entries,omitempty"`
	Warnings                  []string           `json:"warnings,omitempty"`
}

// TranslateResult summarises a translation pass.
type TranslateResult struct {
	Outcome
	DryRun                     bool                    `json:"dry_run"`
	TranslationMethod          TranslationMethod       `json:"translation_method,omitempty"`
	IFRS21Compliant            bool                    `json:"ifrs_21_compliant"`
	MembersTranslated          int                     `json:"members_translated"`
	TotalTranslationAdjustment float64                 `json:"total_translation_adjustment"`
	FXRatesUsed                map[string]FXRate       `json:"fx_rates_used,omitempty"`
	Adjustments                []TranslationAdjustment `json:"adjustments,omitempty"`
	Warnings                   []string                `json:"warnings,omitempty"`
}

// AggregateResult summarises an aggregation pass.
type AggregateResult struct {
	Outcome
	DryRun              bool                 `json:"dry_run"`
	ConsolidationLevel  ConsolidationMethod  `json:"consolidation_level,omitempty"`
	MembersAggregated   int                  `json:"members_aggregated"`
	Facts               []ConsolidatedFact   `json:"facts,omitempty"`
	SegmentNotes        []SegmentNote        `json:"segment_notes,omitempty"`
	Totals              Totals               `json:"totals"`
	NCITotal            float64              `json:"nci_total"`
	NCIApplied          bool                 `json:"nci_applied"`
	EliminationsApplied bool                 `json:"eliminations_applied"`
	Contributions       []MemberContribution `json:"contributions,omitempty"`
	Warnings            []string             `json:"warnings,omitempty"`
}

// ReconcileResult summarises a reconciliation pass.
type ReconcileResult struct {
	Outcome
	DryRun               bool                  `json:"dry_run"`
	ToleranceAmount      float64               `json:"tolerance_amount"`
	ChecksPerformed      int                   `json:"checks_performed"`
	Checks               []ReconciliationCheck `json:"checks,omitempty"`
	AutoAdjustmentsMade  int                   `json:"auto_adjustments_made"`
	AutoAdjustments      []AutoAdjustment      `json:"auto_adjustments,omitempty"`
	ReconciliationPassed bool                  `json:"reconciliation_passed"`
	IFRS10Compliant      bool                  `json:"ifrs_10_compliant"`
}

// Stage names reported by the orchestrator.
const (
	StagePrepare   = "prepare"
	StageEliminate = "eliminate"
	StageTranslate = "translate"
	StageAggregate = "aggregate"
	StageReconcile = "reconcile"
)

// RunResult is the orchestrator's report for a complete pipeline run.
type RunResult struct {
	Success               bool             `json:"success"`
	FailedStage           string           `json:"failed_stage,omitempty"`
	ErrorCode             ErrorCode        `json:"error_code,omitempty"`
	ErrorMessage          string           `json:"error_message,omitempty"`
	GroupID               string           `json:"group_id"`
	Period                string           `json:"period"`
	BaseCurrency          string           `json:"base_currency"`
	RunID                 string           `json:"run_id"`
	DryRun                bool             `json:"dry_run"`
	Prepare               *PrepareResult   `json:"prepare,omitempty"`
	Eliminate             *EliminateResult `json:"eliminate,omitempty"`
	Translate             *TranslateResult `json:"translate,omitempty"`
	Aggregate             *AggregateResult `json:"aggregate,omitempty"`
	Reconcile             *ReconcileResult `json:"reconcile,omitempty"`
	TotalProcessingTimeMS int64            `json:"total_processing_time_ms"`
}
