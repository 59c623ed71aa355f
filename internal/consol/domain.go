package consol

import "time"

// Key identifies the consolidation scope every artifact is partitioned by.
type Key struct {
	GroupID string `json:"group_id"`
	Period  string `json:"period"`
}

// String renders the key as group:period.
func (k Key) String() string {
	return k.GroupID + ":" + k.Period
}

// Group describes a consolidation group owned by group setup.
type Group struct {
	ID                string
	Name              string
	ParentEntityID    string
	ReportingCurrency string
}

// ValidationStatus flags the outcome of structure and data-quality checks.
type ValidationStatus string

const (
	StatusValid   ValidationStatus = "VALID"
	StatusInvalid ValidationStatus = "INVALID"
	StatusStale   ValidationStatus = "STALE"
	StatusMissing ValidationStatus = "MISSING"
)

// Member is a legal entity participating in a consolidation group.
type Member struct {
	EntityID         string              `json:"member_entity_id"`
	Name             string              `json:"name"`
	Currency         string              `json:"currency"`
	OwnershipPct     float64             `json:"ownership_pct"`
	Method           ConsolidationMethod `json:"consolidation_method"`
	Segment          string              `json:"segment,omitempty"`
	Active           bool                `json:"active"`
	ValidationStatus ValidationStatus    `json:"validation_status"`
	Issues           []string            `json:"issues,omitempty"`
}

// Share returns the ownership percentage as a fraction.
func (m Member) Share() float64 {
	return m.OwnershipPct / 100
}

// SegmentName falls back to the member id when no operating segment is assigned.
func (m Member) SegmentName() string {
	if m.Segment != "" {
		return m.Segment
	}
	return m.EntityID
}

// LedgerBalance is a posted trial-balance line of a member in its functional currency.
type LedgerBalance struct {
	MemberID       string
	AccountCode    string
	AccountName    string
	Category       Category
	Debit          float64
	Credit         float64
	Monetary       bool
	HistoricalRate float64
}

// Natural returns the balance signed by the normal side of its category.
func (b LedgerBalance) Natural() float64 {
	if b.Category.DebitNormal() {
		return b.Debit - b.Credit
	}
	return b.Credit - b.Debit
}

// FXRate is the resolved rate set for one currency pair in a period.
type FXRate struct {
	Pair             string           `json:"currency_pair"`
	Period           string           `json:"period"`
	SourcePeriod     string           `json:"source_period"`
	AvgRate          float64          `json:"avg_rate"`
	ClosingRate      float64          `json:"closing_rate"`
	ValidationStatus ValidationStatus `json:"validation_status"`
}

// PairKind classifies the intercompany relationship behind an elimination pair.
type PairKind string

const (
	PairRevenueCOGS       PairKind = "REVENUE_COGS"
	PairReceivablePayable PairKind = "RECEIVABLE_PAYABLE"
	PairInvestmentEquity  PairKind = "INVESTMENT_EQUITY"
	PairOther             PairKind = "OTHER"
)

// PairSide points at one member account taking part in an intercompany pair.
type PairSide struct {
	MemberID    string   `json:"member_entity_id"`
	AccountCode string   `json:"account_code"`
	Category    Category `json:"category"`
}

// EliminationPair maps the two sides of an intercompany transaction.
type EliminationPair struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Kind             PairKind         `json:"kind"`
	Seller           PairSide         `json:"seller"`
	Buyer            PairSide         `json:"buyer"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	Issues           []string         `json:"issues,omitempty"`
}

// MatchStatus reports how the two sides of a pair were netted.
type MatchStatus string

const (
	MatchExact     MatchStatus = "MATCHED"
	MatchPartial   MatchStatus = "PARTIAL"
	MatchUnmatched MatchStatus = "UNMATCHED"
)

// EntryLine is one leg of an elimination entry, expressed in the base currency.
type EntryLine struct {
	MemberID    string   `json:"member_entity_id"`
	AccountCode string   `json:"account_code"`
	Category    Category `json:"category"`
	Debit       float64  `json:"debit"`
	Credit      float64  `json:"credit"`
	Memo        string   `json:"memo,omitempty"`
}

// Amount returns the reduction the line applies to its account's natural balance.
func (l EntryLine) Amount() float64 {
	if l.Debit > 0 {
		return l.Debit
	}
	return l.Credit
}

// EliminationEntry is a balanced journal that nets out one pair for the period.
type EliminationEntry struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	PairID      string      `json:"pair_id"`
	Kind        PairKind    `json:"kind"`
	SourceLink  string      `json:"source_link"`
	Lines       []EntryLine `json:"lines"`
	DebitTotal  float64     `json:"debit_total"`
	CreditTotal float64     `json:"credit_total"`
	Amount      float64     `json:"amount"`
	Residual    float64     `json:"residual"`
	MatchStatus MatchStatus `json:"match_status"`
	PostedBy    string      `json:"posted_by"`
	PostedAt    time.Time   `json:"posted_at"`
}

// Materiality buckets translation differences by relative size.
type Materiality string

const (
	MaterialityHigh   Materiality = "HIGH"
	MaterialityMedium Materiality = "MEDIUM"
	MaterialityLow    Materiality = "LOW"
)

// TranslationAdjustment captures the FX effect on one member category.
type TranslationAdjustment struct {
	RunID            string            `json:"run_id"`
	MemberID         string            `json:"member_entity_id"`
	Category         Category          `json:"account_category"`
	Currency         string            `json:"currency"`
	Method           TranslationMethod `json:"translation_method"`
	LocalAmount      float64           `json:"local_amount"`
	TranslatedAmount float64           `json:"translated_amount"`
	RateType         string            `json:"rate_type"`
	Rate             float64           `json:"rate"`
	Difference       float64           `json:"translation_difference"`
	CTAContribution  float64           `json:"cta_contribution"`
	Materiality      Materiality       `json:"materiality"`
	Plug             bool              `json:"plug"`
}

// ConsolidatedFact is the group-level total of one account category.
type ConsolidatedFact struct {
	GroupID                 string              `json:"group_id"`
	Period                  string              `json:"period"`
	RunID                   string              `json:"run_id"`
	Category                Category            `json:"account_category"`
	Method                  ConsolidationMethod `json:"consolidation_method"`
	TotalConsolidatedAmount float64             `json:"total_consolidated_amount"`
	TotalEliminationAmount  float64             `json:"total_elimination_amount"`
	TotalTranslationAmount  float64             `json:"total_translation_amount"`
	MemberCount             int                 `json:"member_count"`
}

// SegmentNote is an IFRS 8 operating segment disclosure.
type SegmentNote struct {
	Segment               string   `json:"segment"`
	SegmentRevenue        float64  `json:"segment_revenue"`
	IsReportableSegment   bool     `json:"is_reportable_segment"`
	RevenueMaterialityPct float64  `json:"revenue_materiality_pct"`
	Members               []string `json:"members"`
}

// MemberContribution records how a member flowed into the aggregate.
type MemberContribution struct {
	MemberID        string              `json:"member_entity_id"`
	DeclaredMethod  ConsolidationMethod `json:"declared_method"`
	EffectiveMethod ConsolidationMethod `json:"effective_method"`
	OwnershipPct    float64             `json:"ownership_pct"`
	NetAssets       float64             `json:"net_assets"`
	Earnings        float64             `json:"earnings"`
	NCI             float64             `json:"nci"`
}

// CheckStatus is the verdict of a reconciliation check.
type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckFail CheckStatus = "FAIL"
)

// Named reconciliation checks.
const (
	CheckBalanceSheet  = "BALANCE_SHEET_RECONCILIATION"
	CheckElimination   = "ELIMINATION_BALANCE_CHECK"
	CheckTranslation   = "TRANSLATION_BALANCE_CHECK"
	CheckNCIAllocation = "NCI_ALLOCATION_CHECK"
)

// ReconciliationCheck is the outcome of one named balance test.
type ReconciliationCheck struct {
	CheckType        string      `json:"check_type"`
	CheckStatus      CheckStatus `json:"check_status"`
	VarianceAmount   float64     `json:"variance_amount"`
	OriginalVariance float64     `json:"original_variance"`
	Tolerance        float64     `json:"tolerance_amount"`
	AutoAdjusted     bool        `json:"auto_adjusted"`
}

// AutoAdjustment is a correcting entry posted by reconciliation.
type AutoAdjustment struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	CheckType string    `json:"check_type"`
	Category  Category  `json:"account_category"`
	Amount    float64   `json:"amount"`
	Memo      string    `json:"memo"`
	PostedBy  string    `json:"posted_by"`
	PostedAt  time.Time `json:"posted_at"`
}
