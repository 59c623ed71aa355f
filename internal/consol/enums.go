package consol

import (
	"fmt"
	"strings"
)

// ConsolidationMethod is the closed set of ways a member flows into the group.
type ConsolidationMethod string

const (
	MethodFull          ConsolidationMethod = "FULL"
	MethodProportionate ConsolidationMethod = "PROPORTIONATE"
	MethodEquity        ConsolidationMethod = "EQUITY"
)

// ParseConsolidationMethod normalises and validates a method name.
func ParseConsolidationMethod(raw string) (ConsolidationMethod, error) {
	method := ConsolidationMethod(strings.ToUpper(strings.TrimSpace(raw)))
	if !method.Valid() {
		return "", fmt.Errorf("consol: unknown consolidation method %q", raw)
	}
	return method, nil
}

// Valid reports whether the method is one of the supported variants.
func (m ConsolidationMethod) Valid() bool {
	switch m {
	case MethodFull, MethodProportionate, MethodEquity:
		return true
	}
	return false
}

func (m ConsolidationMethod) depth() int {
	switch m {
	case MethodFull:
		return 3
	case MethodProportionate:
		return 2
	case MethodEquity:
		return 1
	}
	return 0
}

// EffectiveMethod caps a member's declared method at the requested consolidation level.
func EffectiveMethod(declared, level ConsolidationMethod) ConsolidationMethod {
	if declared.depth() <= level.depth() {
		return declared
	}
	return level
}

// TranslationMethod is the closed set of IFRS 21 translation methods.
type TranslationMethod string

const (
	TranslationCurrentRate TranslationMethod = "CURRENT_RATE"
	TranslationTemporal    TranslationMethod = "TEMPORAL"
)

// ParseTranslationMethod normalises and validates a translation method name.
func ParseTranslationMethod(raw string) (TranslationMethod, error) {
	method := TranslationMethod(strings.ToUpper(strings.TrimSpace(raw)))
	switch method {
	case TranslationCurrentRate, TranslationTemporal:
		return method, nil
	}
	return "", fmt.Errorf("consol: unknown translation method %q", raw)
}

// Statement identifies the primary statement a category belongs to.
type Statement string

const (
	StatementBalanceSheet Statement = "BS"
	StatementProfitLoss   Statement = "PL"
)

// Category is an account category carried through the pipeline.
type Category string

const (
	CategoryAsset                  Category = "ASSET"
	CategoryLiability              Category = "LIABILITY"
	CategoryEquity                 Category = "EQUITY"
	CategoryRevenue                Category = "REVENUE"
	CategoryExpense                Category = "EXPENSE"
	CategoryOCI                    Category = "OCI"
	CategoryFXGainLoss             Category = "FX_GAIN_LOSS"
	CategoryNonControllingInterest Category = "NON_CONTROLLING_INTEREST"
	CategoryInvestmentInAssociate  Category = "INVESTMENT_IN_ASSOCIATE"
	CategoryShareOfAssociateProfit Category = "SHARE_OF_ASSOCIATE_PROFIT"
)

type categoryInfo struct {
	debitNormal bool
	statement   Statement
	source      bool
}

var categories = map[Category]categoryInfo{
	CategoryAsset:                  {debitNormal: true, statement: StatementBalanceSheet, source: true},
	CategoryLiability:              {statement: StatementBalanceSheet, source: true},
	CategoryEquity:                 {statement: StatementBalanceSheet, source: true},
	CategoryRevenue:                {statement: StatementProfitLoss, source: true},
	CategoryExpense:                {debitNormal: true, statement: StatementProfitLoss, source: true},
	CategoryOCI:                    {statement: StatementBalanceSheet},
	CategoryFXGainLoss:             {statement: StatementProfitLoss},
	CategoryNonControllingInterest: {statement: StatementBalanceSheet},
	CategoryInvestmentInAssociate:  {debitNormal: true, statement: StatementBalanceSheet},
	CategoryShareOfAssociateProfit: {statement: StatementProfitLoss},
}

// CategoryOrder lists categories in presentation order.
var CategoryOrder = []Category{
	CategoryAsset,
	CategoryInvestmentInAssociate,
	CategoryLiability,
	CategoryEquity,
	CategoryOCI,
	CategoryNonControllingInterest,
	CategoryRevenue,
	CategoryShareOfAssociateProfit,
	CategoryFXGainLoss,
	CategoryExpense,
}

// ParseCategory normalises and validates a category name.
func ParseCategory(raw string) (Category, error) {
	category := Category(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := categories[category]; !ok {
		return "", fmt.Errorf("consol: unknown account category %q", raw)
	}
	return category, nil
}

// Valid reports whether the category is known.
func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

// DebitNormal reports whether the category's natural balance sits on the debit side.
func (c Category) DebitNormal() bool {
	return categories[c].debitNormal
}

// Sign is +1 for debit-normal categories and -1 otherwise.
func (c Category) Sign() float64 {
	if c.DebitNormal() {
		return 1
	}
	return -1
}

// Statement returns the statement the category is presented on.
func (c Category) Statement() Statement {
	return categories[c].statement
}

// Source reports whether the category may appear on member ledgers.
func (c Category) Source() bool {
	return categories[c].source
}

// ParseMateriality normalises a materiality filter value.
func ParseMateriality(raw string) (Materiality, error) {
	level := Materiality(strings.ToUpper(strings.TrimSpace(raw)))
	switch level {
	case MaterialityHigh, MaterialityMedium, MaterialityLow:
		return level, nil
	}
	return "", fmt.Errorf("consol: unknown materiality %q", raw)
}
