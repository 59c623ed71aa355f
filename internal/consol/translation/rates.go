package translation

import (
	"math"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
)

// Rate type labels recorded on adjustments.
const (
	RateAverage    = string(fx.MethodAverage)
	RateClosing    = string(fx.MethodClosing)
	RateHistorical = string(fx.MethodHistorical)
	RateMixed      = "MIXED"
)

// Materiality thresholds as a share of the translated amount.
const (
	HighMaterialityRatio   = 0.05
	MediumMaterialityRatio = 0.01
)

// selection is the rate chosen for one ledger line.
type selection struct {
	rateType string
	rate     float64
	fallback bool
}

// lineMethod maps a ledger line to the fx method its translation method
// prescribes. strict reports that a missing historical rate should be flagged.
func lineMethod(method consol.TranslationMethod, line consol.LedgerBalance, converter *fx.Converter) (m fx.Method, strict bool) {
	profitLoss := line.Category.Statement() == consol.StatementProfitLoss
	switch {
	case method == consol.TranslationTemporal && profitLoss:
		if line.HistoricalRate > 0 {
			return fx.MethodHistorical, false
		}
		return converter.StatementMethod(true), false
	case method == consol.TranslationTemporal && line.Category == consol.CategoryEquity:
		return fx.MethodHistorical, true
	case method == consol.TranslationTemporal && !line.Monetary:
		return fx.MethodHistorical, true
	case line.Category == consol.CategoryEquity:
		return fx.MethodHistorical, false
	}
	return converter.StatementMethod(profitLoss), false
}

// selectRate resolves the rate for a line through the snapshot converter.
func selectRate(converter *fx.Converter, currency string, method consol.TranslationMethod, line consol.LedgerBalance) (selection, bool) {
	m, strict := lineMethod(method, line, converter)
	sel := selection{}
	if m == fx.MethodHistorical && line.HistoricalRate <= 0 {
		m = fx.MethodClosing
		sel.fallback = strict
	}
	rate, ok := converter.Rate(currency, m, line.HistoricalRate)
	if !ok {
		return selection{}, false
	}
	sel.rateType = string(m)
	sel.rate = rate
	return sel, true
}

// plugCategory is where the translation imbalance lands for a method.
func plugCategory(method consol.TranslationMethod) consol.Category {
	if method == consol.TranslationTemporal {
		return consol.CategoryFXGainLoss
	}
	return consol.CategoryOCI
}

// classify buckets a difference relative to the translated amount.
func classify(difference, translated float64) consol.Materiality {
	difference = math.Abs(difference)
	translated = math.Abs(translated)
	if difference == 0 {
		return consol.MaterialityLow
	}
	if translated == 0 {
		return consol.MaterialityHigh
	}
	ratio := difference / translated
	switch {
	case ratio >= HighMaterialityRatio:
		return consol.MaterialityHigh
	case ratio >= MediumMaterialityRatio:
		return consol.MaterialityMedium
	}
	return consol.MaterialityLow
}
