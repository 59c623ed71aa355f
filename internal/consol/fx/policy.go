package fx

// Policy describes the FX conversion behaviour for consolidated reports.
type Policy struct {
	ReportingCurrency  string
	ProfitLossMethod   Method
	BalanceSheetMethod Method
}

// Method enumerates supported FX conversion methods.
type Method string

const (
	// MethodAverage represents average rate usage for P&L.
	MethodAverage Method = "AVERAGE"
	// MethodClosing represents closing rate usage for balance sheet.
	MethodClosing Method = "CLOSING"
	// MethodHistorical uses the rate recorded on the line, falling back to closing.
	MethodHistorical Method = "HISTORICAL"
)

// DefaultPolicy returns a baseline configuration aligned with the consolidation requirements.
func DefaultPolicy(reportingCurrency string) Policy {
	return Policy{
		ReportingCurrency:  reportingCurrency,
		ProfitLossMethod:   MethodAverage,
		BalanceSheetMethod: MethodClosing,
	}
}

func (p Policy) profitLossMethod() Method {
	if p.ProfitLossMethod == "" {
		return MethodAverage
	}
	return p.ProfitLossMethod
}

func (p Policy) balanceSheetMethod() Method {
	if p.BalanceSheetMethod == "" {
		return MethodClosing
	}
	return p.BalanceSheetMethod
}
