package fx

import (
	"strings"
	"time"
)

// Quote holds the average and closing rate of a pair for one month.
type Quote struct {
	Average float64
	Closing float64
	AsOf    time.Time
}

// Usable reports whether both rates are present.
func (q Quote) Usable() bool {
	return q.Average > 0 && q.Closing > 0
}

// Rate returns the rate for a method. Historical rates live on ledger lines,
// so a quote answers them with its closing rate.
func (q Quote) Rate(method Method) float64 {
	switch method {
	case MethodAverage:
		return q.Average
	default:
		return q.Closing
	}
}

// PairCode builds the LOCALBASE pair code.
func PairCode(local, base string) string {
	return strings.ToUpper(strings.TrimSpace(local)) + strings.ToUpper(strings.TrimSpace(base))
}

// monthStart normalises any instant to the first day of its month in UTC.
func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
