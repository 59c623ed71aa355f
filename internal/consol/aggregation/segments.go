package aggregation

import (
	"sort"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// Default IFRS 8 thresholds, in percent.
const (
	DefaultSegmentThresholdPct = 10
	DefaultSegmentCoveragePct  = 75
)

// buildSegments applies the revenue threshold test and then promotes the
// largest remaining segments until reportable revenue reaches the coverage level.
func buildSegments(revenue map[string]float64, members map[string][]string, thresholdPct, coveragePct float64) []consol.SegmentNote {
	if len(revenue) == 0 {
		return nil
	}
	var total consol.Ledger
	notes := make([]consol.SegmentNote, 0, len(revenue))
	for segment, amount := range revenue {
		total.Add(amount)
		memberIDs := append([]string(nil), members[segment]...)
		sort.Strings(memberIDs)
		notes = append(notes, consol.SegmentNote{
			Segment:        segment,
			SegmentRevenue: consol.Round(amount),
			Members:        memberIDs,
		})
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].SegmentRevenue == notes[j].SegmentRevenue {
			return notes[i].Segment < notes[j].Segment
		}
		return notes[i].SegmentRevenue > notes[j].SegmentRevenue
	})

	grand := total.Value()
	if grand <= 0 {
		return notes
	}
	var covered consol.Ledger
	for i := range notes {
		pct := notes[i].SegmentRevenue / grand * 100
		notes[i].RevenueMaterialityPct = consol.Round(pct)
		if pct >= thresholdPct {
			notes[i].IsReportableSegment = true
			covered.Add(notes[i].SegmentRevenue)
		}
	}
	for i := range notes {
		if covered.Value()/grand*100 >= coveragePct {
			break
		}
		if notes[i].IsReportableSegment || notes[i].SegmentRevenue <= 0 {
			continue
		}
		notes[i].IsReportableSegment = true
		covered.Add(notes[i].SegmentRevenue)
	}
	return notes
}
