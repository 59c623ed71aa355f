package aggregation

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// NCIBasis selects what the non-controlling share is measured against.
type NCIBasis string

const (
	// BasisNetAssets measures NCI against the member's net assets.
	BasisNetAssets NCIBasis = "NET_ASSETS"
	// BasisEarnings measures NCI against the member's period earnings.
	BasisEarnings NCIBasis = "EARNINGS"
)

// ParseNCIBasis normalises a basis name; empty selects NET_ASSETS.
func ParseNCIBasis(raw string) (NCIBasis, error) {
	basis := NCIBasis(strings.ToUpper(strings.TrimSpace(raw)))
	switch basis {
	case "":
		return BasisNetAssets, nil
	case BasisNetAssets, BasisEarnings:
		return basis, nil
	}
	return "", fmt.Errorf("aggregation: unknown nci basis %q", raw)
}

// netAssets is assets less liabilities of a member balance set.
func netAssets(b map[consol.Category]float64) float64 {
	return consol.Sum(b[consol.CategoryAsset], -b[consol.CategoryLiability])
}

// earnings is the member's period profit including FX results through P&L.
func earnings(b map[consol.Category]float64) float64 {
	return consol.Sum(b[consol.CategoryRevenue], -b[consol.CategoryExpense], b[consol.CategoryFXGainLoss])
}

// nonControllingInterest returns the outside holders' share of the basis.
func nonControllingInterest(m consol.Member, basis NCIBasis, na, ni float64) float64 {
	outside := 1 - m.Share()
	if outside <= 0 {
		return 0
	}
	if basis == BasisEarnings {
		return consol.Mul(outside, ni)
	}
	return consol.Mul(outside, na)
}
