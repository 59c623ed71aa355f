package prep

import (
	"fmt"
	"math"
	"strings"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// ValidateMembers checks ownership, method and currency of every member and
// returns the annotated members plus the ids that failed.
func ValidateMembers(members []consol.Member) ([]consol.Member, []string) {
	out := make([]consol.Member, 0, len(members))
	invalid := make([]string, 0)
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		m.Issues = nil
		m.EntityID = strings.TrimSpace(m.EntityID)
		if m.EntityID == "" {
			m.Issues = append(m.Issues, "member entity id required")
		} else if _, dup := seen[m.EntityID]; dup {
			m.Issues = append(m.Issues, "duplicate member entity id")
		}
		seen[m.EntityID] = struct{}{}
		if math.IsNaN(m.OwnershipPct) || math.IsInf(m.OwnershipPct, 0) || m.OwnershipPct <= 0 || m.OwnershipPct > 100 {
			m.Issues = append(m.Issues, fmt.Sprintf("ownership_pct %v outside (0, 100]", m.OwnershipPct))
		}
		if method, err := consol.ParseConsolidationMethod(string(m.Method)); err != nil {
			m.Issues = append(m.Issues, fmt.Sprintf("unknown consolidation method %q", m.Method))
		} else {
			m.Method = method
		}
		if ccy, err := consol.ParseCurrency(m.Currency); err != nil {
			m.Issues = append(m.Issues, fmt.Sprintf("invalid currency %q", m.Currency))
		} else {
			m.Currency = ccy
		}
		if len(m.Issues) > 0 {
			m.ValidationStatus = consol.StatusInvalid
			invalid = append(invalid, m.EntityID)
		} else {
			m.ValidationStatus = consol.StatusValid
		}
		out = append(out, m)
	}
	return out, invalid
}

// ValidatePairs checks that each elimination pair references two distinct
// valid members and opposite-side accounts.
func ValidatePairs(pairs []consol.EliminationPair, members []consol.Member) ([]consol.EliminationPair, []string) {
	valid := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.ValidationStatus == consol.StatusValid {
			valid[m.EntityID] = struct{}{}
		}
	}
	out := make([]consol.EliminationPair, 0, len(pairs))
	invalid := make([]string, 0)
	for _, p := range pairs {
		p.Issues = nil
		if p.ID == "" {
			p.Issues = append(p.Issues, "pair id required")
		}
		switch p.Kind {
		case consol.PairRevenueCOGS, consol.PairReceivablePayable, consol.PairInvestmentEquity, consol.PairOther:
		case "":
			p.Kind = consol.PairOther
		default:
			p.Issues = append(p.Issues, fmt.Sprintf("unknown pair kind %q", p.Kind))
		}
		for _, side := range []struct {
			label string
			side  consol.PairSide
		}{{"seller", p.Seller}, {"buyer", p.Buyer}} {
			if _, ok := valid[side.side.MemberID]; !ok {
				p.Issues = append(p.Issues, fmt.Sprintf("%s member %q is not a valid active member", side.label, side.side.MemberID))
			}
			if side.side.AccountCode == "" {
				p.Issues = append(p.Issues, fmt.Sprintf("%s account code required", side.label))
			}
			if !side.side.Category.Valid() || !side.side.Category.Source() {
				p.Issues = append(p.Issues, fmt.Sprintf("%s category %q is not a ledger category", side.label, side.side.Category))
			}
		}
		if p.Seller.MemberID != "" && p.Seller.MemberID == p.Buyer.MemberID {
			p.Issues = append(p.Issues, "pair sides must belong to different members")
		}
		if p.Seller.Category.Valid() && p.Buyer.Category.Valid() && p.Seller.Category.DebitNormal() == p.Buyer.Category.DebitNormal() {
			p.Issues = append(p.Issues, "pair sides must sit on opposite normal sides")
		}
		if len(p.Issues) > 0 {
			p.ValidationStatus = consol.StatusInvalid
			invalid = append(invalid, p.ID)
		} else {
			p.ValidationStatus = consol.StatusValid
		}
		out = append(out, p)
	}
	return out, invalid
}
