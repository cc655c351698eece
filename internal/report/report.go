package report

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/ledger"
)

// DeductibleCategories are the categories that may reduce taxable income
var DeductibleCategories = []string{"Medical", "Education", "Charitable Donations"}

// CategoryTotal aggregates the expenses of one category
type CategoryTotal struct {
	Category    string          `json:"category"`
	Total       decimal.Decimal `json:"total"`
	Count       int             `json:"count"`
	WithReceipt int             `json:"with_receipt"`
}

// Summary is the headline view of a session's expenses
type Summary struct {
	Total                 decimal.Decimal `json:"total"`
	PotentiallyDeductible decimal.Decimal `json:"potentially_deductible"`
	Count                 int             `json:"count"`
	Categories            []CategoryTotal `json:"categories"`
}

// Summarize totals expenses per category, largest first
func Summarize(expenses []ledger.UnifiedExpense) Summary {
	s := Summary{Total: decimal.Zero, PotentiallyDeductible: decimal.Zero, Count: len(expenses)}
	byCategory := make(map[string]*CategoryTotal)
	for _, e := range expenses {
		s.Total = s.Total.Add(e.Amount)
		if isDeductible(e.Category) {
			s.PotentiallyDeductible = s.PotentiallyDeductible.Add(e.Amount)
		}

		ct, ok := byCategory[e.Category]
		if !ok {
			ct = &CategoryTotal{Category: e.Category, Total: decimal.Zero}
			byCategory[e.Category] = ct
		}
		ct.Total = ct.Total.Add(e.Amount)
		ct.Count++
		if e.Source == ledger.SourceReceipt {
			ct.WithReceipt++
		}
	}

	s.Categories = make([]CategoryTotal, 0, len(byCategory))
	for _, ct := range byCategory {
		s.Categories = append(s.Categories, *ct)
	}
	sort.Slice(s.Categories, func(i, j int) bool {
		if c := s.Categories[i].Total.Cmp(s.Categories[j].Total); c != 0 {
			return c > 0
		}
		return s.Categories[i].Category < s.Categories[j].Category
	})
	return s
}

func isDeductible(category string) bool {
	for _, c := range DeductibleCategories {
		if c == category {
			return true
		}
	}
	return false
}

// VendorTotal aggregates spending at one merchant
type VendorTotal struct {
	Vendor string          `json:"vendor"`
	Total  decimal.Decimal `json:"total"`
	Count  int             `json:"count"`
}

// Vendors totals spending per merchant, largest first. Bank lines carry raw
// descriptions rather than merchant names and are left out. Manual entries
// are named after what was bought.
func Vendors(expenses []ledger.UnifiedExpense) []VendorTotal {
	byVendor := make(map[string]*VendorTotal)
	var order []string
	for _, e := range expenses {
		if e.Source == ledger.SourceBank {
			continue
		}
		name := e.Merchant
		if e.Source == ledger.SourceManual && len(e.Items) > 0 {
			name = strings.Join(e.Items, ", ")
		}
		vt, ok := byVendor[name]
		if !ok {
			vt = &VendorTotal{Vendor: name, Total: decimal.Zero}
			byVendor[name] = vt
			order = append(order, name)
		}
		vt.Total = vt.Total.Add(e.Amount)
		vt.Count++
	}

	out := make([]VendorTotal, 0, len(order))
	for _, name := range order {
		out = append(out, *byVendor[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Total.GreaterThan(out[j].Total)
	})
	return out
}
