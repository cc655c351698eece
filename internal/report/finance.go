package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/ledger"
)

// AllMonths selects every month in ProfitLoss
const AllMonths = "all"

const monthLayout = "2006-01"

func monthOf(t time.Time) (string, bool) {
	if t.IsZero() {
		return "", false
	}
	return t.Format(monthLayout), true
}

// Months lists the YYYY-MM months present in expenses or transactions, newest first
func Months(expenses []ledger.UnifiedExpense, txs []*ledger.Transaction) []string {
	seen := make(map[string]bool)
	for _, e := range expenses {
		if m, ok := monthOf(e.Date); ok {
			seen[m] = true
		}
	}
	for _, t := range txs {
		if m, ok := monthOf(t.Date); ok {
			seen[m] = true
		}
	}
	months := make([]string, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(months)))
	return months
}

// ProfitLossStatement is income against expenses for one month or for everything
type ProfitLossStatement struct {
	Month      string                     `json:"month"`
	Income     decimal.Decimal            `json:"income"`
	Expenses   decimal.Decimal            `json:"expenses"`
	ByCategory map[string]decimal.Decimal `json:"by_category"`
	Net        decimal.Decimal            `json:"net"`
}

// ProfitLoss computes the statement for month (YYYY-MM) or AllMonths.
// Income is the sum of statement credits.
func ProfitLoss(expenses []ledger.UnifiedExpense, txs []*ledger.Transaction, month string) ProfitLossStatement {
	if month == "" {
		month = AllMonths
	}
	inMonth := func(t time.Time) bool {
		if month == AllMonths {
			return true
		}
		m, ok := monthOf(t)
		return ok && m == month
	}

	pl := ProfitLossStatement{
		Month:      month,
		Income:     decimal.Zero,
		Expenses:   decimal.Zero,
		ByCategory: make(map[string]decimal.Decimal),
	}
	for _, t := range txs {
		if t.Credit.Valid && inMonth(t.Date) {
			pl.Income = pl.Income.Add(t.Credit.Decimal)
		}
	}
	for _, e := range expenses {
		if !inMonth(e.Date) {
			continue
		}
		pl.ByCategory[e.Category] = pl.ByCategory[e.Category].Add(e.Amount)
		pl.Expenses = pl.Expenses.Add(e.Amount)
	}
	pl.Net = pl.Income.Sub(pl.Expenses)
	return pl
}

// CashFlowMonth is the money moved through the account in one month
type CashFlowMonth struct {
	Month   string          `json:"month"`
	Inflow  decimal.Decimal `json:"inflow"`
	Outflow decimal.Decimal `json:"outflow"`
	Net     decimal.Decimal `json:"net"`
}

// CashFlow groups statement credits and debits by month, oldest first
func CashFlow(txs []*ledger.Transaction) []CashFlowMonth {
	byMonth := make(map[string]*CashFlowMonth)
	for _, t := range txs {
		m, ok := monthOf(t.Date)
		if !ok {
			continue
		}
		cf, ok := byMonth[m]
		if !ok {
			cf = &CashFlowMonth{Month: m, Inflow: decimal.Zero, Outflow: decimal.Zero}
			byMonth[m] = cf
		}
		if t.Credit.Valid {
			cf.Inflow = cf.Inflow.Add(t.Credit.Decimal)
		}
		if t.Debit.Valid {
			cf.Outflow = cf.Outflow.Add(t.Debit.Decimal)
		}
	}

	out := make([]CashFlowMonth, 0, len(byMonth))
	for _, cf := range byMonth {
		cf.Net = cf.Inflow.Sub(cf.Outflow)
		out = append(out, *cf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}
