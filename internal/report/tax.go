package report

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/ledger"
)

// FBR rules for salaried individuals
var (
	MedicalDeductionRate          = decimal.RequireFromString("0.10")
	EducationDeductionIncomeLimit = decimal.NewFromInt(1_500_000)
)

var ErrInvalidIncome = errors.New("annual income must be positive")

// TaxLine is one expense with its deduction verdict
type TaxLine struct {
	ID              string          `json:"id"`
	Date            time.Time       `json:"date"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Amount          decimal.Decimal `json:"amount"`
	Deductible      bool            `json:"deductible"`
	Source          ledger.Source   `json:"source"`
	ReceiptOnFile   bool            `json:"receipt_on_file"`
	ConfidenceScore float64         `json:"confidence_score"`
}

// TaxReport estimates the deductions an annual income qualifies for
type TaxReport struct {
	AnnualIncome        decimal.Decimal `json:"annual_income"`
	MedicalExpenses     decimal.Decimal `json:"medical_expenses"`
	MedicalLimit        decimal.Decimal `json:"medical_limit"`
	MedicalOverLimit    bool            `json:"medical_over_limit"`
	EducationExpenses   decimal.Decimal `json:"education_expenses"`
	EducationEligible   bool            `json:"education_eligible"`
	CharitableDonations decimal.Decimal `json:"charitable_donations"`
	TotalDeductible     decimal.Decimal `json:"total_deductible"`
	Lines               []TaxLine       `json:"lines"`
}

// TaxDeductions applies the FBR rules: a medical expense is deductible when it
// is within 10% of income, education when income is at most 1.5M PKR, and
// charitable donations always.
func TaxDeductions(expenses []ledger.UnifiedExpense, annualIncome decimal.Decimal) (TaxReport, error) {
	if !annualIncome.IsPositive() {
		return TaxReport{}, ErrInvalidIncome
	}

	r := TaxReport{
		AnnualIncome:        annualIncome,
		MedicalExpenses:     decimal.Zero,
		MedicalLimit:        annualIncome.Mul(MedicalDeductionRate),
		EducationExpenses:   decimal.Zero,
		EducationEligible:   annualIncome.LessThanOrEqual(EducationDeductionIncomeLimit),
		CharitableDonations: decimal.Zero,
		TotalDeductible:     decimal.Zero,
		Lines:               make([]TaxLine, 0, len(expenses)),
	}

	for _, e := range expenses {
		var deductible bool
		switch e.Category {
		case "Medical":
			r.MedicalExpenses = r.MedicalExpenses.Add(e.Amount)
			deductible = e.Amount.LessThanOrEqual(r.MedicalLimit)
		case "Education":
			r.EducationExpenses = r.EducationExpenses.Add(e.Amount)
			deductible = r.EducationEligible
		case "Charitable Donations":
			r.CharitableDonations = r.CharitableDonations.Add(e.Amount)
			deductible = true
		}
		if deductible {
			r.TotalDeductible = r.TotalDeductible.Add(e.Amount)
		}

		confidence := e.ConfidenceScore
		if e.Source != ledger.SourceReceipt {
			confidence = 1
		}
		r.Lines = append(r.Lines, TaxLine{
			ID:              e.ID,
			Date:            e.Date,
			Description:     e.Merchant,
			Category:        e.Category,
			Amount:          e.Amount,
			Deductible:      deductible,
			Source:          e.Source,
			ReceiptOnFile:   e.Source == ledger.SourceReceipt,
			ConfidenceScore: confidence,
		})
	}
	r.MedicalOverLimit = r.MedicalExpenses.GreaterThan(r.MedicalLimit)
	return r, nil
}
