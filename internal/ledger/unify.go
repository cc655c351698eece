package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source tells where a unified expense came from
type Source string

const (
	SourceReceipt Source = "receipt"
	SourceManual  Source = "manual"
	SourceBank    Source = "bank"
)

// UnifiedExpense is the reporting view of one real-world expense
type UnifiedExpense struct {
	ID               string          `json:"id"`
	Source           Source          `json:"source"`
	Merchant         string          `json:"merchant"`
	Amount           decimal.Decimal `json:"amount"`
	Date             time.Time       `json:"date"`
	Items            []string        `json:"items"`
	Location         string          `json:"location,omitempty"`
	Category         string          `json:"category"`
	ConfidenceScore  float64         `json:"confidence_score"`
	DetectedLanguage string          `json:"detected_language"`
}

// Unify merges accepted receipts with unmatched bank debits. Linked
// transactions and credits never appear, so a reconciled expense is counted once.
func Unify(items []*ReceiptItem, txs []*Transaction) []UnifiedExpense {
	out := make([]UnifiedExpense, 0, len(items)+len(txs))
	for _, it := range items {
		if it.Status != StatusAccepted || it.Fields == nil {
			continue
		}
		src := SourceReceipt
		if it.Fields.IsManual {
			src = SourceManual
		}
		category := it.Fields.Category
		if category == "" {
			category = DefaultCategory
		}
		out = append(out, UnifiedExpense{
			ID:               it.ID,
			Source:           src,
			Merchant:         it.Fields.Merchant,
			Amount:           it.Fields.Amount,
			Date:             it.Fields.Date,
			Items:            append([]string{}, it.Fields.Items...),
			Location:         it.Fields.Location,
			Category:         category,
			ConfidenceScore:  it.Fields.ConfidenceScore,
			DetectedLanguage: it.Fields.DetectedLanguage,
		})
	}

	for _, t := range txs {
		if t.MatchStatus != MatchUnmatched || !t.Debit.Valid || !t.Debit.Decimal.IsPositive() {
			continue
		}
		category := t.Category
		if category == "" {
			category = DefaultCategory
		}
		out = append(out, UnifiedExpense{
			ID:               t.ID,
			Source:           SourceBank,
			Merchant:         t.Description,
			Amount:           t.Debit.Decimal,
			Date:             t.Date,
			Items:            []string{t.Description},
			Location:         "Bank Transaction",
			Category:         category,
			ConfidenceScore:  1,
			DetectedLanguage: "N/A",
		})
	}
	return out
}
