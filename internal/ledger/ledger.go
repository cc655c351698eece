package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a receipt item
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success" // extracted, needs human verification
	StatusError      Status = "error"
	StatusAccepted   Status = "accepted"
)

// MatchStatus is the reconciliation state of a bank transaction
type MatchStatus string

const (
	MatchUnmatched MatchStatus = "unmatched"
	MatchMatched   MatchStatus = "matched"
	MatchManual    MatchStatus = "manual"
)

// DefaultCategory is assigned to anything the extractor could not classify
const DefaultCategory = "Other"

// Categories is the expense vocabulary shared by the extractor prompts and reports
var Categories = []string{
	"Medical",
	"Education",
	"Fuel & Transportation",
	"Food & Groceries",
	"Utilities",
	"Rent & Housing",
	"Business Expenses",
	"Personal Care",
	"Entertainment",
	"Charitable Donations",
	DefaultCategory,
}

// CanonicalCategory returns the vocabulary spelling of name, compared case-insensitively
func CanonicalCategory(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for _, c := range Categories {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return name, false
}

// Fields holds the extracted (or manually entered) expense data of a receipt
type Fields struct {
	Merchant         string          `json:"merchant"`
	Amount           decimal.Decimal `json:"amount"`
	Date             time.Time       `json:"date"`
	Items            []string        `json:"items"`
	Location         string          `json:"location,omitempty"`
	Category         string          `json:"category"`
	ConfidenceScore  float64         `json:"confidence_score"`
	DetectedLanguage string          `json:"detected_language"`
	IsManual         bool            `json:"is_manual"`
}

func (f *Fields) clone() *Fields {
	if f == nil {
		return nil
	}
	c := *f
	if f.Items != nil {
		c.Items = append([]string(nil), f.Items...)
	}
	return &c
}

// ReceiptItem is one uploaded document and its derived expense record
type ReceiptItem struct {
	ID                   string    `json:"id"`
	Filename             string    `json:"filename"`
	ContentType          string    `json:"content_type"`
	Size                 int64     `json:"size"`
	LastModified         time.Time `json:"last_modified"`
	Status               Status    `json:"status"`
	Fields               *Fields   `json:"fields,omitempty"`
	MatchedTransactionID string    `json:"matched_transaction_id,omitempty"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Clone returns a deep copy of the item
func (r *ReceiptItem) Clone() *ReceiptItem {
	c := *r
	c.Fields = r.Fields.clone()
	return &c
}

// ReceiptID derives the session identity of an uploaded file. Re-uploading the
// same file yields the same ID.
func ReceiptID(name string, lastModified time.Time, size int64) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s-%d-%d", name, lastModified.UnixMilli(), size)
	return hex.EncodeToString(h.Sum(nil))
}

// Transaction is one bank statement line plus its reconciliation state
type Transaction struct {
	ID               string              `json:"id"`
	Date             time.Time           `json:"date"`
	Description      string              `json:"description"`
	Debit            decimal.NullDecimal `json:"debit"`
	Credit           decimal.NullDecimal `json:"credit"`
	Balance          decimal.NullDecimal `json:"balance"`
	Category         string              `json:"category,omitempty"`
	MatchStatus      MatchStatus         `json:"match_status"`
	MatchedReceiptID string              `json:"matched_receipt_id,omitempty"`
}

// Amount is the debit if present, else the credit, else zero
func (t *Transaction) Amount() decimal.Decimal {
	if t.Debit.Valid {
		return t.Debit.Decimal
	}
	if t.Credit.Valid {
		return t.Credit.Decimal
	}
	return decimal.Zero
}

// Clone returns a copy of the transaction
func (t *Transaction) Clone() *Transaction {
	c := *t
	return &c
}
