package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrReceiptLinked       = errors.New("receipt already linked to another transaction")
	ErrTransactionLinked   = errors.New("transaction already linked to another receipt")
	ErrReceiptNotMatchable = errors.New("only accepted receipts can be matched")
)

// Tolerance bounds how far a receipt may differ from a transaction and still
// be matched automatically. Amount is exclusive, Days inclusive.
type Tolerance struct {
	Amount decimal.Decimal
	Days   int
}

// DefaultTolerance is one currency unit and one calendar day
var DefaultTolerance = Tolerance{Amount: decimal.NewFromInt(1), Days: 1}

// Match is one transaction/receipt pair linked by AutoMatch
type Match struct {
	TransactionID string `json:"transaction_id"`
	ReceiptID     string `json:"receipt_id"`
}

// Reconciler keeps the item and transaction stores cross-consistent
type Reconciler struct {
	items     *ItemStore
	txs       *TransactionStore
	tolerance Tolerance
}

// NewReconciler creates a reconciler over the two stores of a session
func NewReconciler(items *ItemStore, txs *TransactionStore, tolerance Tolerance) *Reconciler {
	return &Reconciler{items: items, txs: txs, tolerance: tolerance}
}

// AutoMatch links unmatched transactions to unclaimed accepted receipts in a
// single greedy pass. Transactions are visited in statement order and each
// takes the first available receipt within tolerance. Running it again on
// unchanged stores does nothing.
func (r *Reconciler) AutoMatch() []Match {
	receipts := r.items.unclaimed()
	if len(receipts) == 0 {
		return nil
	}

	claimed := make(map[string]bool, len(receipts))
	var matches []Match
	for _, t := range r.txs.txs {
		if t.MatchStatus != MatchUnmatched {
			continue
		}
		for _, rc := range receipts {
			if claimed[rc.ID] || !r.withinTolerance(t, rc.Fields) {
				continue
			}
			claimed[rc.ID] = true
			t.MatchStatus = MatchMatched
			t.MatchedReceiptID = rc.ID
			rc.MatchedTransactionID = t.ID
			matches = append(matches, Match{TransactionID: t.ID, ReceiptID: rc.ID})
			break
		}
		if len(claimed) == len(receipts) {
			break
		}
	}

	if len(matches) > 0 {
		slog.Info("Matched transactions to receipts", "count", len(matches))
	}
	return matches
}

func (r *Reconciler) withinTolerance(t *Transaction, f *Fields) bool {
	if t.Date.IsZero() || f.Date.IsZero() {
		return false
	}
	if !f.Amount.Sub(t.Amount()).Abs().LessThan(r.tolerance.Amount) {
		return false
	}
	return absInt(daysBetween(t.Date, f.Date)) <= r.tolerance.Days
}

// daysBetween counts whole calendar days from a to b
func daysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ManualMatch links a transaction to a receipt chosen by the user, ignoring
// tolerance. Linking a pair that is already linked marks it manual.
func (r *Reconciler) ManualMatch(txID, receiptID string) error {
	t, err := r.txs.lookup(txID)
	if err != nil {
		return err
	}
	rc, err := r.items.lookup(receiptID)
	if err != nil {
		return err
	}
	if rc.Status != StatusAccepted {
		return fmt.Errorf("%s is %s: %w", receiptID, rc.Status, ErrReceiptNotMatchable)
	}
	if rc.MatchedTransactionID != "" && rc.MatchedTransactionID != txID {
		return fmt.Errorf("%s -> %s: %w", receiptID, rc.MatchedTransactionID, ErrReceiptLinked)
	}
	if t.MatchedReceiptID != "" && t.MatchedReceiptID != receiptID {
		return fmt.Errorf("%s -> %s: %w", txID, t.MatchedReceiptID, ErrTransactionLinked)
	}

	t.MatchStatus = MatchManual
	t.MatchedReceiptID = receiptID
	rc.MatchedTransactionID = txID
	return nil
}

// ReleaseReceipt reverts the transaction linked to a receipt that is going
// away. It must be called before the receipt is removed from the item store.
func (r *Reconciler) ReleaseReceipt(receiptID string) {
	for _, t := range r.txs.txs {
		if t.MatchedReceiptID == receiptID {
			t.MatchStatus = MatchUnmatched
			t.MatchedReceiptID = ""
		}
	}
	r.items.clearMatch(receiptID)
}

// PruneStale clears receipt back-references to transactions that no longer
// exist, which happens after a statement re-import.
func (r *Reconciler) PruneStale() int {
	n := 0
	for _, it := range r.items.items {
		if it.MatchedTransactionID == "" {
			continue
		}
		if _, ok := r.txs.index[it.MatchedTransactionID]; !ok {
			it.MatchedTransactionID = ""
			n++
		}
	}
	return n
}

// SimilarTransactions returns the unmatched transactions whose description
// contains the first word of the given transaction's description. The
// transaction itself is included when it is unmatched.
func (r *Reconciler) SimilarTransactions(txID string) ([]*Transaction, error) {
	t, err := r.txs.lookup(txID)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(t.Description)
	if len(fields) == 0 {
		if t.MatchStatus == MatchUnmatched {
			return []*Transaction{t.Clone()}, nil
		}
		return nil, nil
	}
	needle := strings.ToLower(fields[0])

	var out []*Transaction
	for _, other := range r.txs.txs {
		if other.MatchStatus != MatchUnmatched {
			continue
		}
		if strings.Contains(strings.ToLower(other.Description), needle) {
			out = append(out, other.Clone())
		}
	}
	return out, nil
}

// Recategorize sets the category of a transaction, and of every similar
// transaction when applyToSimilar is set. It returns the IDs that changed.
func (r *Reconciler) Recategorize(txID, category string, applyToSimilar bool) ([]string, error) {
	if strings.TrimSpace(category) == "" {
		return nil, ErrEmptyCategory
	}
	if err := r.txs.SetCategory(txID, category); err != nil {
		return nil, err
	}
	updated := []string{txID}
	if !applyToSimilar {
		return updated, nil
	}

	similar, err := r.SimilarTransactions(txID)
	if err != nil {
		return nil, err
	}
	for _, t := range similar {
		if t.ID == txID {
			continue
		}
		if err := r.txs.SetCategory(t.ID, category); err != nil {
			return updated, err
		}
		updated = append(updated, t.ID)
	}
	return updated, nil
}
