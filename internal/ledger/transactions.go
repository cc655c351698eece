package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEmptyCategory       = errors.New("category must not be empty")
)

// TransactionStore holds the bank transactions of the last imported statement
type TransactionStore struct {
	txs   []*Transaction
	index map[string]*Transaction
}

// NewTransactionStore creates an empty store
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{index: make(map[string]*Transaction)}
}

// Replace swaps the whole transaction set for a new statement import. Every
// line starts unmatched.
func (s *TransactionStore) Replace(txs []*Transaction) {
	s.txs = make([]*Transaction, 0, len(txs))
	s.index = make(map[string]*Transaction, len(txs))
	for _, t := range txs {
		c := t.Clone()
		c.MatchStatus = MatchUnmatched
		c.MatchedReceiptID = ""
		c.Category = strings.TrimSpace(c.Category)
		s.txs = append(s.txs, c)
		s.index[c.ID] = c
	}
}

// Get returns a copy of the transaction
func (s *TransactionStore) Get(id string) (*Transaction, error) {
	t, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns copies of all transactions in statement order
func (s *TransactionStore) List() []*Transaction {
	out := make([]*Transaction, 0, len(s.txs))
	for _, t := range s.txs {
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of transactions
func (s *TransactionStore) Len() int {
	return len(s.txs)
}

// SetCategory changes the category of a transaction regardless of its match state
func (s *TransactionStore) SetCategory(id, category string) error {
	category = strings.TrimSpace(category)
	if category == "" {
		return ErrEmptyCategory
	}
	t, err := s.lookup(id)
	if err != nil {
		return err
	}
	if c, ok := CanonicalCategory(category); ok {
		category = c
	}
	t.Category = category
	return nil
}

func (s *TransactionStore) lookup(id string) (*Transaction, error) {
	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrTransactionNotFound)
	}
	return t, nil
}
