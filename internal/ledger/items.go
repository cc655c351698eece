package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrItemNotFound      = errors.New("receipt item not found")
	ErrDuplicateItem     = errors.New("receipt item already uploaded")
	ErrItemLimit         = errors.New("receipt item limit reached")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingFields     = errors.New("extracted fields required")
)

// ItemStore holds the receipt items of one session in upload order.
// It is not safe for concurrent use; the owning session serialises access.
type ItemStore struct {
	items []*ReceiptItem
	index map[string]*ReceiptItem
	limit int
}

// NewItemStore creates a store that accepts at most limit uploaded items.
// A limit of zero or less means no limit.
func NewItemStore(limit int) *ItemStore {
	return &ItemStore{
		index: make(map[string]*ReceiptItem),
		limit: limit,
	}
}

// Add queues a newly uploaded file
func (s *ItemStore) Add(item *ReceiptItem) error {
	if _, ok := s.index[item.ID]; ok {
		return fmt.Errorf("%s: %w", item.Filename, ErrDuplicateItem)
	}
	if s.limit > 0 && s.uploaded() >= s.limit {
		return fmt.Errorf("%s: %w", item.Filename, ErrItemLimit)
	}

	stored := item.Clone()
	stored.Status = StatusQueued
	stored.Fields = nil
	stored.ErrorMessage = ""
	stored.MatchedTransactionID = ""
	s.insert(stored)
	return nil
}

// AddManual stores a manually entered expense. It skips extraction and is
// accepted straight away. Manual entries do not count against the upload limit.
func (s *ItemStore) AddManual(id string, fields Fields, createdAt time.Time) (*ReceiptItem, error) {
	if _, ok := s.index[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrDuplicateItem)
	}

	f := fields.clone()
	f.IsManual = true
	item := &ReceiptItem{
		ID:          id,
		Filename:    "manual",
		ContentType: "application/json",
		Status:      StatusAccepted,
		Fields:      f,
		CreatedAt:   createdAt,
	}
	s.insert(item)
	return item.Clone(), nil
}

func (s *ItemStore) insert(item *ReceiptItem) {
	s.items = append(s.items, item)
	s.index[item.ID] = item
}

func (s *ItemStore) uploaded() int {
	n := 0
	for _, it := range s.items {
		if it.Fields == nil || !it.Fields.IsManual {
			n++
		}
	}
	return n
}

// Get returns a copy of the item
func (s *ItemStore) Get(id string) (*ReceiptItem, error) {
	item, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	return item.Clone(), nil
}

// Has reports whether the item is still in the store
func (s *ItemStore) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Remove excises an item in any state and returns what was removed
func (s *ItemStore) Remove(id string) (*ReceiptItem, error) {
	item, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	delete(s.index, id)
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return item, nil
}

// List returns copies of all items in upload order
func (s *ItemStore) List() []*ReceiptItem {
	out := make([]*ReceiptItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	return out
}

// Queued returns the IDs of items waiting for extraction, in upload order
func (s *ItemStore) Queued() []string {
	var ids []string
	for _, it := range s.items {
		if it.Status == StatusQueued {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// Len returns the number of items
func (s *ItemStore) Len() int {
	return len(s.items)
}

// StartProcessing moves a queued item to processing
func (s *ItemStore) StartProcessing(id string) error {
	item, err := s.lookup(id)
	if err != nil {
		return err
	}
	if item.Status != StatusQueued {
		return transitionError(id, item.Status, StatusProcessing)
	}
	item.Status = StatusProcessing
	return nil
}

// CompleteExtraction records the extractor output of a processing item. Results
// scoring at or above threshold are accepted, the rest wait for verification.
func (s *ItemStore) CompleteExtraction(id string, fields Fields, threshold float64) (Status, error) {
	item, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	next := StatusSuccess
	if fields.ConfidenceScore >= threshold {
		next = StatusAccepted
	}
	if item.Status != StatusProcessing {
		return "", transitionError(id, item.Status, next)
	}

	item.Fields = fields.clone()
	item.Status = next
	item.ErrorMessage = ""
	return next, nil
}

// FailExtraction moves a processing item to the terminal error state
func (s *ItemStore) FailExtraction(id string, message string) error {
	item, err := s.lookup(id)
	if err != nil {
		return err
	}
	if item.Status != StatusProcessing {
		return transitionError(id, item.Status, StatusError)
	}
	item.Status = StatusError
	item.Fields = nil
	item.ErrorMessage = message
	return nil
}

// Accept finalises a verified item. The given fields replace whatever the
// extractor produced.
func (s *ItemStore) Accept(id string, fields *Fields) error {
	item, err := s.lookup(id)
	if err != nil {
		return err
	}
	if item.Status != StatusSuccess {
		return transitionError(id, item.Status, StatusAccepted)
	}
	if fields != nil {
		f := fields.clone()
		f.IsManual = item.Fields != nil && item.Fields.IsManual
		item.Fields = f
	}
	if item.Fields == nil {
		return fmt.Errorf("%s: %w", id, ErrMissingFields)
	}
	item.Status = StatusAccepted
	return nil
}

// setMatch and clearMatch maintain the back-reference owned by the reconciler
func (s *ItemStore) setMatch(id, txID string) {
	if item, ok := s.index[id]; ok {
		item.MatchedTransactionID = txID
	}
}

func (s *ItemStore) clearMatch(id string) {
	if item, ok := s.index[id]; ok {
		item.MatchedTransactionID = ""
	}
}

func (s *ItemStore) lookup(id string) (*ReceiptItem, error) {
	item, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrItemNotFound)
	}
	return item, nil
}

// unclaimed returns the accepted items with no linked transaction, in upload order
func (s *ItemStore) unclaimed() []*ReceiptItem {
	var out []*ReceiptItem
	for _, it := range s.items {
		if it.Status == StatusAccepted && it.MatchedTransactionID == "" && it.Fields != nil {
			out = append(out, it)
		}
	}
	return out
}

func transitionError(id string, from, to Status) error {
	return fmt.Errorf("%s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}
