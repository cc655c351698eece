package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/ingest"
	"github.com/zombor/expense-tracker/internal/ledger"
	"github.com/zombor/expense-tracker/internal/scanning"
)

var (
	ErrBatchInProgress = errors.New("a batch is already being processed")
	ErrInvalidEntry    = errors.New("invalid manual entry")
	ErrSessionClosed   = errors.New("session closed")
)

// IDGenerator generates unique IDs for sessions, transactions and manual entries
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tunes a session
type Options struct {
	MaxFiles            int
	MaxFileSize         int64
	ConfidenceThreshold float64
	Tolerance           ledger.Tolerance
}

// DefaultOptions returns the limits the upload screen advertises
func DefaultOptions() Options {
	return Options{
		MaxFiles:            100,
		MaxFileSize:         ingest.DefaultMaxFileSize,
		ConfidenceThreshold: 0.5,
		Tolerance:           ledger.DefaultTolerance,
	}
}

// Progress reports on the receipt batch
type Progress struct {
	Running   bool `json:"running"`
	Total     int  `json:"total"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
}

// ManualEntry is an expense typed in by the user
type ManualEntry struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Category    string          `json:"category"`
}

// Session owns the item and transaction stores of one user. Every exported
// method is safe for concurrent use; a single mutex covers both stores so that
// matching, manual linking and recategorization never interleave.
type Session struct {
	id         string
	scanner    scanning.Scanner
	storage    Storage
	normalizer *ingest.Normalizer
	opts       Options
	idGen      IDGenerator
	clock      TimeSource

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	items      *ledger.ItemStore
	txs        *ledger.TransactionStore
	rec        *ledger.Reconciler
	progress   Progress
	lastActive time.Time
	closed     bool
}

func newSession(ctx context.Context, id string, scanner scanning.Scanner, storage Storage, opts Options, idGen IDGenerator, clock TimeSource) *Session {
	items := ledger.NewItemStore(opts.MaxFiles)
	txs := ledger.NewTransactionStore()
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:         id,
		scanner:    scanner,
		storage:    storage,
		normalizer: ingest.NewNormalizer(opts.MaxFileSize),
		opts:       opts,
		idGen:      idGen,
		clock:      clock,
		ctx:        ctx,
		cancel:     cancel,
		items:      items,
		txs:        txs,
		rec:        ledger.NewReconciler(items, txs, opts.Tolerance),
		lastActive: clock.Now(),
	}
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// LastActive returns when the session was last used
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// touch must be called with mu held
func (s *Session) touch() {
	s.lastActive = s.clock.Now()
}

// reconcile re-runs automatic matching after a mutation. Must be called with mu held.
func (s *Session) reconcile() []ledger.Match {
	if s.items.Len() == 0 || s.txs.Len() == 0 {
		return nil
	}
	found := s.rec.AutoMatch()
	if len(found) > 0 {
		slog.Info("Auto-matched receipts", "session", s.id, "matched", len(found))
	}
	return found
}

// AddFiles validates uploads and queues them for extraction. Files that fail
// validation, were already uploaded or exceed the session limit are reported
// back and do not affect the rest.
func (s *Session) AddFiles(uploads []ingest.Upload) ([]*ledger.ReceiptItem, []ingest.Rejection) {
	accepted, rejected := s.normalizer.Normalize(uploads)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.closed {
		for _, u := range accepted {
			rejected = append(rejected, ingest.Rejection{Name: u.Name, Reason: ErrSessionClosed.Error(), Err: ErrSessionClosed})
		}
		return nil, rejected
	}

	var added []*ledger.ReceiptItem
	for _, u := range accepted {
		item := &ledger.ReceiptItem{
			ID:           ledger.ReceiptID(u.Name, u.LastModified, int64(len(u.Data))),
			Filename:     u.Name,
			ContentType:  u.ContentType,
			Size:         int64(len(u.Data)),
			LastModified: u.LastModified,
			CreatedAt:    s.clock.Now(),
		}
		if err := s.items.Add(item); err != nil {
			rejected = append(rejected, ingest.Rejection{Name: u.Name, Reason: err.Error(), Err: err})
			continue
		}
		if err := s.storage.Save(s.id, item.ID, u.Data); err != nil {
			slog.Error("Failed to store upload", "session", s.id, "filename", u.Name, "error", err)
			s.items.Remove(item.ID)
			rejected = append(rejected, ingest.Rejection{Name: u.Name, Reason: "could not store file", Err: err})
			continue
		}
		stored, _ := s.items.Get(item.ID)
		added = append(added, stored)
	}
	if s.progress.Running {
		// the running batch picks these up too
		s.progress.Total += len(added)
	}
	return added, rejected
}

// RemoveItem deletes a receipt item in any state. A transaction linked to it
// goes back to unmatched and may be matched to another receipt.
func (s *Session) RemoveItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	item, err := s.items.Get(id)
	if err != nil {
		return err
	}
	if s.progress.Running && item.Status == ledger.StatusQueued {
		s.progress.Total--
	}
	s.rec.ReleaseReceipt(id)
	if _, err := s.items.Remove(id); err != nil {
		return err
	}
	if err := s.storage.Delete(s.id, id); err != nil {
		slog.Warn("Failed to delete file", "session", s.id, "item", id, "error", err)
	}
	s.reconcile()
	return nil
}

// beginBatch reserves the batch runner and snapshots the queue size
func (s *Session) beginBatch() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.closed {
		return 0, ErrSessionClosed
	}
	if s.progress.Running {
		return 0, ErrBatchInProgress
	}
	queued := len(s.items.Queued())
	s.progress = Progress{Running: queued > 0, Total: queued}
	if queued > 0 {
		s.wg.Add(1)
	}
	return queued, nil
}

// ProcessQueued extracts every queued item one at a time and returns when
// the batch is done
func (s *Session) ProcessQueued(ctx context.Context) (Progress, error) {
	n, err := s.beginBatch()
	if err != nil {
		return Progress{}, err
	}
	if n > 0 {
		s.runBatch(ctx)
	}
	return s.Progress(), ctx.Err()
}

// StartProcessing launches the batch in the background and returns the
// number of queued items. Closing the session cancels it.
func (s *Session) StartProcessing() (int, error) {
	n, err := s.beginBatch()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		go s.runBatch(s.ctx)
	}
	return n, nil
}

// runBatch processes items sequentially to bound calls to the extraction
// service. The queue is re-read before each item so removed items are skipped
// and files uploaded during the batch, re-uploads included, are picked up.
func (s *Session) runBatch(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.progress.Running = false
		s.mu.Unlock()
	}()

	for ctx.Err() == nil {
		id, ok := s.nextQueued()
		if !ok {
			return
		}
		s.processItem(ctx, id)
	}
}

func (s *Session) nextQueued() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.items.Queued()
	if len(queued) == 0 {
		return "", false
	}
	return queued[0], true
}

func (s *Session) processItem(ctx context.Context, id string) {
	s.mu.Lock()
	if err := s.items.StartProcessing(id); err != nil {
		s.mu.Unlock()
		return
	}
	item, _ := s.items.Get(id)
	s.mu.Unlock()

	// extraction happens outside the lock
	data, err := s.storage.Get(s.id, id)
	var result *scanning.ReceiptData
	if err == nil {
		result, err = s.scanner.ScanReceipt(ctx, scanning.Media{Data: data, MIMEType: item.ContentType})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Processed++

	// a removed item may have been uploaded again under the same ID; that one is queued
	if current, gerr := s.items.Get(id); gerr != nil || current.Status != ledger.StatusProcessing {
		slog.Info("Item removed during extraction", "session", s.id, "item", id)
		return
	}
	if err != nil {
		s.progress.Failed++
		slog.Error("Failed to scan receipt",
			"session", s.id,
			"filename", item.Filename,
			"content_type", item.ContentType,
			"file_size", item.Size,
			"error", err,
		)
		if ferr := s.items.FailExtraction(id, "AI processing failed. "+err.Error()); ferr != nil {
			slog.Warn("Could not record extraction failure", "session", s.id, "item", id, "error", ferr)
		}
		return
	}

	status, err := s.items.CompleteExtraction(id, fieldsFromReceipt(result), s.opts.ConfidenceThreshold)
	if err != nil {
		slog.Warn("Could not record extraction", "session", s.id, "item", id, "error", err)
		return
	}
	slog.Info("Scanned receipt",
		"session", s.id,
		"filename", item.Filename,
		"status", status,
		"confidence", result.ConfidenceScore,
	)
	if status == ledger.StatusAccepted {
		s.reconcile()
	}
}

func fieldsFromReceipt(d *scanning.ReceiptData) ledger.Fields {
	return ledger.Fields{
		Merchant:         d.MerchantName,
		Amount:           d.Amount,
		Date:             parseDate(d.Date),
		Items:            d.Items,
		Location:         d.Location,
		Category:         d.Category,
		ConfidenceScore:  d.ConfidenceScore,
		DetectedLanguage: d.DetectedLanguage,
	}
}

// parseDate reads a YYYY-MM-DD date. Unreadable dates become the zero time,
// which never matches anything.
func parseDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return d
}

// Accept finalises an item waiting for verification, optionally with
// corrected fields
func (s *Session) Accept(id string, fields *ledger.Fields) (*ledger.ReceiptItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if fields != nil {
		f := *fields
		if c, ok := ledger.CanonicalCategory(f.Category); ok {
			f.Category = c
		}
		fields = &f
	}
	if err := s.items.Accept(id, fields); err != nil {
		return nil, err
	}
	s.reconcile()
	return s.items.Get(id)
}

// AddManual records an expense that has no document
func (s *Session) AddManual(entry ManualEntry) (*ledger.ReceiptItem, error) {
	entry.Description = strings.TrimSpace(entry.Description)
	if entry.Description == "" {
		return nil, fmt.Errorf("description is required: %w", ErrInvalidEntry)
	}
	if !entry.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive: %w", ErrInvalidEntry)
	}
	if entry.Date.IsZero() {
		return nil, fmt.Errorf("date is required: %w", ErrInvalidEntry)
	}
	category, ok := ledger.CanonicalCategory(entry.Category)
	if !ok {
		category = ledger.DefaultCategory
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	item, err := s.items.AddManual("manual-"+s.idGen.Generate(), ledger.Fields{
		Merchant:         "Manual Entry",
		Amount:           entry.Amount,
		Date:             entry.Date,
		Items:            []string{entry.Description},
		Category:         category,
		ConfidenceScore:  1,
		DetectedLanguage: "manual",
	}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.reconcile()
	return s.items.Get(item.ID)
}

// ImportStatement extracts a bank statement and replaces the session's
// transactions with it. A failed extraction leaves the current transactions
// untouched.
func (s *Session) ImportStatement(ctx context.Context, in scanning.StatementInput) ([]*ledger.Transaction, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	lines, err := s.scanner.ScanStatement(ctx, in)
	if err != nil {
		slog.Error("Failed to scan statement", "session", s.id, "error", err)
		return nil, fmt.Errorf("scanning statement: %w", err)
	}

	txs := make([]*ledger.Transaction, 0, len(lines))
	for _, l := range lines {
		txs = append(txs, &ledger.Transaction{
			ID:          s.idGen.Generate(),
			Date:        parseDate(l.Date),
			Description: l.Description,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Balance:     l.Balance,
			Category:    l.Category,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.closed {
		return nil, ErrSessionClosed
	}
	s.txs.Replace(txs)
	if n := s.rec.PruneStale(); n > 0 {
		slog.Info("Released receipts from previous statement", "session", s.id, "count", n)
	}
	s.reconcile()
	slog.Info("Imported statement", "session", s.id, "transactions", len(txs))
	return s.txs.List(), nil
}

// ManualMatch links a transaction to a receipt chosen by the user
func (s *Session) ManualMatch(txID, receiptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.rec.ManualMatch(txID, receiptID); err != nil {
		return err
	}
	s.reconcile()
	return nil
}

// UpdateCategory recategorizes a transaction and, when applyToSimilar is
// set, every similar unmatched transaction. It returns the changed IDs.
func (s *Session) UpdateCategory(txID, category string, applyToSimilar bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	updated, err := s.rec.Recategorize(txID, category, applyToSimilar)
	if err != nil {
		return nil, err
	}
	s.reconcile()
	return updated, nil
}

// SimilarTransactions lists what a bulk recategorization of txID would cover
func (s *Session) SimilarTransactions(txID string) ([]*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.rec.SimilarTransactions(txID)
}

// Reconcile runs automatic matching and returns the new pairs
func (s *Session) Reconcile() []ledger.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.reconcile()
}

// Items returns every receipt item in upload order
func (s *Session) Items() []*ledger.ReceiptItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.items.List()
}

// Item returns one receipt item
func (s *Session) Item(id string) (*ledger.ReceiptItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.items.Get(id)
}

// Transactions returns every transaction in statement order
func (s *Session) Transactions() []*ledger.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.txs.List()
}

// Expenses returns the unified expense view
func (s *Session) Expenses() []ledger.UnifiedExpense {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return ledger.Unify(s.items.List(), s.txs.List())
}

// Snapshot returns expenses and transactions read under one lock
func (s *Session) Snapshot() ([]ledger.UnifiedExpense, []*ledger.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	txs := s.txs.List()
	return ledger.Unify(s.items.List(), txs), txs
}

// Progress returns the state of the current or last batch
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// ReceiptFile returns the uploaded file of a receipt item
func (s *Session) ReceiptFile(id string) ([]byte, string, error) {
	item, err := s.Item(id)
	if err != nil {
		return nil, "", err
	}
	if item.Fields != nil && item.Fields.IsManual {
		return nil, "", fmt.Errorf("%s has no file: %w", id, ErrBlobNotFound)
	}
	data, err := s.storage.Get(s.id, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting file: %w", err)
	}
	return data, item.ContentType, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close cancels any running batch and drops the session's files
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if err := s.storage.DeleteSession(s.id); err != nil {
		return fmt.Errorf("deleting session files: %w", err)
	}
	return nil
}
