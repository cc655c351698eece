package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/ingest"
	"github.com/zombor/expense-tracker/internal/ledger"
	"github.com/zombor/expense-tracker/internal/report"
	"github.com/zombor/expense-tracker/internal/scanning"
)

// maxFormSize bounds a multipart request; per-file limits are enforced by the normalizer
const maxFormSize = 64 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeErr maps domain errors to status codes
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var extractErr *scanning.ExtractionError
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ledger.ErrItemNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ErrBlobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrReceiptLinked),
		errors.Is(err, ledger.ErrTransactionLinked),
		errors.Is(err, ledger.ErrReceiptNotMatchable),
		errors.Is(err, ledger.ErrDuplicateItem),
		errors.Is(err, ErrBatchInProgress),
		errors.Is(err, ErrSessionClosed):
		code = http.StatusConflict
	case errors.Is(err, ingest.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, scanning.ErrInvalidInput),
		errors.Is(err, ingest.ErrUnsupportedType),
		errors.Is(err, ingest.ErrEmptyFile),
		errors.Is(err, ledger.ErrEmptyCategory),
		errors.Is(err, ledger.ErrMissingFields),
		errors.Is(err, ErrInvalidEntry),
		errors.Is(err, report.ErrInvalidIncome):
		code = http.StatusBadRequest
	case errors.As(err, &extractErr):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		slog.Error("Internal error", "error", err)
	}
	writeError(w, err.Error(), code)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parseDay reads a YYYY-MM-DD date, or an RFC 3339 timestamp
func parseDay(s string) (time.Time, bool) {
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return d, true
	}
	if d, err := time.Parse(time.RFC3339, s); err == nil {
		return d, true
	}
	return time.Time{}, false
}

// handleCreateSession starts a new session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Create()
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

// handleDeleteSession closes a session and drops its files
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.PathValue("sid")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListReceipts returns every receipt item of the session
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request, sess *Session) {
	items := sess.Items()
	if items == nil {
		items = []*ledger.ReceiptItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleUploadReceipts accepts one or more files under the "files" field.
// An optional "last_modified" value (unix milliseconds) per file keeps
// re-uploads of the same file recognisable.
func (s *Server) handleUploadReceipts(w http.ResponseWriter, r *http.Request, sess *Session) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, "No files were selected. Please choose files to upload.", http.StatusBadRequest)
		return
	}
	modified := r.MultipartForm.Value["last_modified"]

	uploads := make([]ingest.Upload, 0, len(headers))
	for i, h := range headers {
		f, err := h.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "filename", h.Filename, "error", err)
			writeError(w, "Error reading file. Please try again.", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "filename", h.Filename, "error", err)
			writeError(w, "Error reading file. Please try again.", http.StatusBadRequest)
			return
		}

		var lastModified time.Time
		if i < len(modified) {
			if ms, err := strconv.ParseInt(modified[i], 10, 64); err == nil {
				lastModified = time.UnixMilli(ms).UTC()
			}
		}
		uploads = append(uploads, ingest.Upload{
			Name:         h.Filename,
			ContentType:  h.Header.Get("Content-Type"),
			LastModified: lastModified,
			Data:         data,
		})
	}

	added, rejected := sess.AddFiles(uploads)
	if added == nil {
		added = []*ledger.ReceiptItem{}
	}
	if rejected == nil {
		rejected = []ingest.Rejection{}
	}
	code := http.StatusCreated
	if len(added) == 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]any{
		"added":    added,
		"rejected": rejected,
	})
}

type manualEntryRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"`
	Category    string          `json:"category"`
}

// handleAddManual records an expense without a document
func (s *Server) handleAddManual(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req manualEntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	date, ok := parseDay(req.Date)
	if !ok {
		writeError(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	item, err := sess.AddManual(ManualEntry{
		Description: req.Description,
		Amount:      req.Amount,
		Date:        date,
		Category:    req.Category,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// handleGetReceipt returns a single receipt item
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request, sess *Session) {
	item, err := sess.Item(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleDeleteReceipt removes a receipt item in any state
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request, sess *Session) {
	if err := sess.RemoveItem(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetReceiptFile returns the uploaded file of a receipt item
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request, sess *Session) {
	data, contentType, err := sess.ReceiptFile(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

type fieldsRequest struct {
	Merchant string          `json:"merchant"`
	Amount   decimal.Decimal `json:"amount"`
	Date     string          `json:"date"`
	Items    []string        `json:"items"`
	Location string          `json:"location"`
	Category string          `json:"category"`
}

// handleAcceptReceipt accepts a verified item. A body with corrected fields
// replaces the extracted ones; an empty body accepts them as they are.
func (s *Server) handleAcceptReceipt(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Fields *fieldsRequest `json:"fields"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var fields *ledger.Fields
	if req.Fields != nil {
		current, err := sess.Item(r.PathValue("id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		date, ok := parseDay(req.Fields.Date)
		if !ok {
			writeError(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		fields = &ledger.Fields{
			Merchant: req.Fields.Merchant,
			Amount:   req.Fields.Amount,
			Date:     date,
			Items:    req.Fields.Items,
			Location: req.Fields.Location,
			Category: req.Fields.Category,
		}
		if current.Fields != nil {
			fields.ConfidenceScore = current.Fields.ConfidenceScore
			fields.DetectedLanguage = current.Fields.DetectedLanguage
		}
	}

	item, err := sess.Accept(r.PathValue("id"), fields)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleProcess starts extraction of the queued items in the background
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, sess *Session) {
	n, err := sess.StartProcessing()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

// handleProgress reports on the current batch
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, sess.Progress())
}

// handleImportStatement accepts a statement either as a multipart "file" or as
// JSON carrying a data URI under "media" or plain text under "text"
func (s *Server) handleImportStatement(w http.ResponseWriter, r *http.Request, sess *Session) {
	var in scanning.StatementInput

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxFormSize); err != nil {
			slog.Error("Error parsing multipart form", "error", err)
			writeError(w, "Error parsing form", http.StatusBadRequest)
			return
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, "No statement file was selected.", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "filename", header.Filename, "error", err)
			writeError(w, "Error reading file. Please try again.", http.StatusBadRequest)
			return
		}
		in, err = ingest.PrepareStatement(header.Filename, header.Header.Get("Content-Type"), data)
		if err != nil {
			writeErr(w, err)
			return
		}
	} else {
		var req struct {
			Media string `json:"media"`
			Text  string `json:"text"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		in.Text = req.Text
		if req.Media != "" {
			media, err := scanning.ParseDataURI(req.Media)
			if err != nil {
				writeErr(w, err)
				return
			}
			in.Media = &media
		}
	}

	txs, err := sess.ImportStatement(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// handleListTransactions returns the statement lines with their match state
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request, sess *Session) {
	txs := sess.Transactions()
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// handleUpdateCategory recategorizes a transaction, optionally with its similar ones
func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Category       string `json:"category"`
		ApplyToSimilar bool   `json:"apply_to_similar"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := sess.UpdateCategory(r.PathValue("id"), req.Category, req.ApplyToSimilar)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"updated": updated})
}

// handleSimilarTransactions previews a bulk recategorization
func (s *Server) handleSimilarTransactions(w http.ResponseWriter, r *http.Request, sess *Session) {
	txs, err := sess.SimilarTransactions(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// handleManualMatch links a transaction to a receipt chosen by the user
func (s *Server) handleManualMatch(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		ReceiptID string `json:"receipt_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.ReceiptID == "" {
		writeError(w, "receipt_id is required", http.StatusBadRequest)
		return
	}

	if err := sess.ManualMatch(r.PathValue("id"), req.ReceiptID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReconcile runs automatic matching on demand
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, sess *Session) {
	matches := sess.Reconcile()
	if matches == nil {
		matches = []ledger.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": matches})
}

// handleListExpenses returns the unified expense view
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request, sess *Session) {
	expenses := sess.Expenses()
	if expenses == nil {
		expenses = []ledger.UnifiedExpense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

// handleReport serves the read-only reports over the unified view
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, sess *Session) {
	expenses, txs := sess.Snapshot()

	switch r.PathValue("report") {
	case "summary":
		writeJSON(w, http.StatusOK, report.Summarize(expenses))
	case "vendors":
		writeJSON(w, http.StatusOK, report.Vendors(expenses))
	case "profit-loss":
		month := r.URL.Query().Get("month")
		if month == "" {
			month = report.AllMonths
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"months":    report.Months(expenses, txs),
			"statement": report.ProfitLoss(expenses, txs, month),
		})
	case "cash-flow":
		writeJSON(w, http.StatusOK, report.CashFlow(txs))
	case "tax":
		income, err := decimal.NewFromString(r.URL.Query().Get("income"))
		if err != nil {
			writeError(w, "income must be a number", http.StatusBadRequest)
			return
		}
		tax, err := report.TaxDeductions(expenses, income)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tax)
	default:
		writeError(w, "Unknown report", http.StatusNotFound)
	}
}
