package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/zombor/expense-tracker/internal/ledger"
)

// dateFormats are tried in order. Day-first wins over month-first since the
// statements are Pakistani.
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"02-Jan-2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"January 2, 2006",
	"2006-01-02T15:04:05Z07:00",
}

// normalizeDate returns the date in YYYY-MM-DD form, or "" if it cannot be read
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, format := range dateFormats {
		if d, err := time.Parse(format, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}

// stripFences removes Markdown code fences around a model response
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		} else {
			text = strings.TrimLeft(text, "`")
		}
	}
	if idx := strings.LastIndex(text, "```"); idx != -1 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// sliceJSON keeps the text between the first open and the last close delimiter
func sliceJSON(text string, open, close byte) (string, bool) {
	start := strings.IndexByte(text, open)
	if start == -1 {
		return "", false
	}
	end := strings.LastIndexByte(text, close)
	if end == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// normalizeCategory maps a model supplied category onto the vocabulary
func normalizeCategory(c string) string {
	if canonical, ok := ledger.CanonicalCategory(c); ok {
		return canonical
	}
	return ledger.DefaultCategory
}

// parseReceiptJSON parses the JSON response of a receipt extraction
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = stripFences(text)

	// Find the JSON object boundaries - look for first { and last }
	obj, ok := sliceJSON(text, '{', '}')
	if !ok {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var data ReceiptData
	if err := json.Unmarshal([]byte(obj), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data.Date = normalizeDate(data.Date)
	data.MerchantName = strings.TrimSpace(data.MerchantName)
	if data.MerchantName == "" {
		data.MerchantName = "Unknown Merchant"
	}
	data.Location = strings.TrimSpace(data.Location)
	data.Category = normalizeCategory(data.Category)
	data.Amount = data.Amount.Abs()

	items := data.Items[:0]
	for _, it := range data.Items {
		if it = strings.TrimSpace(it); it != "" {
			items = append(items, it)
		}
	}
	data.Items = items

	if data.ConfidenceScore < 0 {
		data.ConfidenceScore = 0
	}
	if data.ConfidenceScore > 1 {
		data.ConfidenceScore = 1
	}
	if data.DetectedLanguage == "" {
		data.DetectedLanguage = "Unknown"
	}

	return &data, nil
}

type statementEnvelope struct {
	Transactions []StatementLine `json:"transactions"`
}

// parseStatementJSON parses the JSON response of a statement extraction. Both
// {"transactions": [...]} and a bare array are accepted. Any malformed line
// fails the whole statement.
func parseStatementJSON(text string) ([]StatementLine, error) {
	text = stripFences(text)

	var lines []StatementLine
	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')
	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		arr, ok := sliceJSON(text, '[', ']')
		if !ok {
			return nil, fmt.Errorf("invalid JSON array in response")
		}
		if err := json.Unmarshal([]byte(arr), &lines); err != nil {
			return nil, fmt.Errorf("unmarshaling json: %w", err)
		}
	} else {
		obj, ok := sliceJSON(text, '{', '}')
		if !ok {
			return nil, fmt.Errorf("no JSON object found in response")
		}
		var env statementEnvelope
		if err := json.Unmarshal([]byte(obj), &env); err != nil {
			return nil, fmt.Errorf("unmarshaling json: %w", err)
		}
		lines = env.Transactions
	}

	for i := range lines {
		normalizeStatementLine(&lines[i])
	}
	return lines, nil
}

func normalizeStatementLine(l *StatementLine) {
	l.Date = normalizeDate(l.Date)
	l.Description = strings.TrimSpace(l.Description)
	if l.Debit.Valid {
		l.Debit.Decimal = l.Debit.Decimal.Abs()
	}
	if l.Credit.Valid {
		l.Credit.Decimal = l.Credit.Decimal.Abs()
	}
	// models like to fill the unused side with 0
	if l.Debit.Valid && l.Credit.Valid {
		if l.Debit.Decimal.IsZero() {
			l.Debit.Valid = false
		} else if l.Credit.Decimal.IsZero() {
			l.Credit.Valid = false
		}
	}

	isCredit := l.Credit.Valid && !l.Debit.Valid
	switch {
	case isCredit, isCashWithdrawal(l.Description):
		l.Category = ledger.DefaultCategory
	case l.Debit.Valid:
		l.Category = normalizeCategory(l.Category)
	case strings.TrimSpace(l.Category) != "":
		l.Category = normalizeCategory(l.Category)
	default:
		l.Category = ""
	}
}

func isCashWithdrawal(description string) bool {
	d := strings.ToUpper(description)
	if strings.Contains(d, "CASH WITHDRAWAL") {
		return true
	}
	words := strings.FieldsFunc(d, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if w == "ATM" {
			return true
		}
	}
	return false
}
