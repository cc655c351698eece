package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput marks requests that no amount of retrying will fix
var ErrInvalidInput = errors.New("invalid extraction input")

// ReceiptData contains extracted information from a receipt
type ReceiptData struct {
	MerchantName     string          `json:"merchant_name"`
	Amount           decimal.Decimal `json:"amount"`
	Date             string          `json:"date"` // YYYY-MM-DD, empty if unreadable
	Items            []string        `json:"items"`
	Location         string          `json:"location"`
	Category         string          `json:"category"`
	ConfidenceScore  float64         `json:"confidence_score"`
	DetectedLanguage string          `json:"detected_language"`
}

// StatementLine is one transaction read from a bank statement
type StatementLine struct {
	Date        string              `json:"date"` // YYYY-MM-DD, empty if unreadable
	Description string              `json:"description"`
	Debit       decimal.NullDecimal `json:"debit"`
	Credit      decimal.NullDecimal `json:"credit"`
	Balance     decimal.NullDecimal `json:"balance"`
	Category    string              `json:"category"`
}

// Media is a binary document with its MIME type
type Media struct {
	Data     []byte
	MIMEType string
}

// DataURI encodes the media as a base64 data URI
func (m Media) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", m.MIMEType, base64.StdEncoding.EncodeToString(m.Data))
}

// ParseDataURI decodes a base64 data URI
func ParseDataURI(uri string) (Media, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return Media{}, fmt.Errorf("missing data: prefix: %w", ErrInvalidInput)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Media{}, fmt.Errorf("missing payload: %w", ErrInvalidInput)
	}
	mimeType, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return Media{}, fmt.Errorf("only base64 data URIs are supported: %w", ErrInvalidInput)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Media{}, fmt.Errorf("decoding data URI: %v: %w", err, ErrInvalidInput)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Media{Data: data, MIMEType: strings.ToLower(mimeType)}, nil
}

// StatementInput carries a statement either as a document or as text.
// Exactly one of the two is set.
type StatementInput struct {
	Media *Media
	Text  string
}

// Validate checks that exactly one input shape is present
func (in StatementInput) Validate() error {
	hasMedia := in.Media != nil && len(in.Media.Data) > 0
	hasText := strings.TrimSpace(in.Text) != ""
	switch {
	case hasMedia && hasText:
		return fmt.Errorf("statement has both media and text: %w", ErrInvalidInput)
	case !hasMedia && !hasText:
		return fmt.Errorf("statement is empty: %w", ErrInvalidInput)
	}
	return nil
}

// Scanner defines the interface for document extraction operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts its fields
	ScanReceipt(ctx context.Context, media Media) (*ReceiptData, error)
	// ScanStatement extracts every transaction of a bank statement
	ScanStatement(ctx context.Context, in StatementInput) ([]StatementLine, error)
	// Close closes the scanner and releases resources
	Close() error
}
