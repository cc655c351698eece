package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// ScanReceipt analyzes a receipt and extracts its fields
func (g *Gemini) ScanReceipt(ctx context.Context, media Media) (*ReceiptData, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Receipts are single page; only the first page of a PDF is read
	pages, err := toPNGPages(media, 1)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	text, err := g.generate(ctx, genai.ImageData("png", pages[0]), genai.Text(receiptScanPrompt))
	if err != nil {
		return nil, err
	}

	data, err := parseReceiptJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}

// ScanStatement extracts the transactions of a bank statement. PDFs are sent
// as-is since Gemini reads multi-page documents natively.
func (g *Gemini) ScanStatement(ctx context.Context, in StatementInput) ([]StatementLine, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var parts []genai.Part
	switch {
	case in.Media == nil:
		parts = []genai.Part{genai.Text(statementTextPrompt(in.Text))}
	case strings.EqualFold(in.Media.MIMEType, "application/pdf"):
		parts = []genai.Part{
			genai.Blob{MIMEType: "application/pdf", Data: in.Media.Data},
			genai.Text(statementScanPrompt),
		}
	default:
		pages, err := toPNGPages(*in.Media, 1)
		if err != nil {
			return nil, err
		}
		parts = []genai.Part{genai.ImageData("png", pages[0]), genai.Text(statementScanPrompt)}
	}

	text, err := g.generate(ctx, parts...)
	if err != nil {
		return nil, err
	}

	lines, err := parseStatementJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing statement data: %w", err)
	}
	return lines, nil
}

func (g *Gemini) generate(ctx context.Context, parts ...genai.Part) (string, error) {
	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
