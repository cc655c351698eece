package scanning

import (
	"strings"

	"github.com/zombor/expense-tracker/internal/ledger"
)

var categoryList = strings.Join(ledger.Categories, ", ")

// receiptScanPrompt is the shared prompt used by all LLM providers for scanning receipts
var receiptScanPrompt = `You are an expert OCR and data extraction agent specializing in financial documents. Analyze the provided receipt image, which may contain text in English or Urdu.

Extract the following information:

1. **merchant_name**: The name of the business or store, usually the largest text at the top.
2. **amount**: The final total of the transaction in Pakistani Rupees (PKR), as a number.
3. **date**: The transaction date in YYYY-MM-DD format.
4. **items**: An array of strings, one per purchased item. Transliterate Urdu items to Roman Urdu (e.g. "Daal"), do not translate them.
5. **location**: The merchant address if printed on the receipt, otherwise an empty string.
6. **category**: The most relevant expense category. It must be one of: ` + categoryList + `.
7. **confidence_score**: Your confidence in the extracted data, a number between 0 and 1.
8. **detected_language**: The primary language on the receipt ("English", "Urdu" or "Mixed").

Return ONLY valid JSON in this exact format:
{
  "merchant_name": "Store Name",
  "amount": 0.00,
  "date": "YYYY-MM-DD",
  "items": ["item"],
  "location": "",
  "category": "Other",
  "confidence_score": 0.0,
  "detected_language": "English"
}

Important:
- The amount must be a number (not a string)
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// statementScanPrompt is the shared prompt used by all LLM providers for bank statements
var statementScanPrompt = `You are a financial data extraction expert specializing in Pakistani bank statements (HBL, UBL, MCB, NBP, Meezan Bank, Allied Bank). The statement may be an image, a PDF or raw text from a CSV, spreadsheet or HTML export.

Extract every transaction with these fields:
- date: the transaction date in YYYY-MM-DD format
- description: the full transaction description
- debit: the withdrawal amount as a positive number, omitted if not applicable
- credit: the deposit amount as a positive number, omitted if not applicable
- balance: the balance after the transaction, omitted if not available
- category: one of: ` + categoryList + `. Every debit MUST have a category. Credits and ATM cash withdrawals are "Other".

Common merchants: PTCL, K-Electric and SNGPL are Utilities. PSO and Total PARCO are Fuel & Transportation. Foodpanda and Cheetay are Food & Groceries.

Return ONLY valid JSON in this exact format:
{
  "transactions": [
    {"date": "YYYY-MM-DD", "description": "", "debit": 0.00, "balance": 0.00, "category": "Other"}
  ]
}

Do not include any text before or after the JSON and do not use markdown code blocks.`

// statementTextPrompt appends the raw statement text to the statement prompt
func statementTextPrompt(text string) string {
	return statementScanPrompt + "\n\nStatement Text Data:\n" + text
}
