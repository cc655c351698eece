package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/zombor/expense-tracker/internal/scanning"
)

// PrepareStatement picks the input shape the extractor receives for a
// statement file. Text formats and spreadsheets go as text, images and real
// PDFs as media.
func PrepareStatement(name, contentType string, data []byte) (scanning.StatementInput, error) {
	if len(data) == 0 {
		return scanning.StatementInput{}, ErrEmptyFile
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = strings.TrimSpace(ct[:i])
	}
	ext := strings.ToLower(filepath.Ext(name))

	switch {
	case ct == "text/html" || ext == ".html" || ext == ".htm":
		return textInput(data), nil
	case ct == "text/csv" || ext == ".csv":
		return textInput(data), nil
	case ext == ".xlsx" || strings.Contains(ct, "spreadsheetml"):
		text, err := xlsxToCSV(data)
		if err != nil {
			return scanning.StatementInput{}, err
		}
		return scanning.StatementInput{Text: text}, nil
	case ext == ".xls" || strings.Contains(ct, "excel"):
		text, err := xlsToCSV(data)
		if err != nil {
			return scanning.StatementInput{}, err
		}
		return scanning.StatementInput{Text: text}, nil
	case strings.HasPrefix(ct, "image/"):
		return mediaInput(data, ct), nil
	case ct == "application/pdf" || ext == ".pdf":
		if isHTMLLike(data) {
			return textInput(data), nil
		}
		return mediaInput(data, "application/pdf"), nil
	}

	if utf8.Valid(data) {
		return textInput(data), nil
	}
	return scanning.StatementInput{}, fmt.Errorf("%s: %w", name, ErrUnsupportedType)
}

func textInput(data []byte) scanning.StatementInput {
	return scanning.StatementInput{Text: string(data)}
}

func mediaInput(data []byte, mimeType string) scanning.StatementInput {
	return scanning.StatementInput{Media: &scanning.Media{Data: data, MIMEType: mimeType}}
}

// isHTMLLike catches bank exports that are HTML saved with a .pdf name
func isHTMLLike(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	s := strings.ToLower(strings.TrimSpace(string(head)))
	return strings.HasPrefix(s, "<!doctype html") || strings.HasPrefix(s, "<html>")
}

// xlsxToCSV flattens every sheet of an XLSX workbook into CSV text
func xlsxToCSV(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("opening xlsx: %v: %w", err, ErrUnsupportedType)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		for _, row := range rows {
			if blankRow(row) {
				continue
			}
			if err := w.Write(row); err != nil {
				return "", fmt.Errorf("writing csv: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("writing csv: %w", err)
	}
	return buf.String(), nil
}

// xlsToCSV flattens every sheet of a legacy XLS workbook into CSV text
func xlsToCSV(data []byte) (text string, err error) {
	// the xls reader panics on some truncated workbooks
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("reading xls: %v: %w", r, ErrUnsupportedType)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return "", fmt.Errorf("opening xls: %v: %w", err, ErrUnsupportedType)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				continue
			}
			cells := make([]string, 0, row.LastCol())
			for c := row.FirstCol(); c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			if blankRow(cells) {
				continue
			}
			if err := w.Write(cells); err != nil {
				return "", fmt.Errorf("writing csv: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("writing csv: %w", err)
	}
	return buf.String(), nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
