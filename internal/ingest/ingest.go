// Package ingest turns raw uploaded files into normalized upload records.
// Uploads arrive in unknown encodings with inconsistent headers; this
// package decodes them with a fallback chain, parses the delimited
// content and extracts the account/code identity columns.
package ingest

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"correo/internal/logging"
	"correo/internal/types"
)

// Result is a fully decoded and normalized upload.
type Result struct {
	Headers  []string // cleaned headers, original casing preserved
	Records  []types.UploadRecord
	Encoding string // encoding that actually decoded the bytes
	Hash     string // sha256 of the raw upload, for dedup and audit
}

// Delimiter aliases accepted from config and the CLI.
func resolveDelimiter(d string) (rune, error) {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "", ",", "comma":
		return ',', nil
	case ";", "semicolon":
		return ';', nil
	case "\t", "tab":
		return '\t', nil
	case "|", "pipe":
		return '|', nil
	default:
		r := []rune(d)
		if len(r) == 1 {
			return r[0], nil
		}
		return 0, fmt.Errorf("unsupported delimiter %q", d)
	}
}

// NormalizeHeader canonicalizes a column name for matching: trimmed and
// uppercased. The original casing is what lands in record values.
func NormalizeHeader(h string) string {
	return strings.ToUpper(strings.TrimSpace(h))
}

// Parse decodes and parses an uploaded delimited file. The declared
// encoding (possibly empty) is tried first; on failure the detector and
// the fixed fallback chain take over. Blank rows are skipped, short rows
// are padded with empty strings, and every cell is trimmed.
func Parse(data []byte, delimiter, declaredEncoding string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "parse upload")
	defer timer.Stop()

	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload")
	}

	decoded, usedEncoding, err := decodeWithFallback(data, declaredEncoding)
	if err != nil {
		return nil, err
	}
	// Strip a UTF-8 BOM some exporters prepend.
	text := strings.TrimPrefix(string(decoded), "\uFEFF")

	comma, err := resolveDelimiter(delimiter)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = comma
	reader.FieldsPerRecord = -1 // uploads are ragged, tolerate it
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	headerRow, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("upload has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	headers := cleanHeaders(headerRow)

	accountCol, codeCol := identityColumns(headers)

	res := &Result{
		Headers:  headers,
		Encoding: usedEncoding,
		Hash:     contentHash(data),
	}

	rowNum := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", rowNum+2, err)
		}
		rowNum++

		if isBlank(row) {
			continue
		}

		values := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				values[h] = strings.TrimSpace(row[i])
			} else {
				values[h] = ""
			}
		}

		rec := types.UploadRecord{
			Index:  len(res.Records),
			Values: values,
		}
		if accountCol != "" {
			rec.Account = values[accountCol]
		}
		if codeCol != "" {
			rec.Code = values[codeCol]
		}
		res.Records = append(res.Records, rec)
	}

	if len(res.Records) == 0 {
		return nil, fmt.Errorf("upload has a header but no data rows")
	}

	logging.Ingest("Parsed upload: %d rows, %d columns, encoding=%s account_col=%q code_col=%q",
		len(res.Records), len(headers), usedEncoding, accountCol, codeCol)
	return res, nil
}

// cleanHeaders trims headers, names blanks positionally and suffixes
// duplicates so the value map never silently drops a column.
func cleanHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("COLUMNA_%d", i+1)
		}
		key := NormalizeHeader(h)
		if n := seen[key]; n > 0 {
			h = fmt.Sprintf("%s_%d", h, n+1)
		}
		seen[key]++
		headers[i] = h
	}
	return headers
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

var (
	accountTokens = []string{"CUENTA", "ACCOUNT"}
	codeTokens    = []string{"CODIGO", "CODE"}
)

// identityColumns scans headers for the account and code columns by
// name token. First hit wins in header order; a bare ID column is the
// code fallback only when no code token matched.
func identityColumns(headers []string) (account, code string) {
	for _, h := range headers {
		norm := NormalizeHeader(h)
		if account == "" {
			for _, t := range accountTokens {
				if strings.Contains(norm, t) {
					account = h
					break
				}
			}
		}
		if code == "" {
			for _, t := range codeTokens {
				if strings.Contains(norm, t) {
					code = h
					break
				}
			}
		}
	}
	if code == "" {
		for _, h := range headers {
			if NormalizeHeader(h) == "ID" {
				code = h
				break
			}
		}
	}
	return account, code
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
