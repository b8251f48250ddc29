// Package statement turns an uploaded bank statement into normalized
// BankTransactions. Spreadsheets (first sheet) and delimited text are
// accepted; columns are located by header name, not position.
package statement

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Canonical column names.
const (
	ColDate          = "fecha"
	ColAmount        = "monto"
	ColReference     = "referencia"
	ColPayer         = "cedula_pagador"
	ColDescription   = "descripcion"
	ColOriginAccount = "cuenta_origen"
)

var requiredColumns = []string{ColDate, ColAmount, ColPayer}

// aliases maps normalized header spellings seen in bank exports to the
// canonical column names.
var aliases = map[string]string{
	"fecha":             ColDate,
	"fecha_valor":       ColDate,
	"fecha_operacion":   ColDate,
	"fecha_transaccion": ColDate,
	"date":              ColDate,
	"monto":             ColAmount,
	"importe":           ColAmount,
	"abono":             ColAmount,
	"credito":           ColAmount,
	"amount":            ColAmount,
	"referencia":        ColReference,
	"ref":               ColReference,
	"nro_referencia":    ColReference,
	"n_referencia":      ColReference,
	"no_referencia":     ColReference,
	"numero_referencia": ColReference,
	"reference":         ColReference,
	"cedula_pagador":    ColPayer,
	"cedula":            ColPayer,
	"ci":                ColPayer,
	"ci_pagador":        ColPayer,
	"rif":               ColPayer,
	"cedula_rif":        ColPayer,
	"documento":         ColPayer,
	"descripcion":       ColDescription,
	"concepto":          ColDescription,
	"description":       ColDescription,
	"cuenta_origen":     ColOriginAccount,
	"cuenta":            ColOriginAccount,
	"origen":            ColOriginAccount,
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006/01/02",
	"02/01/06",
	"20060102",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	time.RFC3339,
}

// RowWarning describes a statement row that was skipped.
type RowWarning struct {
	Row     int    `json:"row"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

func (w RowWarning) String() string {
	if w.Column == "" {
		return fmt.Sprintf("row %d: %s", w.Row, w.Message)
	}
	return fmt.Sprintf("row %d, %s: %s", w.Row, w.Column, w.Message)
}

// Result is one ingested statement.
type Result struct {
	StatementID  uuid.UUID                 `json:"statement_id"`
	Transactions []*models.BankTransaction `json:"transactions"`
	Warnings     []RowWarning              `json:"warnings"`
	Rows         int                       `json:"rows"`
}

// Ingest parses a statement file. Missing required columns abort with a
// *models.MissingColumnsError; bad rows are skipped and reported as warnings.
func Ingest(data []byte) (*Result, error) {
	return ingest(data, time.Now())
}

func ingest(data []byte, now time.Time) (*Result, error) {
	records, err := readRecords(data)
	if err != nil {
		return nil, err
	}

	headerAt := -1
	for i, rec := range records {
		if !blank(rec.fields) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, &models.ValidationError{Field: "file", Message: "statement has no header row"}
	}

	columns, err := mapHeader(records[headerAt].fields)
	if err != nil {
		return nil, err
	}

	res := &Result{StatementID: uuid.New(), Transactions: []*models.BankTransaction{}, Warnings: []RowWarning{}}
	seenRefs := make(map[string]int)

	for i := headerAt + 1; i < len(records); i++ {
		rec, row := records[i].fields, records[i].line
		if blank(rec) {
			continue
		}
		res.Rows++

		field := func(col string) string {
			idx, ok := columns[col]
			if !ok || idx >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx])
		}

		var warnings []RowWarning
		warn := func(col, format string, args ...any) {
			warnings = append(warnings, RowWarning{Row: row, Column: col, Message: fmt.Sprintf(format, args...)})
		}

		date, err := parseDate(field(ColDate))
		if err != nil {
			warn(ColDate, "invalid date %q", field(ColDate))
		}

		amount, err := money.Parse(field(ColAmount))
		switch {
		case err != nil:
			warn(ColAmount, "invalid amount %q", field(ColAmount))
		case !amount.IsPositive():
			warn(ColAmount, "amount must be greater than zero, got %s", amount.StringFixed(2))
		}

		payer := field(ColPayer)
		if payer == "" {
			warn(ColPayer, "payer identifier is required")
		}

		ref := strings.ToUpper(field(ColReference))
		if ref != "" {
			if first, dup := seenRefs[ref]; dup {
				warn(ColReference, "duplicate reference %s, first seen on row %d", ref, first)
			}
		}

		if len(warnings) > 0 {
			res.Warnings = append(res.Warnings, warnings...)
			continue
		}
		if ref != "" {
			seenRefs[ref] = row
		}

		res.Transactions = append(res.Transactions, &models.BankTransaction{
			ID:              uuid.New(),
			StatementID:     res.StatementID,
			Row:             row,
			Amount:          amount,
			TransactionDate: date,
			ReferenceNumber: ref,
			PayerIdentifier: payer,
			Description:     field(ColDescription),
			OriginAccount:   field(ColOriginAccount),
			IngestedAt:      now,
		})
	}

	return res, nil
}

// record is one row of the file with its 1-based line number.
type record struct {
	line   int
	fields []string
}

func readRecords(data []byte) ([]record, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &models.ValidationError{Field: "file", Message: "statement is empty"}
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return readSpreadsheet(data)
	}
	return readDelimited(data)
}

func readSpreadsheet(data []byte) ([]record, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &models.ValidationError{Field: "file", Message: "unreadable spreadsheet: " + err.Error()}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &models.ValidationError{Field: "file", Message: "spreadsheet has no sheets"}
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	records := make([]record, len(rows))
	for i, r := range rows {
		records[i] = record{line: i + 1, fields: r}
	}
	return records, nil
}

func readDelimited(data []byte) ([]record, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = detectDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records []record
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &models.ValidationError{Field: "file", Message: "malformed delimited text: " + err.Error()}
		}
		line, _ := r.FieldPos(0)
		records = append(records, record{line: line, fields: fields})
	}
	return records, nil
}

// detectDelimiter picks the most frequent candidate separator on the header line.
func detectDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestCount := ',', 0
	for _, c := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(line, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

func mapHeader(header []string) (map[string]int, error) {
	columns := make(map[string]int)
	for i, h := range header {
		if col, ok := aliases[NormalizeHeader(h)]; ok {
			if _, dup := columns[col]; !dup {
				columns[col] = i
			}
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &models.MissingColumnsError{Columns: missing}
	}
	return columns, nil
}

// NormalizeHeader lower-cases a header, strips accents and joins words with
// underscores: "Cédula Pagador" becomes "cedula_pagador".
func NormalizeHeader(h string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, h)
	if err != nil {
		plain = h
	}

	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(plain)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return dateOnly(t), nil
		}
	}
	// Spreadsheet cells read raw carry dates as serial day numbers.
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial >= 1 && serial < 2958466 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return dateOnly(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
