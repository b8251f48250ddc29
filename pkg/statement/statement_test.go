package statement

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var ingestedAt = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

func TestIngestCSV(t *testing.T) {
	data := "Fecha,Monto,Referencia,Cédula Pagador,Descripción,Cuenta Origen\n" +
		"15/01/2026,\"1.000,00\",conc-4521,V-12.345.678,Pago cuota 1,0102-1234\n" +
		"2026-01-16,980.00,,V-87.654.321,Transferencia,\n"

	res, err := ingest([]byte(data), ingestedAt)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("Expected no warnings, got %v", res.Warnings)
	}
	if len(res.Transactions) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(res.Transactions))
	}

	first := res.Transactions[0]
	if !first.Amount.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("Expected amount 1000, got %s", first.Amount)
	}
	if !first.TransactionDate.Equal(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected 2026-01-15, got %s", first.TransactionDate)
	}
	if first.ReferenceNumber != "CONC-4521" {
		t.Errorf("Expected upper-cased reference, got %q", first.ReferenceNumber)
	}
	if first.PayerIdentifier != "V-12.345.678" || first.Description != "Pago cuota 1" || first.OriginAccount != "0102-1234" {
		t.Errorf("Unexpected fields: %+v", first)
	}
	if first.Row != 2 || first.StatementID != res.StatementID || !first.IngestedAt.Equal(ingestedAt) {
		t.Errorf("Unexpected row metadata: %+v", first)
	}
	if res.Transactions[1].ReferenceNumber != "" {
		t.Errorf("Expected empty reference, got %q", res.Transactions[1].ReferenceNumber)
	}
}

func TestIngestDetectsDelimiter(t *testing.T) {
	tests := map[string]string{
		"semicolon": "fecha;monto;cedula_pagador\n15/01/2026;1.250,50;V123\n",
		"tab":       "fecha\tmonto\tcedula_pagador\n15/01/2026\t1250.50\tV123\n",
		"pipe":      "fecha|monto|cedula_pagador\n15/01/2026|1,250.50|V123\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			res, err := ingest([]byte(data), ingestedAt)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Transactions) != 1 {
				t.Fatalf("Expected 1 transaction, got %d (warnings %v)", len(res.Transactions), res.Warnings)
			}
			if !res.Transactions[0].Amount.Equal(decimal.RequireFromString("1250.50")) {
				t.Errorf("Expected 1250.50, got %s", res.Transactions[0].Amount)
			}
		})
	}
}

func TestIngestMissingColumnsAborts(t *testing.T) {
	data := "fecha,referencia,descripcion\n15/01/2026,ABC,x\n"

	_, err := ingest([]byte(data), ingestedAt)
	var mc *models.MissingColumnsError
	if !errors.As(err, &mc) {
		t.Fatalf("Expected MissingColumnsError, got %v", err)
	}
	if !reflect.DeepEqual(mc.Columns, []string{ColAmount, ColPayer}) {
		t.Errorf("Expected missing monto and cedula_pagador, got %v", mc.Columns)
	}
}

func TestIngestRowWarnings(t *testing.T) {
	data := strings.Join([]string{
		"fecha,monto,referencia,cedula_pagador",
		"15/01/2026,100.00,REF-1,V1",
		"not-a-date,100.00,REF-2,V1",
		"15/01/2026,0,REF-3,V1",
		"15/01/2026,-20,REF-4,V1",
		"15/01/2026,50.00,ref-1,V1",
		"15/01/2026,75.00,REF-5,",
		"",
		"16/01/2026,60.00,REF-6,V2",
	}, "\n")

	res, err := ingest([]byte(data), ingestedAt)
	if err != nil {
		t.Fatalf("A bad row must not abort the file: %v", err)
	}
	if len(res.Transactions) != 2 {
		t.Fatalf("Expected 2 good rows, got %d", len(res.Transactions))
	}
	if res.Transactions[1].Row != 9 {
		t.Errorf("Expected row numbers to follow the file lines, got %d", res.Transactions[1].Row)
	}

	want := []struct {
		row    int
		column string
	}{
		{3, ColDate},
		{4, ColAmount},
		{5, ColAmount},
		{6, ColReference},
		{7, ColPayer},
	}
	if len(res.Warnings) != len(want) {
		t.Fatalf("Expected %d warnings, got %v", len(want), res.Warnings)
	}
	for i, w := range want {
		if res.Warnings[i].Row != w.row || res.Warnings[i].Column != w.column {
			t.Errorf("warning %d: expected row %d/%s, got %s", i, w.row, w.column, res.Warnings[i])
		}
	}
	if res.Rows != 7 {
		t.Errorf("Expected 7 data rows counted, got %d", res.Rows)
	}
}

func TestIngestSpreadsheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"Fecha", "Monto", "Referencia", "Cédula Pagador"},
		{46037, 1000.5, "CONC-4521", "V12345678"},
		{"16/01/2026", "980,00", "", "V87654321"},
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		row := r
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	res, err := ingest(buf.Bytes(), ingestedAt)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if len(res.Transactions) != 2 {
		t.Fatalf("Expected 2 transactions, got %d (warnings %v)", len(res.Transactions), res.Warnings)
	}
	first := res.Transactions[0]
	if !first.TransactionDate.Equal(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected serial 46037 to be 2026-01-15, got %s", first.TransactionDate)
	}
	if !first.Amount.Equal(decimal.RequireFromString("1000.50")) {
		t.Errorf("Expected 1000.50, got %s", first.Amount)
	}
	if !res.Transactions[1].Amount.Equal(decimal.RequireFromString("980")) {
		t.Errorf("Expected 980, got %s", res.Transactions[1].Amount)
	}
}

func TestIngestEmpty(t *testing.T) {
	for _, data := range []string{"", "   \n\n", "\xef\xbb\xbf"} {
		if _, err := ingest([]byte(data), ingestedAt); !errors.Is(err, &models.ValidationError{Field: "file"}) {
			t.Errorf("%q: expected file validation error, got %v", data, err)
		}
	}
}

func TestNormalizeHeader(t *testing.T) {
	tests := map[string]string{
		"Cédula Pagador":    "cedula_pagador",
		"  DESCRIPCIÓN ":    "descripcion",
		"N° Referencia":     "n_referencia",
		"cuenta-origen":     "cuenta_origen",
		"Fecha (Operación)": "fecha_operacion",
	}
	for in, want := range tests {
		if got := NormalizeHeader(in); got != want {
			t.Errorf("NormalizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
}
