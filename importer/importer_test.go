package importer_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-engine/importer"
	"github.com/xuri/excelize/v2"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1500000", "1500000"},
		{"Rp 1.500.000", "1500000"},
		{"Rp. 1.500.000,50", "1500000.5"},
		{"IDR 1,500,000.50", "1500000.5"},
		{"1,500,000", "1500000"},
		{"1.500", "1500"},
		{"1.5", "1.5"},
		{"1,5", "1.5"},
		{" 350000 ", "350000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := importer.ParseAmount(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	for _, in := range []string{"", "Rp", "abc", "-5000", "1.2.3,4,5"} {
		_, err := importer.ParseAmount(in)
		assert.ErrorIs(t, err, importer.ErrInvalidAmount, "input %q", in)
	}
}

func TestNormalize_AliasesAndKeys(t *testing.T) {
	// GIVEN: Rows using the Indonesian report headers and the English ones
	// WHEN: Normalizing
	// THEN: Both land on the same canonical fields

	res := importer.Normalize([]importer.RawRow{
		{Line: 2, Fields: map[string]string{
			"No Anggota":  "M-001",
			"ID Angsuran": "PJ-20240101-0001-3",
			"Keterangan":  "lunas",
			"Nominal":     "Rp 1.025.000",
		}},
		{Line: 3, Fields: map[string]string{
			"member_ref":  "M-002",
			"loan_number": "PJ-20240101-0002",
			"angsuran-ke": "4",
			"status":      "PROCESSED",
		}},
		{Line: 4, Fields: map[string]string{
			"member":      "M-003",
			"No.Pinjaman": "PJ-20240101-0003",
			"ket":         "PAID",
		}},
	})

	require.Empty(t, res.Errors)
	require.Len(t, res.Rows, 3)

	first := res.Rows[0]
	assert.Equal(t, 2, first.Line)
	assert.EqualValues(t, "M-001", first.MemberRef)
	assert.Equal(t, "PJ-20240101-0001-3", first.CompositeID)
	assert.Equal(t, "lunas", first.StatusToken, "token classification belongs to the matcher")
	require.NotNil(t, first.Amount)
	assert.True(t, first.Amount.Equal(decimal.NewFromInt(1_025_000)))

	assert.Equal(t, "PJ-20240101-0002-4", res.Rows[1].CompositeID, "loan number + sequence build the key")
	assert.Nil(t, res.Rows[1].Amount)

	assert.Empty(t, res.Rows[2].CompositeID, "loan number alone is left for fallback")
	assert.Equal(t, "PJ-20240101-0003", res.Rows[2].LoanNumber)
}

func TestNormalize_RejectsBadRows(t *testing.T) {
	res := importer.Normalize([]importer.RawRow{
		{Line: 2, Fields: map[string]string{"kode": "PJ-1-1"}},
		{Line: 3, Fields: map[string]string{"status": "PAID", "member": "M-1"}},
		{Line: 4, Fields: map[string]string{"status": "PAID", "loan_number": "PJ-1", "sequence": "zero"}},
		{Line: 5, Fields: map[string]string{"status": "PAID", "kode": "PJ-1-1", "jumlah": "lots"}},
		{Line: 6, Fields: map[string]string{"status": " ", "kode": ""}},
		{Line: 7, Fields: map[string]string{"status": "PAID", "kode": "PJ-1-2"}},
	})

	require.Len(t, res.Rows, 1)
	assert.Equal(t, 7, res.Rows[0].Line)

	require.Len(t, res.Errors, 4, "blank line 6 is dropped, not reported")
	assert.Equal(t, importer.RowError{Line: 2, Field: "status", Reason: "missing"}, res.Errors[0])
	assert.Equal(t, 3, res.Errors[1].Line)
	assert.Equal(t, "sequence", res.Errors[2].Field)
	assert.Equal(t, "amount", res.Errors[3].Field)
	assert.Contains(t, res.Errors[3].Error(), "line 5")
}

func TestReadCSV(t *testing.T) {
	csvData := "No Anggota;ID Angsuran;Keterangan;Nominal\n" +
		"M-001;PJ-20240101-0001-1;LUNAS;1.025.000\n" +
		"M-001;PJ-20240101-0001-2;PROCESSED;\n"

	raw, err := importer.ReadCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, 2, raw[0].Line)
	assert.Equal(t, "PJ-20240101-0001-1", raw[0].Fields["ID Angsuran"])

	res := importer.Normalize(raw)
	require.Len(t, res.Rows, 2)
	assert.True(t, res.Rows[0].Amount.Equal(decimal.NewFromInt(1_025_000)))
}

func TestReadXLSX(t *testing.T) {
	// GIVEN: A workbook built the way the bank exports it
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Kode", "Status", "Jumlah"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"PJ-20240101-0001-1", "LUNAS", 1025000}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"PJ-20240101-0001-2", "processed", "Rp 1.025.000"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	// WHEN: Reading it through the extension dispatcher
	raw, err := importer.Read(buf, "payments.xlsx")
	require.NoError(t, err)

	// THEN: Both data rows normalize with their sheet line numbers
	res := importer.Normalize(raw)
	require.Empty(t, res.Errors)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 3, res.Rows[1].Line)
	assert.True(t, res.Rows[0].Amount.Equal(decimal.NewFromInt(1_025_000)))
	assert.True(t, res.Rows[1].Amount.Equal(decimal.NewFromInt(1_025_000)))
}

func TestReadJSON_NumbersKeepTheirText(t *testing.T) {
	raw, err := importer.ReadJSON(strings.NewReader(`[
		{"composite_id": "PJ-20240101-0001-1", "status": "PAID", "amount": 1025000},
		{"composite_id": "PJ-20240101-0001-2", "status": "PAID", "amount": null}
	]`))
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, "1025000", raw[0].Fields["amount"])
	_, present := raw[1].Fields["amount"]
	assert.False(t, present)
}

func TestRead_FormatErrors(t *testing.T) {
	_, err := importer.Read(strings.NewReader("x"), "payments.pdf")
	assert.ErrorIs(t, err, importer.ErrUnsupportedFormat)
	assert.True(t, importer.IsFormatError(err))

	_, err = importer.ReadCSV(strings.NewReader(""))
	assert.ErrorIs(t, err, importer.ErrNoHeader)

	_, err = importer.ReadXLSX(strings.NewReader("not a zip"))
	assert.ErrorIs(t, err, importer.ErrMalformedFile)
}
