/*
Package importer converts external payment files into lending.ImportRow.

PURPOSE:
  Payment reports arrive as spreadsheets, CSV exports or JSON from other
  tools, with column names that drift between sources ("No Pinjaman",
  "loan_number", "Kode"...). This package is the only place that knows
  about that mess. Everything that leaves it is a canonical ImportRow;
  anything that cannot be normalized is reported as a RowError and never
  reaches the matcher.

COLUMN ALIASES:
  member       member, member_ref, member_id, no_anggota, anggota
  loan_number  loan_number, loan_no, no_pinjaman, nomor_pinjaman
  composite_id composite_id, installment_code, id_angsuran, kode, kode_angsuran
  status       status, status_token, keterangan, ket
  amount       amount, nominal, jumlah, jumlah_bayar
  sequence     sequence, installment_no, angsuran_ke, cicilan_ke

  Header names are matched case-insensitively after trimming and turning
  spaces, dots and dashes into underscores.

ROW RULES:
  - Blank rows are dropped silently.
  - status is required.
  - composite_id wins; otherwise loan_number + sequence build one;
    otherwise loan_number alone is kept for the matcher's fallback.
  - A row with neither composite_id nor loan_number is rejected.
  - amount is optional; "Rp 1.500.000", "1,500,000.00" and "1500000"
    all parse to the same value.

USAGE:
  raw, err := importer.Read(file, header.Filename)
  if err != nil {
      return err
  }
  res := importer.Normalize(raw)
  outcome, err := matcher.Reconcile(ctx, res.Rows)

SEE ALSO:
  - lending/reconcile.go: what happens to the rows next
*/
package importer

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-engine/lending"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoHeader          = errors.New("file has no header row")
	ErrMalformedFile     = errors.New("malformed file")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// =============================================================================
// TYPES
// =============================================================================

// RawRow is one source row keyed by its original column header. Line is
// the 1-based line in the source file (the header is line 1).
type RawRow struct {
	Line   int               `json:"line"`
	Fields map[string]string `json:"fields"`
}

// RowError explains why a row was rejected.
type RowError struct {
	Line   int    `json:"line"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Reason)
}

// Result is the output of Normalize.
type Result struct {
	Rows   []lending.ImportRow `json:"rows"`
	Errors []RowError          `json:"errors"`
}

// =============================================================================
// COLUMN ALIASES
// =============================================================================

const (
	fieldMember      = "member"
	fieldLoanNumber  = "loan_number"
	fieldCompositeID = "composite_id"
	fieldStatus      = "status"
	fieldAmount      = "amount"
	fieldSequence    = "sequence"
)

var aliases = map[string]string{
	"member":     fieldMember,
	"member_ref": fieldMember,
	"member_id":  fieldMember,
	"no_anggota": fieldMember,
	"anggota":    fieldMember,

	"loan_number":    fieldLoanNumber,
	"loan_no":        fieldLoanNumber,
	"no_pinjaman":    fieldLoanNumber,
	"nomor_pinjaman": fieldLoanNumber,

	"composite_id":     fieldCompositeID,
	"installment_code": fieldCompositeID,
	"id_angsuran":      fieldCompositeID,
	"kode":             fieldCompositeID,
	"kode_angsuran":    fieldCompositeID,

	"status":       fieldStatus,
	"status_token": fieldStatus,
	"keterangan":   fieldStatus,
	"ket":          fieldStatus,

	"amount":       fieldAmount,
	"nominal":      fieldAmount,
	"jumlah":       fieldAmount,
	"jumlah_bayar": fieldAmount,

	"sequence":       fieldSequence,
	"installment_no": fieldSequence,
	"angsuran_ke":    fieldSequence,
	"cicilan_ke":     fieldSequence,
}

var headerReplacer = strings.NewReplacer(" ", "_", ".", "_", "-", "_")

// canonicalField maps a source header to its canonical field name, or "".
func canonicalField(header string) string {
	key := headerReplacer.Replace(strings.ToLower(strings.TrimSpace(header)))
	for strings.Contains(key, "__") {
		key = strings.ReplaceAll(key, "__", "_")
	}
	return aliases[strings.Trim(key, "_")]
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// Normalize maps raw rows onto canonical ImportRows. Rows are returned in
// source order; rejected rows are listed in Errors in the same order.
func Normalize(raw []RawRow) Result {
	res := Result{Rows: []lending.ImportRow{}, Errors: []RowError{}}
	for _, r := range raw {
		row, rowErr, keep := normalizeRow(r)
		switch {
		case rowErr != nil:
			res.Errors = append(res.Errors, *rowErr)
		case keep:
			res.Rows = append(res.Rows, row)
		}
	}
	return res
}

func normalizeRow(r RawRow) (lending.ImportRow, *RowError, bool) {
	fields := make(map[string]string, len(r.Fields))
	blank := true

	// Deterministic when two headers alias the same field: first non-empty
	// header in sorted order wins.
	headers := make([]string, 0, len(r.Fields))
	for h := range r.Fields {
		headers = append(headers, h)
	}
	sort.Strings(headers)
	for _, h := range headers {
		v := strings.TrimSpace(r.Fields[h])
		if v == "" {
			continue
		}
		blank = false
		if f := canonicalField(h); f != "" && fields[f] == "" {
			fields[f] = v
		}
	}
	if blank {
		return lending.ImportRow{}, nil, false
	}

	fail := func(field, reason string) (lending.ImportRow, *RowError, bool) {
		return lending.ImportRow{}, &RowError{Line: r.Line, Field: field, Reason: reason}, false
	}

	row := lending.ImportRow{
		Line:        r.Line,
		MemberRef:   lending.MemberRef(fields[fieldMember]),
		LoanNumber:  fields[fieldLoanNumber],
		CompositeID: fields[fieldCompositeID],
		StatusToken: fields[fieldStatus],
	}

	if row.StatusToken == "" {
		return fail(fieldStatus, "missing")
	}

	if row.CompositeID == "" && row.LoanNumber != "" && fields[fieldSequence] != "" {
		seq, err := strconv.Atoi(fields[fieldSequence])
		if err != nil || seq < 1 {
			return fail(fieldSequence, fmt.Sprintf("not a positive integer: %q", fields[fieldSequence]))
		}
		row.CompositeID = lending.CompositeID(row.LoanNumber, seq)
	}
	if row.CompositeID == "" && row.LoanNumber == "" {
		return fail("", "neither composite id nor loan number present")
	}

	if s := fields[fieldAmount]; s != "" {
		amount, err := ParseAmount(s)
		if err != nil {
			return fail(fieldAmount, err.Error())
		}
		row.Amount = &amount
	}
	return row, nil, true
}

// ParseAmount parses a money amount as written in payment reports. It
// accepts an optional "Rp"/"IDR" prefix and either "." or "," as thousands
// separator.
func ParseAmount(s string) (decimal.Decimal, error) {
	orig := s
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for _, prefix := range []string{"RP.", "RP", "IDR"} {
		if strings.HasPrefix(upper, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
	}

	dots, commas := strings.Count(s, "."), strings.Count(s, ",")
	switch {
	case dots > 0 && commas > 0:
		// The separator that comes last is the decimal point.
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots == 1 && isThousandsGroup(s, "."):
		s = strings.Replace(s, ".", "", 1)
	case commas == 1 && isThousandsGroup(s, ","):
		s = strings.Replace(s, ",", "", 1)
	case commas == 1:
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %q", ErrInvalidAmount, orig)
	}
	return d, nil
}

// isThousandsGroup reports whether the single separator sep is followed by
// exactly three digits ("1.500" is fifteen hundred, "1.5" is one and a half).
func isThousandsGroup(s, sep string) bool {
	i := strings.Index(s, sep)
	return i > 0 && len(s)-i-1 == 3
}
