package importer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Read parses a payment file, picking the reader from the file extension.
func Read(r io.Reader, filename string) ([]RawRow, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ReadCSV(r)
	case ".xlsx", ".xlsm":
		return ReadXLSX(r)
	case ".json":
		return ReadJSON(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
	}
}

// ReadCSV reads a CSV export whose first record is the header. Both ","
// and ";" delimited files are accepted.
func ReadCSV(r io.Reader) ([]RawRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if firstLine, _, _ := strings.Cut(string(data), "\n"); strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
		cr.Comma = ';'
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: csv: %w", ErrMalformedFile, err)
	}
	return FromTable(records)
}

// ReadXLSX reads the first sheet of a workbook whose first row is the header.
func ReadXLSX(r io.Reader) ([]RawRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: xlsx: %w", ErrMalformedFile, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrNoHeader
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	return FromTable(rows)
}

// ReadJSON reads an array of objects. Non-string values are formatted with
// their JSON text, so numeric amounts survive unchanged.
func ReadJSON(r io.Reader) ([]RawRow, error) {
	var objects []map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&objects); err != nil {
		return nil, fmt.Errorf("%w: json: %w", ErrMalformedFile, err)
	}

	out := make([]RawRow, 0, len(objects))
	for i, obj := range objects {
		fields := make(map[string]string, len(obj))
		for k, raw := range obj {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				fields[k] = s
				continue
			}
			if v := strings.TrimSpace(string(raw)); v != "null" {
				fields[k] = v
			}
		}
		out = append(out, RawRow{Line: i + 1, Fields: fields})
	}
	return out, nil
}

// FromTable turns a header row plus records into RawRows. Record i of the
// table is reported as line i+1.
func FromTable(records [][]string) ([]RawRow, error) {
	if len(records) == 0 || isBlank(records[0]) {
		return nil, ErrNoHeader
	}
	header := records[0]

	out := make([]RawRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		fields := make(map[string]string, len(header))
		for col, name := range header {
			name = strings.TrimSpace(name)
			if name == "" || col >= len(rec) {
				continue
			}
			fields[name] = rec[col]
		}
		out = append(out, RawRow{Line: i + 2, Fields: fields})
	}
	return out, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// IsFormatError reports whether err came from an unreadable or unsupported
// file rather than from I/O.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrNoHeader) || errors.Is(err, ErrMalformedFile)
}
