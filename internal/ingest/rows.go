package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/catalog-import/internal/catalog"
)

// Required and optional header columns.
const (
	ColumnSKU         = "sku"
	ColumnName        = "name"
	ColumnDescription = "description"
)

// Row is one data line that passed the empty-field filter.
type Row struct {
	Line        int
	SKU         string
	Name        string
	Description string
}

// Candidate converts the row into a store candidate. Imported rows are
// always active.
func (r Row) Candidate() catalog.Candidate {
	return catalog.Candidate{
		SKU:         r.SKU,
		Name:        r.Name,
		Description: r.Description,
		Active:      true,
	}
}

// columns holds header positions resolved once per stream.
type columns struct {
	sku, name, description int
}

// RowReader lazily projects a CSV stream onto Rows. It is not restartable;
// open the input again for a second pass.
type RowReader struct {
	csv    *csv.Reader
	cols   *columns
	Source *CountingReader
}

// NewRowReader wraps r for BOM skipping and UTF-8 sanitizing and reads
// records one at a time.
func NewRowReader(r io.Reader) *RowReader {
	src := wrapInput(r)
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return &RowReader{csv: cr, Source: src}
}

// Next returns the next row with non-empty sku and name, or io.EOF.
// The first call validates the header and returns a *SchemaError when a
// required column is absent, including when the stream is empty.
func (rr *RowReader) Next() (Row, error) {
	if rr.cols == nil {
		if err := rr.readHeader(); err != nil {
			return Row{}, err
		}
	}

	for {
		rec, err := rr.csv.Read()
		if err == io.EOF {
			return Row{}, io.EOF
		}
		if err != nil {
			return Row{}, wrapCSVError(err)
		}

		row := Row{
			SKU:         cell(rec, rr.cols.sku),
			Name:        cell(rec, rr.cols.name),
			Description: cell(rec, rr.cols.description),
		}
		if row.SKU == "" || row.Name == "" {
			continue
		}
		row.Line, _ = rr.csv.FieldPos(0)
		return row, nil
	}
}

func (rr *RowReader) readHeader() error {
	header, err := rr.csv.Read()
	if err == io.EOF {
		return &SchemaError{Missing: []string{ColumnSKU, ColumnName}}
	}
	if err != nil {
		return wrapCSVError(err)
	}

	cols := columns{sku: -1, name: -1, description: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case ColumnSKU:
			if cols.sku < 0 {
				cols.sku = i
			}
		case ColumnName:
			if cols.name < 0 {
				cols.name = i
			}
		case ColumnDescription:
			if cols.description < 0 {
				cols.description = i
			}
		}
	}

	var missing []string
	if cols.sku < 0 {
		missing = append(missing, ColumnSKU)
	}
	if cols.name < 0 {
		missing = append(missing, ColumnName)
	}
	if len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}

	rr.cols = &cols
	return nil
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func wrapCSVError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Line: pe.StartLine, Err: pe.Err}
	}
	return fmt.Errorf("read CSV: %w", err)
}

// CountRows drains r and returns the number of rows that survive the
// empty-field filter.
func CountRows(r io.Reader) (int, error) {
	rr := NewRowReader(r)
	n := 0
	for {
		if _, err := rr.Next(); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		n++
	}
}
