// Package enrich implements the seven-stage enrichment pipeline that turns a
// raw scrape CSV into persisted, estimated, certificate-matched addresses.
// Stages communicate through tabular data; the machine materialises each
// stage boundary as a CSV file for resumability.
package enrich

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Row is one tabular record keyed by column name.
type Row map[string]string

// clone returns a copy of the row.
func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is an ordered-column set of rows flowing between stages. Every key
// a stage does not explicitly drop must be carried through unchanged.
type Table struct {
	Columns []string
	Rows    []Row
}

// NewTable creates a table with the given column order.
func NewTable(columns ...string) *Table {
	return &Table{Columns: columns}
}

// HasColumn reports whether the table carries the column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AddColumns appends columns not present yet, preserving order.
func (t *Table) AddColumns(names ...string) {
	for _, n := range names {
		if !t.HasColumn(n) {
			t.Columns = append(t.Columns, n)
		}
	}
}

// ReadTable loads a CSV file into a table. An empty file yields an error; a
// header-only file yields an empty table.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()
	return ReadTableFrom(f)
}

// ReadTableFrom loads CSV from a reader.
func ReadTableFrom(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("read table: empty file (missing header)")
	}
	if err != nil {
		return nil, fmt.Errorf("read table header: %w", err)
	}

	t := &Table{Columns: header}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read table row: %w", err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Write stores the table as CSV. The header row is always written, even for
// an empty table.
func (t *Table) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create table file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		return err
	}
	for _, row := range t.Rows {
		record := make([]string, len(t.Columns))
		for i, col := range t.Columns {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
