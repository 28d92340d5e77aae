package format

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Table rewrites every cell of a delimited text table.
type Table struct {
	name  string
	exts  []string
	comma rune
}

// CSV returns the comma-separated table handler.
func CSV() Table {
	return Table{name: "csv", exts: []string{".csv"}, comma: ','}
}

// TSV returns the tab-separated table handler.
func TSV() Table {
	return Table{name: "tsv", exts: []string{".tsv"}, comma: '\t'}
}

// Name returns "csv" or "tsv".
func (t Table) Name() string { return t.name }

// Extensions returns the handled extensions.
func (t Table) Extensions() []string { return t.exts }

// Rewrite applies fn to every cell, header row included. Rows may have
// different lengths and quotes are parsed leniently.
func (t Table) Rewrite(data []byte, fn RewriteFunc) ([]byte, bool, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = t.comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", t.name, err)
	}

	altered := false
	for _, rec := range records {
		for i, cell := range rec {
			s, changed, err := fn(cell)
			if err != nil {
				return nil, false, err
			}
			if changed {
				rec[i] = s
				altered = true
			}
		}
	}
	if !altered {
		return data, false, nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = t.comma
	if err := w.WriteAll(records); err != nil {
		return nil, false, fmt.Errorf("%s: %w", t.name, err)
	}
	return buf.Bytes(), true, nil
}
