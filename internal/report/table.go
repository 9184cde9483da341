// Package report renders tabular summaries of fetched resources.
package report

import (
	"fmt"
	"io"
)

// TableSink collects one row per accepted resource, projecting a fixed set
// of top-level fields. It implements fetch.Sink.
type TableSink struct {
	headers []string
	fields  []string
	rows    [][]string
}

// NewTableSink builds a sink that projects the given top-level fields of
// every accepted resource into a row. headers and fields must have equal
// length.
func NewTableSink(headers, fields []string) *TableSink {
	if len(headers) != len(fields) {
		panic("report: headers and fields length mismatch")
	}
	return &TableSink{headers: headers, fields: fields}
}

// NewStructureDefinitionSink projects the fields shown when listing
// StructureDefinition resources.
func NewStructureDefinitionSink() *TableSink {
	return NewTableSink(
		[]string{"NAME", "TYPE", "URL"},
		[]string{"name", "type", "url"},
	)
}

// CountRow is one RESOURCE/COUNT line of a count listing.
type CountRow struct {
	Resource string
	Count    int
}

// WriteCounts renders resource-type counts as an aligned two-column table.
func WriteCounts(w io.Writer, rows []CountRow) error {
	width := len("RESOURCE")
	for _, r := range rows {
		if len(r.Resource) > width {
			width = len(r.Resource)
		}
	}
	if _, err := fmt.Fprintf(w, "%-*s  COUNT\n", width, "RESOURCE"); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-*s  %d\n", width, r.Resource, r.Count); err != nil {
			return err
		}
	}
	return nil
}

// Accept implements fetch.Sink. Missing or non-string fields render empty.
func (s *TableSink) Accept(resource map[string]any) {
	row := make([]string, len(s.fields))
	for i, f := range s.fields {
		if v, ok := resource[f].(string); ok {
			row[i] = v
		}
	}
	s.rows = append(s.rows, row)
}

// Len returns the number of collected rows.
func (s *TableSink) Len() int { return len(s.rows) }

// WriteTable renders the collected rows as aligned columns, headers first.
func (s *TableSink) WriteTable(w io.Writer) error {
	widths := make([]int, len(s.headers))
	for i, h := range s.headers {
		widths[i] = len(h)
	}
	for _, row := range s.rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writeRow := func(cells []string) error {
		for i, cell := range cells {
			sep := "  "
			if i == len(cells)-1 {
				// No trailing padding on the last column.
				if _, err := fmt.Fprintf(w, "%s\n", cell); err != nil {
					return err
				}
				break
			}
			if _, err := fmt.Fprintf(w, "%-*s%s", widths[i], cell, sep); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeRow(s.headers); err != nil {
		return err
	}
	for _, row := range s.rows {
		if err := writeRow(row); err != nil {
			return err
		}
	}
	return nil
}
