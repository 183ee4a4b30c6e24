// Package frame is the in-memory tabular value that flows through a transform session.
//
// A Frame stores the raw text of every cell so that cells an operation does not touch are
// written back exactly as they were read. Column kinds are inferred from content.
package frame

import (
	"fmt"
	"strings"
)

// Column is one named column of raw cell text.
type Column struct {
	Name   string
	Kind   Kind
	Values []string
}

// Frame is an ordered set of equally long columns.
type Frame struct {
	cols  []*Column
	index map[string]int
	rows  int
}

// New builds a frame from a header and row-major records. Short records are padded with empty
// cells; records longer than the header are rejected.
func New(columns []string, records [][]string) (*Frame, error) {
	index := make(map[string]int, len(columns))
	cols := make([]*Column, len(columns))
	for i, name := range columns {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("column %d has an empty name", i)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		index[name] = i
		cols[i] = &Column{Name: name, Values: make([]string, len(records))}
	}
	for r, rec := range records {
		if len(rec) > len(columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", r+1, len(rec), len(columns))
		}
		for c, v := range rec {
			cols[c].Values[r] = v
		}
	}
	for _, col := range cols {
		col.Kind = InferKind(col.Values)
	}
	return &Frame{cols: cols, index: index, rows: len(records)}, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return f.rows
}

// Columns returns the ordered column names.
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.cols))
	for i, c := range f.cols {
		out[i] = c.Name
	}
	return out
}

// Column returns the named column.
func (f *Frame) Column(name string) (*Column, bool) {
	if f == nil {
		return nil, false
	}
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.cols[i], true
}

// Schema snapshots the kind of every column.
func (f *Frame) Schema() Schema {
	s := make(Schema, len(f.cols))
	for _, c := range f.cols {
		s[c.Name] = c.Kind
	}
	return s
}

// Slice returns rows [i, j) as a new frame sharing no cell storage with f.
func (f *Frame) Slice(i, j int) *Frame {
	if i < 0 {
		i = 0
	}
	if j > f.rows {
		j = f.rows
	}
	if j < i {
		j = i
	}
	out := &Frame{cols: make([]*Column, len(f.cols)), index: f.index, rows: j - i}
	for k, c := range f.cols {
		vals := make([]string, j-i)
		copy(vals, c.Values[i:j])
		out.cols[k] = &Column{Name: c.Name, Kind: InferKind(vals), Values: vals}
	}
	return out
}

// Head returns the first n rows.
func (f *Frame) Head(n int) *Frame {
	return f.Slice(0, n)
}

// Clone deep-copies f, keeping column kinds.
func (f *Frame) Clone() *Frame {
	out := &Frame{cols: make([]*Column, len(f.cols)), index: f.index, rows: f.rows}
	for k, c := range f.cols {
		vals := make([]string, len(c.Values))
		copy(vals, c.Values)
		out.cols[k] = &Column{Name: c.Name, Kind: c.Kind, Values: vals}
	}
	return out
}

// Records returns the rows in row-major order.
func (f *Frame) Records() [][]string {
	out := make([][]string, f.rows)
	for r := range out {
		rec := make([]string, len(f.cols))
		for c, col := range f.cols {
			rec[c] = col.Values[r]
		}
		out[r] = rec
	}
	return out
}

// Concat appends frames row-wise. All frames must have the same columns in the same order.
func Concat(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("concat: no frames")
	}
	columns := frames[0].Columns()
	var records [][]string
	for i, f := range frames {
		if !sameColumns(columns, f.Columns()) {
			return nil, fmt.Errorf("concat: frame %d columns %v differ from %v", i, f.Columns(), columns)
		}
		records = append(records, f.Records()...)
	}
	return New(columns, records)
}

// Equal reports whether a and b have the same columns and cell text, ignoring kinds.
func Equal(a, b *Frame) bool {
	if a.Len() != b.Len() || !sameColumns(a.Columns(), b.Columns()) {
		return false
	}
	for i, c := range a.cols {
		for r, v := range c.Values {
			if b.cols[i].Values[r] != v {
				return false
			}
		}
	}
	return true
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
