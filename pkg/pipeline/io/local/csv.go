package local

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// DefaultChunkRows is the number of data rows per chunk for streamed CSV input.
const DefaultChunkRows = 50_000

// CSVSource reads a CSV table as consecutive chunks of at most chunkRows rows.
type CSVSource struct {
	cr        *csv.Reader
	columns   []string
	chunkRows int
	chunks    int
	done      bool
}

// NewCSVSource reads the header row and prepares chunked reads of the remaining rows.
func NewCSVSource(r io.Reader, chunkRows int) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "csv input has no header row")
	}
	if err != nil {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "read header: %w", err)
	}
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	return &CSVSource{cr: cr, columns: header, chunkRows: chunkRows}, nil
}

func (s *CSVSource) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Next returns the next chunk, or io.EOF once every row has been served.
// A header-only input yields one empty chunk first.
func (s *CSVSource) Next(ctx context.Context) (*frame.Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := make([][]string, 0, min(s.chunkRows, 1024))
	for len(records) < s.chunkRows {
		rec, err := s.cr.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return nil, core.Errorf(core.CodeUnsupportedInputFormat, "read row: %w", err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 && s.chunks > 0 {
		return nil, io.EOF
	}
	s.chunks++
	f, err := frame.New(s.columns, records)
	if err != nil {
		return nil, core.Errorf(core.CodeUnsupportedInputFormat, "%w", err)
	}
	return f, nil
}

// ReadCSV reads a whole CSV table into memory.
func ReadCSV(r io.Reader) (*frame.Frame, error) {
	src, err := NewCSVSource(r, math.MaxInt)
	if err != nil {
		return nil, err
	}
	f, err := src.Next(context.Background())
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return f, nil
}
