package stream

import (
	"context"
	"errors"
	"io"

	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// SliceSource serves an in-memory table as chunks of at most ChunkRows rows.
// ChunkRows <= 0 serves the whole table as one chunk.
type SliceSource struct {
	Table     *frame.Frame
	ChunkRows int

	next int
	done bool
}

func (s *SliceSource) Columns() []string {
	return s.Table.Columns()
}

func (s *SliceSource) Next(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done || s.next >= s.Table.Len() {
		s.done = true
		return nil, io.EOF
	}
	size := s.ChunkRows
	if size <= 0 {
		size = s.Table.Len()
	}
	chunk := s.Table.Slice(s.next, s.next+size)
	s.next += chunk.Len()
	return chunk, nil
}

// MemorySink collects every segment into one table.
type MemorySink struct {
	// ID is returned by Finalize.
	ID string

	parts     []*frame.Frame
	finalized bool
	aborted   bool
}

func (m *MemorySink) Write(_ context.Context, segment *frame.Frame, header bool) error {
	if m.finalized || m.aborted {
		return errors.New("memory sink: write after close")
	}
	if header != (len(m.parts) == 0) {
		return errors.New("memory sink: header must be written exactly once, first")
	}
	m.parts = append(m.parts, segment)
	return nil
}

func (m *MemorySink) Finalize(context.Context) (string, error) {
	if m.aborted {
		return "", errors.New("memory sink: finalize after abort")
	}
	m.finalized = true
	return m.ID, nil
}

func (m *MemorySink) Abort(context.Context) error {
	m.aborted = true
	m.parts = nil
	return nil
}

// Aborted reports whether the session was abandoned.
func (m *MemorySink) Aborted() bool { return m.aborted }

// Table returns the concatenated output. It is only available after Finalize.
func (m *MemorySink) Table() (*frame.Frame, error) {
	if !m.finalized {
		return nil, errors.New("memory sink: not finalized")
	}
	if len(m.parts) == 0 {
		return nil, errors.New("memory sink: nothing written")
	}
	return frame.Concat(m.parts...)
}
