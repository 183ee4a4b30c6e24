// Package stream applies one compiled operation to a dataset that arrives as a sequence of
// chunks, writing each transformed chunk to a sink in input order.
//
// A session compiles and binds its operation exactly once, from the first chunk, and reuses that
// instance for every later chunk. Any failure aborts the sink so a partial output never becomes
// resolvable.
package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
	"github.com/shpitdev/tablemorph/pkg/pipeline/operation"
)

// DefaultPreviewRows is the number of leading output rows kept as a preview.
const DefaultPreviewRows = 100

// ChunkSource yields consecutive, non-overlapping row ranges of one table, in order.
// Next returns io.EOF after the last chunk. A source is read at most once.
type ChunkSource interface {
	Columns() []string
	Next(ctx context.Context) (*frame.Frame, error)
}

// Sink receives transformed chunks. The first Write carries header=true.
// The output becomes resolvable only after Finalize succeeds.
type Sink interface {
	Write(ctx context.Context, segment *frame.Frame, header bool) error
	Finalize(ctx context.Context) (string, error)
	Abort(ctx context.Context) error
}

// Planner compiles an instruction into operation parameters from a sample.
type Planner interface {
	Compile(ctx context.Context, instruction string, columns []string, sample *frame.Frame) (operation.Params, error)
}

// Observer receives session events. Implementations must be safe for concurrent sessions.
type Observer interface {
	ChunkApplied(kind operation.Kind, rows int, elapsed time.Duration)
	SessionDone(kind operation.Kind, rows int, elapsed time.Duration, err error)
}

// Result is the outcome of a finished session.
type Result struct {
	ArtifactID string
	Preview    *frame.Frame
	RowCount   int
	// Operation is nil when the input had no rows.
	Operation operation.Operation
}

// Engine runs transform sessions.
type Engine struct {
	Planner     Planner
	PreviewRows int
	Observer    Observer
	// Logf receives progress lines. Nil disables logging.
	Logf func(format string, args ...any)
}

// Run compiles instruction against the first chunk of source and streams every chunk through the
// resulting operation into sink.
func (e *Engine) Run(ctx context.Context, instruction string, source ChunkSource, sink Sink) (res Result, err error) {
	start := time.Now()
	var kind operation.Kind
	defer func() {
		if err != nil {
			if abortErr := sink.Abort(context.WithoutCancel(ctx)); abortErr != nil {
				e.logf("abort sink: %v", abortErr)
			}
		}
		if e.Observer != nil {
			e.Observer.SessionDone(kind, res.RowCount, time.Since(start), err)
		}
	}()

	first, err := source.Next(ctx)
	if errors.Is(err, io.EOF) {
		first, err = frame.New(source.Columns(), nil)
	}
	if err != nil {
		return Result{}, err
	}

	if first.Len() == 0 {
		if err := sink.Write(ctx, first, true); err != nil {
			return Result{}, err
		}
		id, err := sink.Finalize(ctx)
		if err != nil {
			return Result{}, err
		}
		e.logf("empty input: wrote header only artifact=%s", id)
		return Result{ArtifactID: id, Preview: first}, nil
	}

	params, err := e.Planner.Compile(ctx, instruction, first.Columns(), first)
	if err != nil {
		return Result{}, err
	}
	op, err := operation.Build(params)
	if err != nil {
		return Result{}, err
	}
	op, err = operation.Bind(op, first.Schema())
	if err != nil {
		return Result{}, err
	}
	kind = op.Kind()
	e.logf("compiled operation: %s", operation.Describe(op))

	previewRows := e.PreviewRows
	if previewRows <= 0 {
		previewRows = DefaultPreviewRows
	}

	rows := 0
	var preview *frame.Frame
	chunk := first
	for index := 0; ; index++ {
		chunkStart := time.Now()
		out, err := op.Apply(chunk)
		if err != nil {
			e.logf("chunk %d failed: rows=%d-%d err=%v", index, rows+1, rows+chunk.Len(), err)
			return Result{}, err
		}
		if index == 0 {
			preview = out.Head(previewRows)
		}
		if err := sink.Write(ctx, out, index == 0); err != nil {
			e.logf("chunk %d write failed: %v", index, err)
			return Result{}, err
		}
		rows += out.Len()
		if e.Observer != nil {
			e.Observer.ChunkApplied(kind, out.Len(), time.Since(chunkStart))
		}
		e.logf("chunk %d applied: rows=%d total=%d elapsed=%s", index, out.Len(), rows, time.Since(chunkStart).Round(time.Millisecond))

		chunk, err = source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.logf("chunk %d read failed: %v", index+1, err)
			return Result{}, err
		}
	}

	id, err := sink.Finalize(ctx)
	if err != nil {
		return Result{}, err
	}
	e.logf("session complete: rows=%d artifact=%s duration=%s", rows, id, time.Since(start).Round(time.Millisecond))
	return Result{ArtifactID: id, Preview: preview, RowCount: rows, Operation: op}, nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}
