// Package app wires the session engine to its inputs and outputs: uploaded files for the HTTP API,
// local files for the CLI, and Foundry datasets for pipeline mode and compute-module jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/shpitdev/tablemorph/internal/artifact"
	"github.com/shpitdev/tablemorph/internal/config"
	"github.com/shpitdev/tablemorph/pkg/pipeline/compiler"
	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
	localio "github.com/shpitdev/tablemorph/pkg/pipeline/io/local"
	"github.com/shpitdev/tablemorph/pkg/pipeline/operation"
	"github.com/shpitdev/tablemorph/pkg/pipeline/stream"
)

// Options sizes sessions. Zero values fall back to the package defaults.
type Options struct {
	ChunkRows      int
	PreviewRows    int
	SampleRows     int
	LargeFileBytes int64
	// MaxRetries is the inference retry budget, used only to annotate trace logs.
	MaxRetries int
	// OutputFilename names the file written into Foundry output datasets.
	OutputFilename string
}

// Service runs transform sessions. One Service is shared by every session; sessions share no
// mutable state beyond the artifact store, observer and the inferrer's rate limiter.
type Service struct {
	Inferrer compiler.Inferrer
	// Artifacts receives the output of streamed uploads. Required for Process on large CSVs.
	Artifacts *artifact.Store
	Observer  stream.Observer
	Logger    *log.Logger
	Options   Options
}

// Outcome is the result of Process.
type Outcome struct {
	// Streamed is true when the output went to an artifact instead of being returned whole.
	Streamed   bool
	Table      *frame.Frame
	Preview    *frame.Frame
	RowCount   int
	ArtifactID string
	Operation  operation.Operation
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.New(os.Stdout, "", log.LstdFlags)
}

// session builds the engine for one run; every log line carries run=<id>.
func (s *Service) session() (*stream.Engine, func(format string, args ...any)) {
	logger := s.logger()
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	logf := func(format string, args ...any) {
		prefix := make([]any, 0, len(args)+1)
		prefix = append(prefix, runID)
		prefix = append(prefix, args...)
		logger.Printf("run=%s "+format, prefix...)
	}
	return &stream.Engine{
		Planner: &compiler.Compiler{
			Inferrer:   newTracedInferrer(s.Inferrer, logf, s.Options.MaxRetries),
			SampleRows: s.Options.SampleRows,
		},
		PreviewRows: s.Options.PreviewRows,
		Observer:    s.Observer,
		Logf:        logf,
	}, logf
}

func (s *Service) largeFileBytes() int64 {
	if s.Options.LargeFileBytes > 0 {
		return s.Options.LargeFileBytes
	}
	return config.DefaultLargeFileBytes
}

// Process transforms an uploaded file. Inputs up to the large-file threshold are transformed in
// memory and returned whole; larger CSVs are streamed chunk by chunk into a new artifact.
func (s *Service) Process(ctx context.Context, instruction, name string, r io.Reader, size int64) (Outcome, error) {
	format, err := localio.Detect(name)
	if err != nil {
		return Outcome{}, err
	}
	if size > s.largeFileBytes() {
		if format != localio.FormatCSV {
			return Outcome{}, core.Errorf(core.CodeUnsupportedInputFormat, "large-file streaming supports only CSV input")
		}
		return s.processStreamed(ctx, instruction, r)
	}

	var table *frame.Frame
	switch format {
	case localio.FormatXLSX:
		table, err = localio.ReadXLSX(r)
	default:
		table, err = localio.ReadCSV(r)
	}
	if err != nil {
		return Outcome{}, err
	}
	return s.processInMemory(ctx, instruction, table)
}

func (s *Service) processInMemory(ctx context.Context, instruction string, table *frame.Frame) (Outcome, error) {
	engine, logf := s.session()
	logf("session start: mode=memory rows=%d columns=%d", table.Len(), len(table.Columns()))

	sink := &stream.MemorySink{}
	res, err := engine.Run(ctx, instruction, &stream.SliceSource{Table: table}, sink)
	if err != nil {
		return Outcome{}, err
	}
	out, err := sink.Table()
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Table: out, Preview: res.Preview, RowCount: res.RowCount, Operation: res.Operation}, nil
}

func (s *Service) processStreamed(ctx context.Context, instruction string, r io.Reader) (Outcome, error) {
	if s.Artifacts == nil {
		return Outcome{}, errors.New("artifact store is not configured")
	}
	engine, logf := s.session()

	src, err := localio.NewCSVSource(r, s.Options.ChunkRows)
	if err != nil {
		return Outcome{}, err
	}
	sink, err := s.Artifacts.NewSink(ctx)
	if err != nil {
		return Outcome{}, err
	}
	logf("session start: mode=stream artifact=%s", sink.ID())

	res, err := engine.Run(ctx, instruction, src, sink)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Streamed:   true,
		Preview:    res.Preview,
		RowCount:   res.RowCount,
		ArtifactID: res.ArtifactID,
		Operation:  res.Operation,
	}, nil
}

// RunLocal transforms a local CSV or XLSX file into a CSV at outputPath. CSV input is streamed;
// outputPath is only replaced when the session succeeds.
func (s *Service) RunLocal(ctx context.Context, instruction, inputPath, outputPath string) (stream.Result, error) {
	format, err := localio.Detect(inputPath)
	if err != nil {
		return stream.Result{}, err
	}
	inF, err := os.Open(inputPath)
	if err != nil {
		return stream.Result{}, err
	}
	defer func() {
		_ = inF.Close()
	}()

	var src stream.ChunkSource
	switch format {
	case localio.FormatXLSX:
		table, err := localio.ReadXLSX(inF)
		if err != nil {
			return stream.Result{}, err
		}
		src = &stream.SliceSource{Table: table, ChunkRows: s.Options.ChunkRows}
	default:
		csvSrc, err := localio.NewCSVSource(inF, s.Options.ChunkRows)
		if err != nil {
			return stream.Result{}, err
		}
		src = csvSrc
	}

	engine, logf := s.session()
	logf("local run start: input=%s output=%s", inputPath, outputPath)
	sink := &localio.FileSink{Path: outputPath}
	res, err := engine.Run(ctx, instruction, src, sink)
	if err != nil {
		return stream.Result{}, err
	}
	logf("local run complete: rows=%d digest=%s", res.RowCount, sink.Digest())
	return res, nil
}
