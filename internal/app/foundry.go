package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shpitdev/tablemorph/pkg/foundry"
	"github.com/shpitdev/tablemorph/pkg/foundry/keepalive"
	foundryio "github.com/shpitdev/tablemorph/pkg/pipeline/io/foundry"
	"github.com/shpitdev/tablemorph/pkg/pipeline/operation"
	"github.com/shpitdev/tablemorph/pkg/pipeline/stream"
)

const (
	DefaultInputAlias  = "input"
	DefaultOutputAlias = "output"
)

// FoundryResult describes one committed Foundry run.
type FoundryResult struct {
	TransactionRID string `json:"transaction_rid"`
	RowCount       int    `json:"row_count"`
	// Operation is the compiled operation as key:value lines; empty when the input had no rows.
	Operation string `json:"operation,omitempty"`
}

// RunFoundry streams the dataset behind q.Input through one compiled operation into the dataset
// behind q.Output. The output is written in a single transaction that only commits on success.
func (s *Service) RunFoundry(ctx context.Context, env foundry.Env, client foundryio.Datasets, q keepalive.TransformQuery) (FoundryResult, error) {
	inputAlias := strings.TrimSpace(q.Input)
	if inputAlias == "" {
		inputAlias = DefaultInputAlias
	}
	outputAlias := strings.TrimSpace(q.Output)
	if outputAlias == "" {
		outputAlias = DefaultOutputAlias
	}
	inputRef, err := env.Resolve(inputAlias)
	if err != nil {
		return FoundryResult{}, err
	}
	outputRef, err := env.Resolve(outputAlias)
	if err != nil {
		return FoundryResult{}, err
	}

	engine, logf := s.session()
	runStart := time.Now()
	logf(
		"foundry run start: input=%s@%s output=%s@%s chunkRows=%d maxRetries=%d",
		inputRef.RID,
		inputRef.Branch,
		outputRef.RID,
		outputRef.Branch,
		s.Options.ChunkRows,
		s.Options.MaxRetries,
	)

	src, err := foundryio.OpenSource(ctx, client, inputRef, s.Options.ChunkRows)
	if err != nil {
		return FoundryResult{}, fmt.Errorf("open input dataset: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	sink := &foundryio.Sink{Client: client, Ref: outputRef, Filename: s.Options.OutputFilename}
	res, err := engine.Run(ctx, q.Instruction, src, sink)
	if err != nil {
		return FoundryResult{}, err
	}
	logf(
		"foundry run complete: rows=%d transaction=%s digest=%s totalDuration=%s",
		res.RowCount,
		res.ArtifactID,
		sink.Digest(),
		time.Since(runStart).Round(time.Millisecond),
	)
	return foundryResult(res), nil
}

func foundryResult(res stream.Result) FoundryResult {
	out := FoundryResult{TransactionRID: res.ArtifactID, RowCount: res.RowCount}
	if res.Operation != nil {
		out.Operation = operation.Describe(res.Operation)
	}
	return out
}

// HandleJob adapts RunFoundry to the compute-module job loop. Each job carries its own
// instruction; the posted result is the JSON-encoded FoundryResult.
func (s *Service) HandleJob(env foundry.Env, client foundryio.Datasets) keepalive.Handler {
	return func(ctx context.Context, job keepalive.Job) ([]byte, error) {
		q, err := job.ParseQuery()
		if err != nil {
			return nil, err
		}
		res, err := s.RunFoundry(ctx, env, client, q)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}
