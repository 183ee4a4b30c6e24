// Package foundryio adapts Foundry datasets to the chunked session engine: input is streamed from
// readTable, output is spooled locally and published as one SNAPSHOT transaction on Finalize.
package foundryio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shpitdev/tablemorph/pkg/foundry"
	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	localio "github.com/shpitdev/tablemorph/pkg/pipeline/io/local"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
	"github.com/shpitdev/tablemorph/pkg/pipeline/retry"
)

// DefaultOutputFilename is the file name used inside the output transaction.
const DefaultOutputFilename = "output.csv"

// DefaultRetry retries 429 and 5xx dataset responses with capped backoff. Uploads can be large, so
// the per-attempt timeout is generous.
var DefaultRetry = retry.New(retry.Options{
	MaxRetries:     7,
	RequestTimeout: 10 * time.Minute,
	BackoffInitial: 200 * time.Millisecond,
	BackoffMax:     2 * time.Second,
})

// Datasets is the subset of the Foundry client used by sessions. *foundry.Client implements it.
type Datasets interface {
	OpenTable(ctx context.Context, datasetRID, branch string) (io.ReadCloser, error)
	CreateTransaction(ctx context.Context, datasetRID, branch string) (string, error)
	FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error)
	UploadFile(ctx context.Context, datasetRID, txnID, filePath, contentType string, r io.Reader) error
	CommitTransaction(ctx context.Context, datasetRID, txnID string) error
	AbortTransaction(ctx context.Context, datasetRID, txnID string) error
}

// Source streams a dataset's rows as chunks. Close releases the underlying response body.
type Source struct {
	body io.ReadCloser
	csv  *localio.CSVSource
}

// OpenSource opens the input dataset. Only opening is retried; once rows are flowing a failure is
// terminal for the session.
func OpenSource(ctx context.Context, client Datasets, ref foundry.DatasetRef, chunkRows int) (*Source, error) {
	// The body outlives the attempt, so it is read under ctx rather than the attempt's context.
	body, err := retry.Do(ctx, DefaultRetry, func(context.Context) (io.ReadCloser, error) {
		body, err := client.OpenTable(ctx, ref.RID, ref.Branch)
		return body, classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("open input dataset %s: %w", ref.RID, err)
	}
	src, err := localio.NewCSVSource(body, chunkRows)
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	return &Source{body: body, csv: src}, nil
}

func (s *Source) Columns() []string { return s.csv.Columns() }

func (s *Source) Next(ctx context.Context) (*frame.Frame, error) { return s.csv.Next(ctx) }

func (s *Source) Close() error { return s.body.Close() }

// Sink spools output chunks to a temporary CSV file and publishes them to the output dataset on
// Finalize. Nothing is visible in Foundry until the transaction commits.
type Sink struct {
	Client   Datasets
	Ref      foundry.DatasetRef
	Filename string
	// Dir holds the spool file. Empty uses os.TempDir.
	Dir string
	// Retry governs dataset API calls. Nil uses DefaultRetry.
	Retry *retry.Policy

	spool      *os.File
	w          *localio.CSVWriter
	txnID      string
	createdTxn bool
	committed  bool
}

func (s *Sink) Write(_ context.Context, segment *frame.Frame, header bool) error {
	if s.w != nil && s.spool == nil {
		return errors.New("dataset sink: already closed")
	}
	if s.spool == nil {
		if !header {
			return errors.New("dataset sink: first segment must carry the header")
		}
		f, err := os.CreateTemp(s.Dir, "tablemorph-output-*.csv")
		if err != nil {
			return fmt.Errorf("create spool file: %w", err)
		}
		s.spool = f
		s.w = localio.NewCSVWriter(f)
	}
	return s.w.WriteFrame(segment, header)
}

// Finalize uploads the spooled output and commits the transaction. It returns the transaction RID.
//
// If the dataset already has an open transaction, the file is uploaded into it and the commit is
// left to whoever opened it.
func (s *Sink) Finalize(ctx context.Context) (string, error) {
	if s.spool == nil {
		return "", errors.New("dataset sink: nothing written")
	}
	if err := s.w.Flush(); err != nil {
		return "", fmt.Errorf("flush spool file: %w", err)
	}

	if err := s.openTransaction(ctx); err != nil {
		return "", err
	}

	name := strings.TrimSpace(s.Filename)
	if name == "" {
		name = DefaultOutputFilename
	}
	err := s.call(ctx, func(ctx context.Context) error {
		if _, err := s.spool.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return s.Client.UploadFile(ctx, s.Ref.RID, s.txnID, name, "text/csv", s.spool)
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	if s.createdTxn {
		if err := s.call(ctx, func(ctx context.Context) error {
			return s.Client.CommitTransaction(ctx, s.Ref.RID, s.txnID)
		}); err != nil {
			return "", fmt.Errorf("commit transaction %s: %w", s.txnID, err)
		}
	}
	s.committed = true
	s.removeSpool()
	return s.txnID, nil
}

func (s *Sink) openTransaction(ctx context.Context) error {
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		s.txnID, err = s.Client.CreateTransaction(ctx, s.Ref.RID, s.Ref.Branch)
		return err
	})
	if err == nil {
		s.createdTxn = true
		return nil
	}
	if !foundry.IsOpenTransactionConflict(err) {
		return fmt.Errorf("create transaction: %w", err)
	}

	var ok bool
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		s.txnID, ok, err = s.Client.FindLatestOpenTransaction(ctx, s.Ref.RID)
		return err
	})
	if err != nil {
		return fmt.Errorf("find open transaction: %w", err)
	}
	if !ok || s.txnID == "" {
		return errors.New("output dataset has an open transaction but listTransactions returned none")
	}
	return nil
}

// Abort discards the spool file and aborts the transaction if this sink opened it.
func (s *Sink) Abort(ctx context.Context) error {
	s.removeSpool()
	if !s.createdTxn || s.committed || s.txnID == "" {
		return nil
	}
	return s.call(ctx, func(ctx context.Context) error {
		return s.Client.AbortTransaction(ctx, s.Ref.RID, s.txnID)
	})
}

// Rows returns the number of data rows written so far.
func (s *Sink) Rows() int {
	if s.w == nil {
		return 0
	}
	return s.w.Rows()
}

// Digest returns the xxh3 digest of the spooled CSV.
func (s *Sink) Digest() string {
	if s.w == nil {
		return ""
	}
	return s.w.Digest()
}

func (s *Sink) removeSpool() {
	if s.spool == nil {
		return
	}
	_ = s.spool.Close()
	_ = os.Remove(s.spool.Name())
	s.spool = nil
}

// classify marks retryable Foundry responses so retry.IsTransient recognises them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var he *foundry.HTTPError
	if errors.As(err, &he) && he.Temporary() {
		return &core.TransientError{Err: err}
	}
	return err
}

// call runs one dataset API call under the sink's retry policy.
func (s *Sink) call(ctx context.Context, f func(context.Context) error) error {
	p := s.Retry
	if p == nil {
		p = DefaultRetry
	}
	_, err := retry.Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, classify(f(ctx))
	})
	return err
}
