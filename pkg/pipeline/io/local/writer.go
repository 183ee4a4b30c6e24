package local

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// CSVWriter appends frames to a CSV stream and keeps an xxh3 digest of every byte written.
type CSVWriter struct {
	cw     *csv.Writer
	hasher *xxh3.Hasher
	rows   int
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	h := xxh3.New()
	return &CSVWriter{cw: csv.NewWriter(io.MultiWriter(w, h)), hasher: h}
}

// WriteFrame writes f's rows, preceded by its header when header is true.
func (w *CSVWriter) WriteFrame(f *frame.Frame, header bool) error {
	if header {
		if err := w.cw.Write(f.Columns()); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.cw.WriteAll(f.Records()); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rows += f.Len()
	return nil
}

// Flush flushes buffered output.
func (w *CSVWriter) Flush() error {
	w.cw.Flush()
	return w.cw.Error()
}

// Rows returns the number of data rows written.
func (w *CSVWriter) Rows() int { return w.rows }

// Digest returns the hex xxh3 digest of the bytes flushed so far.
func (w *CSVWriter) Digest() string {
	return strconv.FormatUint(w.hasher.Sum64(), 16)
}

// FileSink writes a session's output to a temporary file next to Path and renames it into place
// on Finalize. Abort removes the temporary file and leaves Path untouched.
type FileSink struct {
	Path string

	f *os.File
	w *CSVWriter
}

func (s *FileSink) Write(_ context.Context, segment *frame.Frame, header bool) error {
	if s.f == nil {
		if !header {
			return errors.New("file sink: first segment must carry the header")
		}
		f, err := os.CreateTemp(filepath.Dir(s.Path), "."+filepath.Base(s.Path)+".*.tmp")
		if err != nil {
			return err
		}
		s.f = f
		s.w = NewCSVWriter(f)
	}
	return s.w.WriteFrame(segment, header)
}

func (s *FileSink) Finalize(context.Context) (string, error) {
	if s.f == nil {
		return "", errors.New("file sink: nothing written")
	}
	if err := s.w.Flush(); err != nil {
		return "", err
	}
	if err := s.f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(s.f.Name(), s.Path); err != nil {
		return "", err
	}
	return s.Path, nil
}

func (s *FileSink) Abort(context.Context) error {
	if s.f == nil {
		return nil
	}
	_ = s.f.Close()
	if err := os.Remove(s.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Digest returns the digest of the written output.
func (s *FileSink) Digest() string {
	if s.w == nil {
		return ""
	}
	return s.w.Digest()
}
