package local_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
	"github.com/shpitdev/tablemorph/pkg/pipeline/io/local"
)

func TestCSVSourceChunks(t *testing.T) {
	in := "a,b\n1,x\n2,y\n3,z\n4,w\n5,v\n"
	src, err := local.NewCSVSource(strings.NewReader(in), 2)
	if err != nil {
		t.Fatalf("NewCSVSource: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, src.Columns()); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	var sizes []int
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, f.Len())
	}
	if diff := cmp.Diff([]int{2, 2, 1}, sizes); diff != "" {
		t.Fatalf("chunk sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVSourceExactMultiple(t *testing.T) {
	src, err := local.NewCSVSource(strings.NewReader("a\n1\n2\n"), 2)
	if err != nil {
		t.Fatalf("NewCSVSource: %v", err)
	}
	if f, err := src.Next(context.Background()); err != nil || f.Len() != 2 {
		t.Fatalf("first chunk: %v", err)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v want EOF", err)
	}
}

func TestCSVSourceHeaderOnly(t *testing.T) {
	src, err := local.NewCSVSource(strings.NewReader("a,b\n"), 10)
	if err != nil {
		t.Fatalf("NewCSVSource: %v", err)
	}
	f, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Len() != 0 {
		t.Fatalf("rows=%d want 0", f.Len())
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v want EOF", err)
	}
}

func TestCSVSourceRejectsEmptyInput(t *testing.T) {
	_, err := local.NewCSVSource(strings.NewReader(""), 10)
	if !errors.Is(err, core.ErrUnsupportedInputFormat) {
		t.Fatalf("err=%v want unsupported input format", err)
	}
}

func TestReadCSVKeepsCellsVerbatim(t *testing.T) {
	in := "id,price\n007,1.50\n8,\n"
	f, err := local.ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	want := [][]string{{"007", "1.50"}, {"8", ""}}
	if diff := cmp.Diff(want, f.Records()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVWriterDigestIndependentOfChunking(t *testing.T) {
	f, err := frame.New([]string{"a", "b"}, [][]string{{"1", "x,y"}, {"2", `q"t`}, {"3", ""}})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}

	var whole bytes.Buffer
	ww := local.NewCSVWriter(&whole)
	if err := ww.WriteFrame(f, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ww.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var chunked bytes.Buffer
	cw := local.NewCSVWriter(&chunked)
	for i := 0; i < f.Len(); i++ {
		if err := cw.WriteFrame(f.Slice(i, i+1), i == 0); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := cw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if whole.String() != chunked.String() {
		t.Fatalf("bytes differ:\n%q\n%q", whole.String(), chunked.String())
	}
	if ww.Digest() != cw.Digest() || ww.Rows() != 3 {
		t.Fatalf("digest %s vs %s rows=%d", ww.Digest(), cw.Digest(), ww.Rows())
	}
	if want := "a,b\n1,\"x,y\"\n2,\"q\"\"t\"\n3,\n"; whole.String() != want {
		t.Fatalf("csv=%q want %q", whole.String(), want)
	}
}

func TestFileSinkFinalizeAndAbort(t *testing.T) {
	dir := t.TempDir()
	f, err := frame.New([]string{"a"}, [][]string{{"1"}})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}

	out := filepath.Join(dir, "out.csv")
	sink := &local.FileSink{Path: out}
	if err := sink.Write(context.Background(), f, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output visible before finalize: %v", err)
	}
	if _, err := sink.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "a\n1\n" {
		t.Fatalf("output=%q", b)
	}

	aborted := filepath.Join(dir, "aborted.csv")
	sink = &local.FileSink{Path: aborted}
	if err := sink.Write(context.Background(), f, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Abort(context.Background()); err != nil {
		t.Fatalf("abort: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.csv" {
		t.Fatalf("unexpected files after abort: %v", entries)
	}
}

func TestReadXLSX(t *testing.T) {
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	rows := [][]any{{"Name", "Age"}, {"ann", 30}, {"bob", 41}}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := wb.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := wb.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	f, err := local.ReadXLSX(&buf)
	if err != nil {
		t.Fatalf("ReadXLSX: %v", err)
	}
	if diff := cmp.Diff([]string{"Name", "Age"}, f.Columns()); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"ann", "30"}, {"bob", "41"}}, f.Records()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	if c, _ := f.Column("Age"); c.Kind != frame.KindInteger {
		t.Fatalf("Age kind=%s", c.Kind)
	}
}

func TestReadXLSXRejectsGarbage(t *testing.T) {
	_, err := local.ReadXLSX(strings.NewReader("not a zip"))
	if !errors.Is(err, core.ErrUnsupportedInputFormat) {
		t.Fatalf("err=%v want unsupported input format", err)
	}
}

func TestDetect(t *testing.T) {
	tests := map[string]local.Format{"data.csv": local.FormatCSV, "Book.XLSX": local.FormatXLSX}
	for name, want := range tests {
		got, err := local.Detect(name)
		if err != nil || got != want {
			t.Fatalf("Detect(%q)=%q,%v want %q", name, got, err, want)
		}
	}
	if _, err := local.Detect("notes.txt"); !errors.Is(err, core.ErrUnsupportedInputFormat) {
		t.Fatalf("err=%v want unsupported input format", err)
	}
}
