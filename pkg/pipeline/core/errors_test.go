package core_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("apply chunk 3: %w", core.Errorf(core.CodeMissingColumn, "column %q not found", "Email"))

	if !errors.Is(err, core.ErrMissingColumn) {
		t.Fatalf("expected errors.Is to match missing column: %v", err)
	}
	if errors.Is(err, core.ErrTypeMismatch) {
		t.Fatalf("unexpected match on type mismatch")
	}
	if got := core.CodeOf(err); got != core.CodeMissingColumn {
		t.Fatalf("CodeOf=%q want=%q", got, core.CodeMissingColumn)
	}
}

func TestErrorfWrapsCause(t *testing.T) {
	err := core.Errorf(core.CodeUnsupportedInputFormat, "read header: %w", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if err.Error() != "unsupported_input_format: read header: unexpected EOF" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestCodeOfUnclassified(t *testing.T) {
	if got := core.CodeOf(errors.New("boom")); got != "" {
		t.Fatalf("CodeOf=%q want empty", got)
	}
}
