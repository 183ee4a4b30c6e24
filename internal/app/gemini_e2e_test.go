//go:build gemini_e2e

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/tablemorph/internal/app"
	"github.com/shpitdev/tablemorph/internal/inference/gemini"
	"github.com/shpitdev/tablemorph/pkg/pipeline/operation"
)

func TestRunLocal_RealGemini_EndToEnd(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Fatalf("GEMINI_API_KEY is required for gemini_e2e tests")
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		t.Fatalf("GEMINI_MODEL is required for gemini_e2e tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	inferrer, err := gemini.New(ctx, gemini.Config{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: os.Getenv("GEMINI_BASE_URL"),
	})
	if err != nil {
		t.Fatalf("gemini.New: %v", err)
	}

	dir := t.TempDir()
	in := filepath.Join(dir, "contacts.csv")
	out := filepath.Join(dir, "out.csv")
	// Synthetic rows only.
	if err := os.WriteFile(in, []byte("Name,Email\nalice,alice@example.com\nbob,bob@example.com\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	svc := &app.Service{Inferrer: inferrer}
	res, err := svc.RunLocal(ctx, "Redact every email address in the Email column with REDACTED", in, out)
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	if res.Operation == nil || res.Operation.Kind() != operation.KindPatternReplace {
		t.Fatalf("expected a regex operation, got %#v", res.Operation)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.Contains(string(b), "@example.com") {
		t.Fatalf("emails were not redacted:\n%s", b)
	}
}
