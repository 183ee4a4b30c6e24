package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TABLEMORPH_CONFIG", "CHUNK_ROWS", "PREVIEW_ROWS", "SAMPLE_ROWS", "LARGE_FILE_BYTES",
		"ARTIFACT_DIR", "LISTEN_ADDR", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
		"MAX_RETRIES", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Defaults(), got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if got.ChunkRows != 50_000 || got.PreviewRows != 100 || got.SampleRows != 10 || got.LargeFileBytes != 50<<20 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	p := filepath.Join(t.TempDir(), "tablemorph.yaml")
	yml := `
chunk_rows: 1000
preview_rows: 5
artifact_dir: /var/lib/tablemorph
gemini:
  model: gemini-2.5-flash
retry:
  max_retries: 1
  request_timeout: 10s
`
	if err := os.WriteFile(p, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TABLEMORPH_CONFIG", p)
	t.Setenv("PREVIEW_ROWS", "7")
	t.Setenv("GEMINI_API_KEY", "k")

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	want.ChunkRows = 1000
	want.PreviewRows = 7
	want.ArtifactDir = "/var/lib/tablemorph"
	want.Gemini = Gemini{APIKey: "k", Model: "gemini-2.5-flash"}
	want.Retry.MaxRetries = 1
	want.Retry.RequestTimeout = 10 * time.Second
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"CHUNK_ROWS":      "0",
		"SAMPLE_ROWS":     "abc",
		"REQUEST_TIMEOUT": "soon",
		"RATE_LIMIT_RPS":  "fast",
	}
	for k, v := range tests {
		t.Run(k, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(k, v)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", k, v)
			}
		})
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("X_FLAG", "true")
	if v, err := EnvBool("X_FLAG"); err != nil || !v {
		t.Fatalf("got %v, %v", v, err)
	}
	t.Setenv("X_FLAG", "maybe")
	if _, err := EnvBool("X_FLAG"); err == nil {
		t.Fatal("expected error")
	}
}
