// Package config resolves runtime settings: built-in defaults, then an optional YAML file named by
// TABLEMORPH_CONFIG, then environment variables. Command-line flags override the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shpitdev/tablemorph/pkg/pipeline/compiler"
	localio "github.com/shpitdev/tablemorph/pkg/pipeline/io/local"
	"github.com/shpitdev/tablemorph/pkg/pipeline/stream"
)

const (
	// DefaultLargeFileBytes is the upload size above which a CSV is streamed to an artifact.
	DefaultLargeFileBytes = 50 << 20
	// MaxInstructionChars bounds the natural-language instruction accepted by the HTTP API.
	MaxInstructionChars = 500
)

type Gemini struct {
	// APIKey only comes from the environment.
	APIKey  string `yaml:"-"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type Retry struct {
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
}

type Config struct {
	ChunkRows      int    `yaml:"chunk_rows"`
	PreviewRows    int    `yaml:"preview_rows"`
	SampleRows     int    `yaml:"sample_rows"`
	LargeFileBytes int64  `yaml:"large_file_bytes"`
	ArtifactDir    string `yaml:"artifact_dir"`
	Addr           string `yaml:"addr"`

	Gemini Gemini `yaml:"gemini"`
	Retry  Retry  `yaml:"retry"`
}

func Defaults() Config {
	return Config{
		ChunkRows:      localio.DefaultChunkRows,
		PreviewRows:    stream.DefaultPreviewRows,
		SampleRows:     compiler.DefaultSampleRows,
		LargeFileBytes: DefaultLargeFileBytes,
		ArtifactDir:    filepath.Join(os.TempDir(), "tablemorph"),
		Addr:           ":8000",
		Retry: Retry{
			MaxRetries:     3,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Load applies the YAML file named by TABLEMORPH_CONFIG, if any, then environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if p := strings.TrimSpace(os.Getenv("TABLEMORPH_CONFIG")); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return Config{}, fmt.Errorf("read TABLEMORPH_CONFIG: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse TABLEMORPH_CONFIG %s: %w", p, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.ChunkRows, err = envInt("CHUNK_ROWS", c.ChunkRows); err != nil {
		return err
	}
	if c.PreviewRows, err = envInt("PREVIEW_ROWS", c.PreviewRows); err != nil {
		return err
	}
	if c.SampleRows, err = envInt("SAMPLE_ROWS", c.SampleRows); err != nil {
		return err
	}
	large, err := envInt("LARGE_FILE_BYTES", int(c.LargeFileBytes))
	if err != nil {
		return err
	}
	c.LargeFileBytes = int64(large)
	c.ArtifactDir = envString("ARTIFACT_DIR", c.ArtifactDir)
	c.Addr = envString("LISTEN_ADDR", c.Addr)

	c.Gemini.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	c.Gemini.Model = envString("GEMINI_MODEL", c.Gemini.Model)
	c.Gemini.BaseURL = envString("GEMINI_BASE_URL", c.Gemini.BaseURL)

	if c.Retry.MaxRetries, err = envInt("MAX_RETRIES", c.Retry.MaxRetries); err != nil {
		return err
	}
	if c.Retry.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", c.Retry.RequestTimeout); err != nil {
		return err
	}
	if c.Retry.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", c.Retry.RateLimitRPS); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings no session could run with.
func (c Config) Validate() error {
	switch {
	case c.ChunkRows <= 0:
		return fmt.Errorf("chunk_rows must be positive (got %d)", c.ChunkRows)
	case c.PreviewRows < 0:
		return fmt.Errorf("preview_rows must not be negative (got %d)", c.PreviewRows)
	case c.SampleRows <= 0:
		return fmt.Errorf("sample_rows must be positive (got %d)", c.SampleRows)
	case c.LargeFileBytes <= 0:
		return fmt.Errorf("large_file_bytes must be positive (got %d)", c.LargeFileBytes)
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative (got %d)", c.Retry.MaxRetries)
	}
	return nil
}

func envString(varName, fallback string) string {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

// EnvBool parses a boolean environment variable; unset means false.
func EnvBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
