package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/shpitdev/tablemorph/internal/app"
	"github.com/shpitdev/tablemorph/internal/artifact"
	"github.com/shpitdev/tablemorph/internal/config"
	"github.com/shpitdev/tablemorph/internal/inference/gemini"
	"github.com/shpitdev/tablemorph/internal/metrics"
	"github.com/shpitdev/tablemorph/internal/server"
	"github.com/shpitdev/tablemorph/pkg/foundry"
	"github.com/shpitdev/tablemorph/pkg/foundry/keepalive"
	"github.com/shpitdev/tablemorph/pkg/pipeline/redact"
	"github.com/shpitdev/tablemorph/pkg/pipeline/retry"
	"github.com/shpitdev/tablemorph/pkg/pipeline/stream"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "local":
		code = runLocal(ctx, os.Args[2:])
	case "foundry":
		code = runFoundry(ctx, os.Args[2:])
	case "serve":
		code = runServe(ctx, os.Args[2:])
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

// sessionFlags registers the flags shared by every command; defaults come from cfg.
func sessionFlags(fset *flag.FlagSet, cfg *config.Config) {
	fset.IntVar(&cfg.ChunkRows, "chunk-rows", cfg.ChunkRows, "Rows per chunk (env: CHUNK_ROWS)")
	fset.IntVar(&cfg.PreviewRows, "preview-rows", cfg.PreviewRows, "Leading output rows kept as a preview (env: PREVIEW_ROWS)")
	fset.IntVar(&cfg.SampleRows, "sample-rows", cfg.SampleRows, "Rows shown to the model when compiling (env: SAMPLE_ROWS)")
	fset.IntVar(&cfg.Retry.MaxRetries, "max-retries", cfg.Retry.MaxRetries, "Max retries for transient inference failures (env: MAX_RETRIES)")
	fset.DurationVar(&cfg.Retry.RequestTimeout, "request-timeout", cfg.Retry.RequestTimeout, "Per-attempt inference timeout (env: REQUEST_TIMEOUT)")
	fset.Float64Var(&cfg.Retry.RateLimitRPS, "rate-limit-rps", cfg.Retry.RateLimitRPS, "Global inference rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fset.StringVar(&cfg.Gemini.Model, "gemini-model", cfg.Gemini.Model, "Gemini model name (env: GEMINI_MODEL)")
	fset.StringVar(&cfg.Gemini.BaseURL, "gemini-base-url", cfg.Gemini.BaseURL, "Gemini API base URL override (env: GEMINI_BASE_URL)")
}

func loadConfig() (config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return config.Config{}, false
	}
	return cfg, true
}

func newService(ctx context.Context, cfg config.Config, observer stream.Observer) (*app.Service, *gemini.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	client, err := gemini.New(ctx, gemini.Config{
		APIKey:  cfg.Gemini.APIKey,
		Model:   cfg.Gemini.Model,
		BaseURL: cfg.Gemini.BaseURL,
		Retry:   retryOptions(cfg),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: %w", err)
	}
	return &app.Service{
		Inferrer: client,
		Observer: observer,
		Logger:   log.New(os.Stdout, "", log.LstdFlags),
		Options: app.Options{
			ChunkRows:      cfg.ChunkRows,
			PreviewRows:    cfg.PreviewRows,
			SampleRows:     cfg.SampleRows,
			LargeFileBytes: cfg.LargeFileBytes,
			MaxRetries:     cfg.Retry.MaxRetries,
		},
	}, client, nil
}

func runLocal(ctx context.Context, args []string) int {
	cfg, ok := loadConfig()
	if !ok {
		return 2
	}

	fset := flag.NewFlagSet("local", flag.ContinueOnError)
	fset.SetOutput(os.Stderr)
	var inputPath, outputPath, instruction string
	fset.StringVar(&inputPath, "input", "", "Input CSV or XLSX file path")
	fset.StringVar(&outputPath, "output", "", "Output CSV file path")
	fset.StringVar(&instruction, "instruction", "", "Natural-language transformation to apply")
	sessionFlags(fset, &cfg)
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if inputPath == "" || outputPath == "" || instruction == "" {
		_, _ = fmt.Fprintln(os.Stderr, "local requires --input, --output and --instruction")
		return 2
	}

	svc, _, err := newService(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	res, err := svc.RunLocal(ctx, instruction, inputPath, outputPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "local run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "wrote %d rows to %s\n", res.RowCount, outputPath)
	return 0
}

func runFoundry(ctx context.Context, args []string) int {
	cfg, ok := loadConfig()
	if !ok {
		return 2
	}

	fset := flag.NewFlagSet("foundry", flag.ContinueOnError)
	fset.SetOutput(os.Stderr)
	instruction := fset.String("instruction", "", "Natural-language transformation (pipeline mode; jobs carry their own)")
	inputAlias := fset.String("input-alias", app.DefaultInputAlias, "Alias name for the input dataset in RESOURCE_ALIAS_MAP")
	outputAlias := fset.String("output-alias", app.DefaultOutputAlias, "Alias name for the output dataset in RESOURCE_ALIAS_MAP")
	outputFilename := fset.String("output-filename", "", "Filename to upload into the output dataset transaction (default output.csv)")
	sessionFlags(fset, &cfg)
	if err := fset.Parse(args); err != nil {
		return 2
	}

	env, err := foundry.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry env error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	client, err := env.NewClient()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry client error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	svc, _, err := newService(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	svc.Options.OutputFilename = *outputFilename

	kcfg, jobMode, err := keepalive.LoadConfigFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "compute module env error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	if jobMode {
		kcfg.Logger = svc.Logger
		if err := keepalive.RunLoop(ctx, kcfg, svc.HandleJob(env, client)); err != nil && !errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintf(os.Stderr, "job loop failed: %s\n", redact.Secrets(err.Error()))
			return 1
		}
		return 0
	}

	if *instruction == "" {
		_, _ = fmt.Fprintln(os.Stderr, "foundry requires --instruction outside the compute-module job runtime")
		return 2
	}
	res, err := svc.RunFoundry(ctx, env, client, keepalive.TransformQuery{
		Instruction: *instruction,
		Input:       *inputAlias,
		Output:      *outputAlias,
	})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "committed %d rows in %s\n", res.RowCount, res.TransactionRID)
	return 0
}

func runServe(ctx context.Context, args []string) int {
	cfg, ok := loadConfig()
	if !ok {
		return 2
	}

	fset := flag.NewFlagSet("serve", flag.ContinueOnError)
	fset.SetOutput(os.Stderr)
	fset.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address (env: LISTEN_ADDR)")
	fset.StringVar(&cfg.ArtifactDir, "artifact-dir", cfg.ArtifactDir, "Directory for streamed outputs (env: ARTIFACT_DIR)")
	fset.Int64Var(&cfg.LargeFileBytes, "large-file-bytes", cfg.LargeFileBytes, "Uploads above this size are streamed to a download (env: LARGE_FILE_BYTES)")
	sessionFlags(fset, &cfg)
	if err := fset.Parse(args); err != nil {
		return 2
	}

	rec, err := metrics.New()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "metrics error: %v\n", err)
		return 1
	}
	svc, gem, err := newService(ctx, cfg, rec)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	store, err := artifact.Open(ctx, cfg.ArtifactDir)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "artifact store error: %v\n", err)
		return 1
	}
	defer func() {
		_ = store.Close()
	}()
	svc.Artifacts = store

	srv := &server.Server{
		Service:   svc,
		Artifacts: store,
		Explainer: gem,
		Metrics:   rec.Handler(),
		Logger:    svc.Logger,
	}
	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Logger.Printf("tablemorph listening on %s (artifacts=%s model=%s)", cfg.Addr, cfg.ArtifactDir, gem.Model())
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		return 1
	}
	return 0
}

func retryOptions(cfg config.Config) retry.Options {
	return retry.Options{
		MaxRetries:     cfg.Retry.MaxRetries,
		RequestTimeout: cfg.Retry.RequestTimeout,
		RateLimitRPS:   cfg.Retry.RateLimitRPS,
	}
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `tablemorph: apply one natural-language table transformation to CSV/XLSX data

Usage:
  tablemorph <command> [flags]

Commands:
  local    Transform a local CSV or XLSX file into a CSV
  foundry  Transform a Foundry dataset (pipeline mode, or the compute-module job loop)
  serve    Run the HTTP API (POST /api/process, GET /api/download/{id}, /metrics)

Examples:
  tablemorph local --input people.csv --output out.csv --instruction "uppercase the City column"
  tablemorph serve --addr :8000

Configuration:
  TABLEMORPH_CONFIG   Optional YAML file (chunk_rows, preview_rows, sample_rows, large_file_bytes,
                      artifact_dir, addr, gemini.model, retry.*); env vars and flags override it
  .env                Loaded from the working directory when present

Environment (foundry):
  FOUNDRY_URL         Foundry base URL (e.g. https://<stack>.palantirfoundry.com)
  BUILD2_TOKEN        File path containing a bearer token
  RESOURCE_ALIAS_MAP  File path containing alias -> {rid, branch} JSON
  GET_JOB_URI, POST_RESULT_URI, MODULE_AUTH_TOKEN, DEFAULT_CA_PATH
                      Set by the compute-module runtime; enables the job loop

Environment (Gemini):
  GEMINI_API_KEY      Gemini API key (required)
  GEMINI_MODEL        Gemini model name (required)
  GEMINI_BASE_URL     Optional base URL override (proxies/testing)

`)
}
