// Command mock-foundry serves an in-memory Foundry dataset API for local runs of `tablemorph foundry`.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shpitdev/tablemorph/pkg/mockfoundry"
)

// seedFlags collects repeated --seed rid=path.csv values.
type seedFlags map[string]string

func (s seedFlags) String() string { return fmt.Sprint(map[string]string(s)) }

func (s seedFlags) Set(v string) error {
	rid, path, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(rid) == "" || strings.TrimSpace(path) == "" {
		return fmt.Errorf("expected rid=path.csv, got %q", v)
	}
	s[strings.TrimSpace(rid)] = strings.TrimSpace(path)
	return nil
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	seeds := seedFlags{}

	fset := flag.NewFlagSet("mock-foundry", flag.ExitOnError)
	addr := fset.String("addr", envOr("MOCK_FOUNDRY_ADDR", ":8080"), "Listen address")
	inputDir := fset.String("input-dir", envOr("MOCK_FOUNDRY_INPUT_DIR", "/data/inputs"), "Directory containing input CSVs named <rid>.csv")
	uploadDir := fset.String("upload-dir", envOr("MOCK_FOUNDRY_UPLOAD_DIR", "/data/uploads"), "Directory to persist committed dataset heads")
	token := fset.String("token", envOr("MOCK_FOUNDRY_TOKEN", ""), "Bearer token to require (empty disables auth)")
	fset.Var(seeds, "seed", "Seed a dataset head from a CSV file, as rid=path.csv (repeatable)")
	_ = fset.Parse(os.Args[1:])

	srv := mockfoundry.New(*inputDir, *uploadDir)
	srv.RequireBearerToken(*token)
	for rid, path := range seeds {
		b, err := os.ReadFile(path)
		if err != nil {
			logger.Fatalf("seed %s: %v", rid, err)
		}
		srv.Seed(rid, b)
		logger.Printf("seeded %s from %s (%d bytes)", rid, path, len(b))
	}

	hs := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	logger.Printf("mock-foundry listening on %s (input=%s upload=%s)", *addr, *inputDir, *uploadDir)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server error: %v", err)
	}
}

func envOr(envVar, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	return fallback
}
