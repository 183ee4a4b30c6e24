// Package artifact stores the outputs of streamed sessions as CSV files and tracks them in a
// SQLite registry. An artifact is downloadable only once its session finalized it.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	localio "github.com/shpitdev/tablemorph/pkg/pipeline/io/local"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// ErrNotFound is returned by Resolve for unknown ids and for artifacts that are not ready.
var ErrNotFound = errors.New("artifact not found")

type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Record describes one artifact.
type Record struct {
	ID          string
	State       State
	Path        string
	Rows        int
	Digest      string
	CreatedAt   time.Time
	FinalizedAt time.Time
}

// Store is safe for concurrent use by multiple sessions.
type Store struct {
	dir string
	db  *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	rows         INTEGER NOT NULL DEFAULT 0,
	digest       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	finalized_at INTEGER NOT NULL DEFAULT 0
)`

// Open creates dir if needed and opens the registry at dir/artifacts.db.
func Open(ctx context.Context, dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create dir: %w", err)
	}

	dsn := "file:" + filepath.Join(dir, "artifacts.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("artifact: open registry: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifact: ping registry: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifact: create schema: %w", err)
	}
	return &Store{dir: dir, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+".csv") }

// NewSink registers a pending artifact and returns the sink that will fill it.
func (s *Store) NewSink(ctx context.Context) (*Sink, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, state, created_at) VALUES (?, ?, ?)`,
		id, string(StatePending), time.Now().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("artifact: register %s: %w", id, err)
	}
	return &Sink{store: s, id: id}, nil
}

// Resolve returns a ready artifact.
func (s *Store) Resolve(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.State != StateReady {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *Store) lookup(ctx context.Context, id string) (Record, error) {
	var (
		rec                  Record
		state                string
		created, finalizedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, rows, digest, created_at, finalized_at FROM artifacts WHERE id = ?`, id,
	).Scan(&rec.ID, &state, &rec.Rows, &rec.Digest, &created, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("artifact: lookup %s: %w", id, err)
	}
	rec.State = State(state)
	rec.Path = s.path(rec.ID)
	rec.CreatedAt = time.UnixMilli(created)
	if finalizedAt > 0 {
		rec.FinalizedAt = time.UnixMilli(finalizedAt)
	}
	return rec, nil
}

func (s *Store) markReady(ctx context.Context, id string, rows int, digest string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET state = ?, rows = ?, digest = ?, finalized_at = ? WHERE id = ? AND state = ?`,
		string(StateReady), rows, digest, time.Now().UnixMilli(), id, string(StatePending),
	)
	if err != nil {
		return fmt.Errorf("artifact: mark %s ready: %w", id, err)
	}
	return nil
}

func (s *Store) markFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET state = ?, finalized_at = ? WHERE id = ? AND state = ?`,
		string(StateFailed), time.Now().UnixMilli(), id, string(StatePending),
	)
	if err != nil {
		return fmt.Errorf("artifact: mark %s failed: %w", id, err)
	}
	return nil
}

// Sink writes one artifact. The file appears under its final name only after Finalize.
type Sink struct {
	store *Store
	id    string

	f *os.File
	w *localio.CSVWriter
}

// ID returns the artifact id, known before the session starts.
func (k *Sink) ID() string { return k.id }

func (k *Sink) Write(_ context.Context, segment *frame.Frame, header bool) error {
	if k.f == nil {
		if !header {
			return errors.New("artifact sink: first segment must carry the header")
		}
		f, err := os.CreateTemp(k.store.dir, "."+k.id+".*.tmp")
		if err != nil {
			return fmt.Errorf("artifact: create temp file: %w", err)
		}
		k.f = f
		k.w = localio.NewCSVWriter(f)
	}
	return k.w.WriteFrame(segment, header)
}

func (k *Sink) Finalize(ctx context.Context) (string, error) {
	if k.f == nil {
		return "", errors.New("artifact sink: nothing written")
	}
	if err := k.w.Flush(); err != nil {
		return "", fmt.Errorf("artifact: flush: %w", err)
	}
	if err := k.f.Close(); err != nil {
		return "", fmt.Errorf("artifact: close: %w", err)
	}
	if err := os.Rename(k.f.Name(), k.store.path(k.id)); err != nil {
		return "", fmt.Errorf("artifact: publish: %w", err)
	}
	if err := k.store.markReady(ctx, k.id, k.w.Rows(), k.w.Digest()); err != nil {
		_ = os.Remove(k.store.path(k.id))
		return "", err
	}
	return k.id, nil
}

func (k *Sink) Abort(ctx context.Context) error {
	if k.f != nil {
		_ = k.f.Close()
		if err := os.Remove(k.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return k.store.markFailed(ctx, k.id)
}
