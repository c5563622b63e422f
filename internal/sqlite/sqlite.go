// Package sqlite is the single-file SQLite backend of the conversion store.
//
// Each table keeps the JSON encoding of the domain value in a data column and
// copies the fields used for filtering and ordering into indexed columns. The
// database runs in WAL mode over a single connection, so writes never race.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/store"
)

const dataDirPerms = 0o750

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements store.Store on a SQLite file.
type Store struct {
	Path    string
	DB      *sql.DB
	logger  *slog.Logger
	metrics *metrics.Collector
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at path, applies pragmas and runs pending
// migrations. The directory is created if needed. log and mc may be nil.
func Open(path string, log *slog.Logger, mc *metrics.Collector) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), dataDirPerms); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Info("sqlite store ready", "path", path)
	return &Store{Path: path, DB: conn, logger: log, metrics: mc}, nil
}

// Close releases the connection. It is safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// WipeData deletes every row. Testing only.
func (s *Store) WipeData(ctx context.Context) error {
	defer s.observe(time.Now())
	for _, table := range []string{"conversion_steps", "conversion_jobs", "module_templates", "llm_configs", "staging_targets"} {
		if _, err := s.DB.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	s.logger.Warn("database wiped")
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// observe records the duration of a statement started at start.
func (s *Store) observe(start time.Time) {
	s.metrics.RecordTiming(metrics.OpDBQuery, time.Since(start))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// wrapError maps driver errors to store sentinels.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", store.ErrAlreadyExists, err)
	}
	return err
}
