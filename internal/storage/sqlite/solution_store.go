// Package sqlite provides the default durable SolutionStore: one SQLite
// file shared by the sidecar and the crawler on the same host.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
)

const defaultTable = "captcha_solutions"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config locates the database file.
type Config struct {
	Path  string
	Table string
}

// SolutionStore implements captcha.SolutionStore on top of sqlx.
type SolutionStore struct {
	DB    *sqlx.DB
	table string
	clock captcha.Clock
}

// New opens (creating if needed) the database file and its table.
func New(ctx context.Context, cfg Config) (*SolutionStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, captcha.Configuration("new sqlite store", "store.sqlite_path is required")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// Writers serialize on the file lock anyway.
	db.SetMaxOpenConns(1)

	s, err := NewWithDB(db, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open handle.
func NewWithDB(db *sqlx.DB, table string) (*SolutionStore, error) {
	if db == nil {
		return nil, captcha.Configuration("new sqlite store", "db is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, captcha.Configuration("new sqlite store", fmt.Sprintf("invalid table name %q", table))
	}
	return &SolutionStore{DB: db, table: table, clock: system.New()}, nil
}

// EnsureSchema creates the solutions table and its retention index.
func (s *SolutionStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (task_id TEXT PRIMARY KEY, code TEXT NOT NULL, inserted_at DATETIME NOT NULL)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_inserted_at_idx ON %s (inserted_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertSolution inserts sol or replaces the row with the same task id.
func (s *SolutionStore) UpsertSolution(ctx context.Context, sol captcha.StoredSolution) error {
	if sol.TaskID == "" {
		return captcha.Configuration("upsert solution", "task id is required")
	}
	if sol.InsertedAt.IsZero() {
		sol.InsertedAt = s.clock.Now()
	}
	query := fmt.Sprintf(`INSERT INTO %s (task_id, code, inserted_at) VALUES (?, ?, ?) ON CONFLICT(task_id) DO UPDATE SET code = excluded.code, inserted_at = excluded.inserted_at`, s.table)
	if _, err := s.DB.ExecContext(ctx, query, sol.TaskID, sol.Code, sol.InsertedAt.UTC()); err != nil {
		return fmt.Errorf("upsert solution: %w", err)
	}
	return nil
}

// GetSolution returns captcha.ErrSolutionNotFound for unknown ids.
func (s *SolutionStore) GetSolution(ctx context.Context, taskID string) (captcha.StoredSolution, error) {
	var sol captcha.StoredSolution
	query := fmt.Sprintf(`SELECT task_id, code, inserted_at FROM %s WHERE task_id = ?`, s.table)
	err := s.DB.GetContext(ctx, &sol, query, taskID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return captcha.StoredSolution{}, captcha.ErrSolutionNotFound
	case err != nil:
		return captcha.StoredSolution{}, fmt.Errorf("get solution: %w", err)
	}
	sol.InsertedAt = sol.InsertedAt.UTC()
	return sol, nil
}

// PurgeSolutions deletes rows inserted before olderThan.
func (s *SolutionStore) PurgeSolutions(ctx context.Context, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE inserted_at < ?`, s.table)
	res, err := s.DB.ExecContext(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge solutions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge solutions: %w", err)
	}
	return n, nil
}

// CountSolutions returns the number of stored rows.
func (s *SolutionStore) CountSolutions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.DB.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)); err != nil {
		return 0, fmt.Errorf("count solutions: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *SolutionStore) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
