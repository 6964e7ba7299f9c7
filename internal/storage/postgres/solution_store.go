// Package postgres provides a Postgres-backed SolutionStore for sidecars
// that run on more than one host.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
)

const defaultTable = "captcha_solutions"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SolutionStore implements captcha.SolutionStore.
type SolutionStore struct {
	pool  pool
	table string
	clock captcha.Clock
}

// New connects a pool using cfg and creates the table if it is missing.
func New(ctx context.Context, cfg Config) (*SolutionStore, error) {
	if cfg.DSN == "" {
		return nil, captcha.Configuration("new postgres store", "store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, captcha.Configuration("new postgres store", "parse dsn: "+err.Error())
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return open(ctx, p, cfg.Table)
}

// open wraps p and creates the schema, closing p on failure.
func open(ctx context.Context, p pool, table string) (*SolutionStore, error) {
	s, err := NewWithPool(p, table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(p pool, table string) (*SolutionStore, error) {
	if p == nil {
		return nil, captcha.Configuration("new postgres store", "pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, captcha.Configuration("new postgres store", fmt.Sprintf("invalid table name %q", table))
	}
	return &SolutionStore{pool: p, table: table, clock: system.New()}, nil
}

// EnsureSchema creates the solutions table and its retention index.
func (s *SolutionStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	task_id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_inserted_at_idx ON %s (inserted_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertSolution inserts sol or replaces the code and insertion time of an
// existing row with the same task id.
func (s *SolutionStore) UpsertSolution(ctx context.Context, sol captcha.StoredSolution) error {
	if sol.TaskID == "" {
		return captcha.Configuration("upsert solution", "task id is required")
	}
	if sol.InsertedAt.IsZero() {
		sol.InsertedAt = s.clock.Now()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, code, inserted_at)
VALUES ($1, $2, $3)
ON CONFLICT (task_id) DO UPDATE
SET code = EXCLUDED.code, inserted_at = EXCLUDED.inserted_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, sol.TaskID, sol.Code, sol.InsertedAt); err != nil {
		return fmt.Errorf("upsert solution: %w", err)
	}
	return nil
}

// GetSolution returns captcha.ErrSolutionNotFound for unknown ids.
func (s *SolutionStore) GetSolution(ctx context.Context, taskID string) (captcha.StoredSolution, error) {
	query := fmt.Sprintf(`SELECT task_id, code, inserted_at FROM %s WHERE task_id = $1`, s.table)
	var sol captcha.StoredSolution
	err := s.pool.QueryRow(ctx, query, taskID).Scan(&sol.TaskID, &sol.Code, &sol.InsertedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return captcha.StoredSolution{}, captcha.ErrSolutionNotFound
	case err != nil:
		return captcha.StoredSolution{}, fmt.Errorf("get solution: %w", err)
	}
	sol.InsertedAt = sol.InsertedAt.UTC()
	return sol, nil
}

// PurgeSolutions deletes rows inserted before olderThan.
func (s *SolutionStore) PurgeSolutions(ctx context.Context, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE inserted_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge solutions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountSolutions returns the number of stored rows.
func (s *SolutionStore) CountSolutions(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count solutions: %w", err)
	}
	return n, nil
}

// Close releases the pool.
func (s *SolutionStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
