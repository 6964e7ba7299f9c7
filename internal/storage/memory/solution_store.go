package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
)

// SolutionStore implements captcha.SolutionStore in memory. It is only
// shared within one process, so the sidecar and the crawler must run
// together to use it.
type SolutionStore struct {
	mu    sync.RWMutex
	clock captcha.Clock
	rows  map[string]captcha.StoredSolution
}

// NewSolutionStore builds an empty store. A nil clock uses the system clock.
func NewSolutionStore(clock captcha.Clock) *SolutionStore {
	if clock == nil {
		clock = system.New()
	}
	return &SolutionStore{clock: clock, rows: make(map[string]captcha.StoredSolution)}
}

// UpsertSolution stores sol, replacing any row with the same task id. A zero
// InsertedAt is stamped with the current time.
func (s *SolutionStore) UpsertSolution(_ context.Context, sol captcha.StoredSolution) error {
	if sol.TaskID == "" {
		return captcha.Configuration("upsert solution", "task id is required")
	}
	if sol.InsertedAt.IsZero() {
		sol.InsertedAt = s.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sol.TaskID] = sol
	return nil
}

// GetSolution returns captcha.ErrSolutionNotFound for unknown ids.
func (s *SolutionStore) GetSolution(_ context.Context, taskID string) (captcha.StoredSolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sol, ok := s.rows[taskID]
	if !ok {
		return captcha.StoredSolution{}, captcha.ErrSolutionNotFound
	}
	return sol, nil
}

// PurgeSolutions deletes rows inserted before olderThan.
func (s *SolutionStore) PurgeSolutions(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sol := range s.rows {
		if sol.InsertedAt.Before(olderThan) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// CountSolutions returns the number of stored rows.
func (s *SolutionStore) CountSolutions(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

// Close is a no-op.
func (s *SolutionStore) Close() error { return nil }
