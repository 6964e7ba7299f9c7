package resolution

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
)

// Entry describes one running resolution. It exists from the first caller
// until start returns, even when every caller has stopped waiting. Waiters
// counts the callers still waiting for the outcome.
type Entry struct {
	CorrelationKey string
	StartedAt      time.Time
	Waiters        int
}

// Registry guarantees one running resolution per correlation key. Callers
// for a key that is already resolving join it and are released in join
// order with the same outcome.
type Registry struct {
	group singleflight.Group
	clock captcha.Clock

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry builds an empty registry.
func NewRegistry(clock captcha.Clock) *Registry {
	return &Registry{clock: clock, entries: make(map[string]*Entry)}
}

// Join runs start for key unless a resolution for key is already running,
// in which case the caller waits for that one. A caller whose ctx ends stops
// waiting; the resolution itself continues for the remaining waiters.
// joined reports whether the caller attached to an existing resolution.
func (r *Registry) Join(ctx context.Context, key string, start func() (captcha.ResolutionTask, error)) (task captcha.ResolutionTask, joined bool, err error) {
	e, joined, ch := r.enter(key, start)
	defer r.leave(e)

	select {
	case res := <-ch:
		t, _ := res.Val.(captcha.ResolutionTask)
		return t, joined, res.Err
	case <-ctx.Done():
		return captcha.ResolutionTask{}, joined, ctx.Err()
	}
}

// Lookup returns a copy of the running entry for key.
func (r *Registry) Lookup(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of running resolutions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// enter registers the caller and attaches it to the flight for key under
// one lock, so an entry and its flight start and end together.
func (r *Registry) enter(key string, start func() (captcha.ResolutionTask, error)) (*Entry, bool, <-chan singleflight.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.Waiters++
		// The flight for key lives exactly as long as its entry.
		return e, true, r.group.DoChan(key, nil)
	}
	var started time.Time
	if r.clock != nil {
		started = r.clock.Now()
	}
	e := &Entry{CorrelationKey: key, StartedAt: started, Waiters: 1}
	r.entries[key] = e
	ch := r.group.DoChan(key, func() (any, error) {
		metrics.IncInflight()
		defer metrics.DecInflight()
		defer r.finish(key, e)
		return start()
	})
	return e, false, ch
}

func (r *Registry) finish(key string, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
	r.group.Forget(key)
}

func (r *Registry) leave(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Waiters--
}
