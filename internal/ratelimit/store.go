package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store keeps fixed-window counters.
type Store interface {
	// Incr adds one to key's counter, opening a window of length window if
	// none is open, and returns the new count and the time until reset.
	Incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)
	Close() error
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local Store. Counters reset on restart and are
// not shared between instances.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a store that drops expired windows every
// sweepInterval. A non-positive interval disables the sweeper.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, d time.Duration) (int, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// Len reports how many windows are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Sweep drops expired windows.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
