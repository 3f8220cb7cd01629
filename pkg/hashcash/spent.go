package hashcash

import (
	"errors"
	"sync"
	"time"
)

const (
	// CleanupInterval is the default interval for the cleanup loop.
	CleanupInterval = 30 * time.Second

	// MaxSpentStamps bounds the memory the spent set may use.
	MaxSpentStamps = 10000
)

var (
	// ErrAlreadySpent is returned when a stamp is presented twice.
	ErrAlreadySpent = errors.New("hashcash: stamp already spent")

	// ErrSpentAtCapacity is returned when the spent set is full.
	ErrSpentAtCapacity = errors.New("hashcash: spent set at capacity")
)

// SpentSet remembers accepted stamps until they expire so that a captured
// stamp cannot be replayed. It is safe for concurrent use.
type SpentSet struct {
	mu      sync.Mutex
	entries map[string]time.Time // stamp rand -> expiry
	maxAge  time.Duration
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopped         bool
}

// NewSpentSet creates a SpentSet with the default cleanup interval. The
// cleanup goroutine is started automatically.
func NewSpentSet(maxAge time.Duration) *SpentSet {
	return NewSpentSetWithCleanupInterval(maxAge, CleanupInterval)
}

// NewSpentSetWithCleanupInterval creates a SpentSet with a custom cleanup interval.
func NewSpentSetWithCleanupInterval(maxAge, cleanupInterval time.Duration) *SpentSet {
	s := &SpentSet{
		entries:         make(map[string]time.Time),
		maxAge:          maxAge,
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Spend records stamp as used. A stamp is remembered until it could no
// longer pass Verify.
func (s *SpentSet) Spend(stamp *Stamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stamp.Rand
	if exp, ok := s.entries[key]; ok && s.now().Before(exp) {
		return ErrAlreadySpent
	}
	if len(s.entries) >= MaxSpentStamps {
		return ErrSpentAtCapacity
	}
	s.entries[key] = stamp.Timestamp.Add(s.maxAge + MaxClockSkew)
	return nil
}

// Len returns the number of remembered stamps.
func (s *SpentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SpentSet) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *SpentSet) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call Stop multiple times.
func (s *SpentSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		close(s.stopCleanup)
		s.stopped = true
	}
}
