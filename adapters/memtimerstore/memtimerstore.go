package memtimerstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luno/flow"
)

func New() *Store {
	return &Store{
		timers: make(map[string]time.Time),
	}
}

var _ flow.TimerStore = (*Store)(nil)

type Store struct {
	mu     sync.Mutex
	timers map[string]time.Time
}

func (s *Store) Set(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[runID] = at
	return nil
}

func (s *Store) Delete(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.timers[runID]
	if !ok || !current.Equal(at) {
		return nil
	}

	delete(s.timers, runID)
	return nil
}

func (s *Store) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, runID)
	return nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]flow.TimerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []flow.TimerEntry
	for runID, at := range s.timers {
		if at.After(now) {
			continue
		}

		due = append(due, flow.TimerEntry{RunID: runID, At: at})
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].At.Equal(due[j].At) {
			return due[i].RunID < due[j].RunID
		}

		return due[i].At.Before(due[j].At)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// Len returns the number of timers set.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}
