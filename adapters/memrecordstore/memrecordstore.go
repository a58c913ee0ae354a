package memrecordstore

import (
	"context"
	"sync"

	"k8s.io/utils/clock"

	"github.com/luno/flow"
)

const defaultListLimit = 25

// New returns an in-memory record store. Every committed version of a run is
// kept as a snapshot for use in tests.
func New(opts ...Option) *Store {
	opt := options{
		clock: clock.RealClock{},
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		clock:     opt.clock,
		store:     make(map[string]*flow.Record),
		sessions:  make(map[flow.SessionID]string),
		outboxIDs: make(map[string]bool),
		snapshots: make(map[string][]*flow.Record),
	}
}

type options struct {
	clock clock.Clock
}

type Option func(o *options)

// WithClock sets the clock used to timestamp outbox entries.
func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

var (
	_ flow.RecordStore        = (*Store)(nil)
	_ flow.TestingRecordStore = (*Store)(nil)
)

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	store    map[string]*flow.Record
	order    []string
	sessions map[flow.SessionID]string

	outbox    []flow.OutboxEntry
	outboxIDs map[string]bool

	snapshots map[string][]*flow.Record
}

func (s *Store) Store(ctx context.Context, r *flow.Record, outbound []flow.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store[r.RunID]; !ok {
		s.order = append(s.order, r.RunID)
	}

	cp := *r
	s.store[r.RunID] = &cp

	for _, id := range r.SessionIDs {
		s.sessions[id] = r.RunID
	}

	for _, entry := range flow.MakeOutboxEntries(r.RunID, outbound, s.clock.Now()) {
		if s.outboxIDs[entry.ID] {
			continue
		}

		s.outboxIDs[entry.ID] = true
		s.outbox = append(s.outbox, entry)
	}

	snapshot := cp
	s.snapshots[r.RunID] = append(s.snapshots[r.RunID], &snapshot)
	return nil
}

func (s *Store) Lookup(ctx context.Context, runID string) (*flow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.store[runID]
	if !ok {
		return nil, flow.ErrRecordNotFound
	}

	// Return a new pointer so modifications don't affect the store.
	cp := *r
	return &cp, nil
}

func (s *Store) LookupSession(ctx context.Context, sessionID flow.SessionID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID, ok := s.sessions[sessionID]
	if !ok {
		return "", flow.ErrRecordNotFound
	}

	return runID, nil
}

func (s *Store) List(ctx context.Context, offset int64, limit int, statuses ...flow.Status) ([]flow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit == 0 {
		limit = defaultListLimit
	}

	want := make(map[flow.Status]bool)
	for _, st := range statuses {
		want[st] = true
	}

	var (
		entries []flow.Record
		skipped int64
	)
	for _, runID := range s.order {
		r := s.store[runID]
		if len(want) > 0 && !want[r.Status] {
			continue
		}

		if skipped < offset {
			skipped++
			continue
		}

		entries = append(entries, *r)
		if len(entries) >= limit {
			break
		}
	}

	return entries, nil
}

func (s *Store) ListOutbox(ctx context.Context, limit int64) ([]flow.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []flow.OutboxEntry
	for _, entry := range s.outbox {
		if int64(len(entries)) >= limit {
			break
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *Store) DeleteOutbox(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []flow.OutboxEntry
	for _, entry := range s.outbox {
		if entry.ID == id {
			continue
		}

		filtered = append(filtered, entry)
	}

	s.outbox = filtered
	return nil
}

// Snapshots returns every committed version of a run, oldest first.
func (s *Store) Snapshots(runID string) []*flow.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*flow.Record(nil), s.snapshots[runID]...)
}
