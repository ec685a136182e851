// Package syncer reconciles a client session's local view against
// authoritative state.
//
// Each session runs as a single-goroutine actor with one inbound event
// queue, decoupling receive from apply. The notification channel is
// at-least-once and unordered across independent updates, so every
// apply is idempotent to duplicates and discards out-of-order delivery
// using the row's own updated_at rather than arrival order. Merges
// replace the local copy wholesale, never field-by-field, so stale
// sub-fields cannot be resurrected. After a connection gap the session
// refetches everything it cares about; missed events are not
// redelivered.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/karroolabs/karroo/internal/realtime"
)

// Row is the syncer's view of one authoritative record.
type Row struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`
	Payload   any       `json:"payload"`
}

// Fetcher loads the full authoritative state scoped to one user.
type Fetcher interface {
	FetchAll(ctx context.Context, userID string) (map[realtime.Entity][]Row, error)
}

// Event is one inbound row change for the session.
type Event struct {
	Entity realtime.Entity
	Row    Row
}

type command struct {
	event  *Event
	resync chan error
}

// Session is the per-client synchronization actor. It is the
// client-embedding surface: a Go client feeds it events from its
// websocket subscription and points the Fetcher at GET /v1/sync. The
// server side only shares Row and Fetcher, which back that endpoint's
// snapshot.
type Session struct {
	userID  string
	fetcher Fetcher
	inbox   chan command
	stop    chan struct{}
	once    sync.Once

	mu    sync.RWMutex
	state map[realtime.Entity]map[string]Row

	dropped int
}

// QueueSize bounds the inbound event queue. A full queue drops the
// event; the drop count tells the session a resync is needed.
const QueueSize = 256

// NewSession creates a session actor for one user.
func NewSession(userID string, fetcher Fetcher) *Session {
	return &Session{
		userID:  userID,
		fetcher: fetcher,
		inbox:   make(chan command, QueueSize),
		stop:    make(chan struct{}),
		state:   make(map[realtime.Entity]map[string]Row),
	}
}

// Start runs the actor loop. Call in a goroutine.
func (s *Session) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case cmd := <-s.inbox:
			if cmd.event != nil {
				s.apply(cmd.event)
			}
			if cmd.resync != nil {
				cmd.resync <- s.doResync(ctx)
			}
		}
	}
}

// Stop shuts the actor down.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Enqueue hands an inbound event to the actor. Non-blocking: a full
// queue drops the event and records the gap.
func (s *Session) Enqueue(ev Event) {
	select {
	case s.inbox <- command{event: &ev}:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Resync performs a full refetch inside the actor, replacing local
// state wholesale. Used on reconnect after a gap.
func (s *Session) Resync(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.inbox <- command{resync: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NeedsResync reports whether events were dropped since the last
// successful resync.
func (s *Session) NeedsResync() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped > 0
}

// Get returns the local copy of a row.
func (s *Session) Get(entity realtime.Entity, id string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.state[entity][id]
	return row, ok
}

// Snapshot returns all local rows for an entity.
func (s *Session) Snapshot(entity realtime.Entity) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]Row, 0, len(s.state[entity]))
	for _, r := range s.state[entity] {
		rows = append(rows, r)
	}
	return rows
}

// apply merges one event. Rows older than the local copy are
// discarded; everything else replaces the copy wholesale.
func (s *Session) apply(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.state[ev.Entity]
	if !ok {
		rows = make(map[string]Row)
		s.state[ev.Entity] = rows
	}

	if existing, ok := rows[ev.Row.ID]; ok && existing.UpdatedAt.After(ev.Row.UpdatedAt) {
		return
	}
	rows[ev.Row.ID] = ev.Row
}

func (s *Session) doResync(ctx context.Context) error {
	all, err := s.fetcher.FetchAll(ctx, s.userID)
	if err != nil {
		return err
	}

	fresh := make(map[realtime.Entity]map[string]Row, len(all))
	for entity, rows := range all {
		m := make(map[string]Row, len(rows))
		for _, r := range rows {
			m[r.ID] = r
		}
		fresh[entity] = m
	}

	s.mu.Lock()
	s.state = fresh
	s.dropped = 0
	s.mu.Unlock()
	return nil
}
