package eventstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/session"
)

// Call is the in-memory view of one call's lifecycle: attribution from
// its init event plus every event observed since.
type Call struct {
	ID            string          `json:"id"`
	Direction     string          `json:"direction"`
	CallingNumber string          `json:"calling_number"`
	CalledNumber  string          `json:"called_number"`
	AgentProject  string          `json:"agent_project"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time,omitempty"`
	EndReason     string          `json:"end_reason,omitempty"`
	Active        bool            `json:"active"`
	Events        []session.Event `json:"events"`
}

// watchBuffer bounds each watcher's delivery channel. A slow consumer
// loses events rather than stalling sessions.
const watchBuffer = 64

// defaultRetention is how long an ended call stays queryable.
const defaultRetention = time.Hour

// purgeInterval is how often ended calls are checked against the
// retention window.
const purgeInterval = time.Minute

// Store keeps the live call list and per-call event logs, and fans
// events out to watchers (the console websocket). It satisfies
// session.Sink; events for one call id always arrive in order from a
// single goroutine, while different calls publish concurrently.
type Store struct {
	logger    *slog.Logger
	retention time.Duration

	mu       sync.RWMutex
	calls    map[string]*Call
	watchers map[int]chan session.Event
	nextID   int
}

// New creates a store. retention <= 0 uses the default of one hour.
func New(logger *slog.Logger, retention time.Duration) *Store {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Store{
		logger:    logger.With("subsystem", "eventstore"),
		retention: retention,
		calls:     make(map[string]*Call),
		watchers:  make(map[int]chan session.Event),
	}
}

// Publish records one session event and notifies watchers.
func (s *Store) Publish(ev session.Event) {
	s.mu.Lock()
	call, ok := s.calls[ev.CallID]
	if !ok {
		call = &Call{ID: ev.CallID, Active: true}
		s.calls[ev.CallID] = call
	}

	switch ev.Kind {
	case session.KindInit:
		call.Direction = ev.Direction
		call.CallingNumber = ev.CallingNumber
		call.CalledNumber = ev.CalledNumber
		call.AgentProject = ev.AgentProject
		call.StartTime = ev.Time
	case session.KindEnd:
		call.Active = false
		call.EndTime = ev.Time
		call.EndReason = ev.Reason
	}
	call.Events = append(call.Events, ev)

	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			// Slow watcher; it will resync from a snapshot.
		}
	}
	s.mu.Unlock()
}

// Call returns a copy of one call's state.
func (s *Store) Call(id string) (Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return Call{}, false
	}
	return snapshot(call), true
}

// Calls returns all known calls, most recent first.
func (s *Store) Calls() []Call {
	s.mu.RLock()
	out := make([]Call, 0, len(s.calls))
	for _, call := range s.calls {
		out = append(out, snapshot(call))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// ActiveCount returns the number of calls still in progress.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, call := range s.calls {
		if call.Active {
			n++
		}
	}
	return n
}

// Watch subscribes to the live event feed. The returned cancel func
// must be called to release the subscription; the channel is closed
// afterwards.
func (s *Store) Watch() (<-chan session.Event, func()) {
	ch := make(chan session.Event, watchBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// RunPurge drops ended calls older than the retention window until the
// context is cancelled.
func (s *Store) RunPurge(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(time.Now().Add(-s.retention))
		}
	}
}

func (s *Store) purge(cutoff time.Time) {
	s.mu.Lock()
	removed := 0
	for id, call := range s.calls {
		if !call.Active && call.EndTime.Before(cutoff) {
			delete(s.calls, id)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.logger.Debug("purged ended calls", "count", removed)
	}
}

func snapshot(call *Call) Call {
	out := *call
	out.Events = append([]session.Event(nil), call.Events...)
	return out
}
