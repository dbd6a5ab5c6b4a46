package broker

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/playingpack/internal/wire"
)

// Event is published to subscribers on every observable state
// transition (spec.md §4.6, §4.8).
type Event struct {
	Type    string   `json:"type"`
	Session *Session `json:"session"`
}

// Settings are the three operator-tunable knobs (spec.md §3, §6).
type Settings struct {
	Cache      CacheMode
	Intervene  bool
	Upstream   string
}

type CacheMode string

const (
	CacheOff       CacheMode = "off"
	CacheRead      CacheMode = "read"
	CacheReadWrite CacheMode = "read-write"
)

// DefaultSettings matches spec.md §6's defaults.
func DefaultSettings() Settings {
	return Settings{Cache: CacheReadWrite, Intervene: true, Upstream: "https://api.openai.com"}
}

// maxRetainedSessions bounds how many completed sessions stay
// available for inspection (spec.md §3: "no more than a fixed number
// (100) remain").
const maxRetainedSessions = 100

// Broker owns the session map, fans out update events to subscribers,
// and arbitrates the two per-session decision points. All mutation and
// observation goes through a single mutex (spec.md §5 "Shared state").
type Broker struct {
	mu sync.Mutex

	settings Settings
	sessions map[string]*Session
	order    []string // insertion order, oldest first, for reaping

	subscribers map[int]chan Event
	nextSub     int

	point1Chans map[string]chan Point1Action
	point2Chans map[string]chan Point2Action

	completed *lru.Cache[string, struct{}]
	onArchive func(*Session)
}

// New creates a Broker with the given initial settings.
func New(settings Settings) *Broker {
	b := &Broker{
		settings:    settings,
		sessions:    make(map[string]*Session),
		subscribers: make(map[int]chan Event),
		point1Chans: make(map[string]chan Point1Action),
		point2Chans: make(map[string]chan Point2Action),
	}
	// onEvicted fires synchronously from Add when the LRU exceeds
	// maxRetainedSessions; it never runs while b.mu is held by the
	// caller of Add, so taking the lock here is safe.
	completed, _ := lru.NewWithEvict[string, struct{}](maxRetainedSessions, func(evictedID string, _ struct{}) {
		b.mu.Lock()
		session, ok := b.sessions[evictedID]
		var snap *Session
		if ok {
			snap = session.snapshot()
		}
		delete(b.sessions, evictedID)
		for i, sid := range b.order {
			if sid == evictedID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
		archiver := b.onArchive
		b.mu.Unlock()

		if snap != nil && archiver != nil {
			archiver(snap)
		}
	})
	b.completed = completed
	return b
}

// SetArchiver registers a callback invoked with a completed session's
// final snapshot just before it is evicted from the in-memory list,
// so a caller can persist it elsewhere (spec.md §3's reaper paired
// with SPEC_FULL.md's history archive). Must be called before any
// session completes; it is not safe to change concurrently with
// evictions.
func (b *Broker) SetArchiver(fn func(*Session)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onArchive = fn
}

// Settings returns a snapshot of the current settings. Readers take a
// snapshot per request (spec.md §5).
func (b *Broker) Settings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

// UpdateSettings hot-swaps the settings (spec.md §3, §6).
func (b *Broker) UpdateSettings(s Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = s
}

// Create registers a new session for req under the caller-computed
// fingerprint, derives its initial state from the current Intervene
// setting, and emits request_update.
func (b *Broker) Create(id string, req RequestSnapshot, fingerprint string) *Session {
	b.mu.Lock()
	state := StateProcessing
	if b.settings.Intervene {
		state = StatePending
	}
	session := &Session{
		ID:          id,
		State:       state,
		CreatedAt:   now(),
		Request:     req,
		Fingerprint: fingerprint,
	}
	b.sessions[id] = session
	b.order = append(b.order, id)
	b.mu.Unlock()

	b.publish(session)
	return session
}

// Get returns a snapshot of the session, or nil if unknown.
func (b *Broker) Get(id string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil
	}
	return s.snapshot()
}

// List returns snapshots of all retained sessions, oldest first.
func (b *Broker) List() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Session, 0, len(b.order))
	for _, id := range b.order {
		if s, ok := b.sessions[id]; ok {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// mutate applies fn under the lock and, unless silent, publishes the
// resulting session snapshot.
func (b *Broker) mutate(id string, silent bool, fn func(*Session)) {
	b.mu.Lock()
	s, ok := b.sessions[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	fn(s)
	snap := s.snapshot()
	b.mu.Unlock()

	if !silent {
		b.publish(snap)
	}
}

// SetCacheAvailable records whether a cache entry exists for the
// session's fingerprint/stream mode.
func (b *Broker) SetCacheAvailable(id string, available bool) {
	b.mutate(id, false, func(s *Session) { s.CacheAvailable = available })
}

// SetProcessing transitions pending -> processing (the resolution of
// point 1 when intervene is on).
func (b *Broker) SetProcessing(id string) {
	b.mutate(id, false, func(s *Session) {
		if s.State == StateComplete {
			return
		}
		s.State = StateProcessing
		t := now()
		s.ProcessingAt = &t
	})
}

// SetReviewing transitions processing -> reviewing, entered only when
// intervene is on and the response buffer is ready.
func (b *Broker) SetReviewing(id string) {
	b.mutate(id, false, func(s *Session) {
		if s.State == StateComplete {
			return
		}
		s.State = StateReviewing
	})
}

// SetResponseSource records where the emitted bytes came from.
func (b *Broker) SetResponseSource(id string, source ResponseSource) {
	b.mutate(id, false, func(s *Session) { s.ResponseSource = &source })
}

// SetResponseStatus initializes or updates the response's HTTP status.
func (b *Broker) SetResponseStatus(id string, status int) {
	b.mutate(id, false, func(s *Session) {
		if s.Response == nil {
			s.Response = &ResponseView{}
		}
		s.Response.Status = status
	})
}

// AppendContent appends text to the response content. This mutator is
// deliberately silent to avoid flooding subscribers with per-token
// events; consumers re-sync on the next non-silent emission
// (spec.md §4.6).
func (b *Broker) AppendContent(id string, text string) {
	b.mutate(id, true, func(s *Session) {
		if s.Response == nil {
			s.Response = &ResponseView{}
		}
		s.Response.Content += text
	})
}

// AppendToolCall upserts a tool call fragment by index.
func (b *Broker) AppendToolCall(id string, call ToolCall) {
	b.mutate(id, false, func(s *Session) {
		if s.Response == nil {
			s.Response = &ResponseView{}
		}
		for i := range s.Response.ToolCalls {
			if s.Response.ToolCalls[i].Index == call.Index {
				if call.ID != "" {
					s.Response.ToolCalls[i].ID = call.ID
				}
				if call.Name != "" {
					s.Response.ToolCalls[i].Name = call.Name
				}
				s.Response.ToolCalls[i].Arguments += call.Arguments
				return
			}
		}
		s.Response.ToolCalls = append(s.Response.ToolCalls, call)
	})
}

// SetFinishReason records the finish reason, once.
func (b *Broker) SetFinishReason(id string, reason string) {
	b.mutate(id, false, func(s *Session) {
		if s.Response == nil {
			s.Response = &ResponseView{}
		}
		if s.Response.FinishReason == "" {
			s.Response.FinishReason = reason
		}
	})
}

// SetUsage records usage, once.
func (b *Broker) SetUsage(id string, usage wire.Usage) {
	b.mutate(id, false, func(s *Session) {
		if s.Response == nil {
			s.Response = &ResponseView{}
		}
		if s.Response.Usage == nil {
			u := usage
			s.Response.Usage = &u
		}
	})
}

// Complete marks the session complete. No session transitions out of
// Complete once entered (spec.md §3).
func (b *Broker) Complete(id string) {
	b.mutate(id, false, func(s *Session) {
		if s.State == StateComplete {
			return
		}
		s.State = StateComplete
		t := now()
		s.CompletedAt = &t
	})
	b.reap(id)
}

// Error marks the session complete with an error message.
func (b *Broker) Error(id string, message string) {
	b.mutate(id, false, func(s *Session) {
		if s.State == StateComplete {
			return
		}
		s.Error = &message
		s.State = StateComplete
		t := now()
		s.CompletedAt = &t
	})
	b.reap(id)
}

// reap records id as completed. The underlying LRU cache is bounded at
// maxRetainedSessions; once a completion pushes it over that bound, the
// cache's own eviction (wired to the onEvicted callback in New) drops
// the oldest completed session from the map (spec.md §3: "a background
// reaper evicts completed sessions so no more than a fixed number (100)
// remain"). Driving eviction from Add rather than a separate goroutine
// means every reap happens at a point the session is already known to
// be complete, with no extra polling loop to race against shutdown.
func (b *Broker) reap(id string) {
	b.completed.Add(id, struct{}{})
}

// publish fans session out to every subscriber. Listener-side backlog
// is bounded by a buffered channel per subscriber; a full channel
// drops the event rather than blocking the broker, since a stalled
// operator UI must never starve other requests (spec.md §5).
func (b *Broker) publish(session *Session) {
	event := Event{Type: "request_update", Session: session.snapshot()}

	// Sends are non-blocking, so they run under the lock; this keeps an
	// unsubscribe from closing a channel between lookup and send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new listener and returns it along with an
// unsubscribe function. Listener exceptions (a send to a full or
// closed channel) are swallowed, never propagated to the broker
// (spec.md §4.6).
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, 64)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			close(existing)
			delete(b.subscribers, id)
		}
	}
}

// AwaitPoint1 suspends until a matching ResolvePoint1 arrives, or ctx
// is cancelled. Exactly one awaiter per session per point is permitted;
// a second concurrent await is a programmer error (spec.md §4.6).
func (b *Broker) AwaitPoint1(ctx contextLike, id string) (Point1Action, error) {
	ch := b.registerPoint1(id)
	select {
	case action := <-ch:
		return action, nil
	case <-ctx.Done():
		return Point1Action{}, ctx.Err()
	}
}

func (b *Broker) registerPoint1(id string) chan Point1Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.point1Chans[id]; exists {
		panic(fmt.Sprintf("broker: point 1 already has a pending awaiter for session %s", id))
	}
	ch := make(chan Point1Action, 1)
	b.point1Chans[id] = ch
	return ch
}

// ResolvePoint1 delivers action to the pending point-1 awaiter for id.
// Returns false if no awaiter is pending (spec.md §7: "decision action
// without pending awaiter -> {success:false}; no state change").
func (b *Broker) ResolvePoint1(id string, action Point1Action) bool {
	b.mu.Lock()
	ch, ok := b.point1Chans[id]
	if ok {
		delete(b.point1Chans, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- action
	return true
}

// AwaitPoint2 suspends until a matching ResolvePoint2 arrives, or ctx
// is cancelled.
func (b *Broker) AwaitPoint2(ctx contextLike, id string) (Point2Action, error) {
	ch := b.registerPoint2(id)
	select {
	case action := <-ch:
		return action, nil
	case <-ctx.Done():
		return Point2Action{}, ctx.Err()
	}
}

func (b *Broker) registerPoint2(id string) chan Point2Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.point2Chans[id]; exists {
		panic(fmt.Sprintf("broker: point 2 already has a pending awaiter for session %s", id))
	}
	ch := make(chan Point2Action, 1)
	b.point2Chans[id] = ch
	return ch
}

// ResolvePoint2 delivers action to the pending point-2 awaiter for id.
func (b *Broker) ResolvePoint2(id string, action Point2Action) bool {
	b.mu.Lock()
	ch, ok := b.point2Chans[id]
	if ok {
		delete(b.point2Chans, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- action
	return true
}

// HasPendingPoint1 reports whether a point-1 awaiter is currently
// registered for id, for Decision API callers that want to avoid a
// doomed resolve.
func (b *Broker) HasPendingPoint1(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.point1Chans[id]
	return ok
}

// HasPendingPoint2 reports whether a point-2 awaiter is currently
// registered for id.
func (b *Broker) HasPendingPoint2(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.point2Chans[id]
	return ok
}

// contextLike is the minimal surface Await needs from context.Context.
type contextLike interface {
	Done() <-chan struct{}
	Err() error
}

func now() time.Time { return time.Now() }
