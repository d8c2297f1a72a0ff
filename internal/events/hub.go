package events

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/mqol-labs/internal/metrics"
)

// DefaultReplaySize is the number of events kept per session for replay.
const DefaultReplaySize = 100

// DefaultSubscriberBuffer is the channel capacity of each subscriber.
const DefaultSubscriberBuffer = 512

// Hub stamps events with a process-wide monotonic ID, keeps a bounded
// per-session history for Last-Event-ID replay and fans events out to live
// subscribers. A subscriber whose buffer is full misses the event; it can
// recover it through replay on reconnect.
type Hub struct {
	mu          sync.RWMutex
	history     map[string]*list.List
	subscribers map[string]map[int64]*Subscription
	replaySize  int
	bufferSize  int
	lastID      atomic.Int64
	subID       atomic.Int64
	logger      *slog.Logger
}

// Subscription is a live feed for one session.
type Subscription struct {
	ID        int64
	SessionID string
	C         <-chan Event
	ch        chan Event
	hub       *Hub
	once      sync.Once
}

// NewHub creates a hub. Non-positive sizes select defaults.
func NewHub(replaySize, bufferSize int, logger *slog.Logger) *Hub {
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		history:     make(map[string]*list.List),
		subscribers: make(map[string]map[int64]*Subscription),
		replaySize:  replaySize,
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Emit implements Emitter.
func (h *Hub) Emit(_ context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.Lock()
	ev.ID = h.lastID.Add(1)
	l, ok := h.history[ev.SessionID]
	if !ok {
		l = list.New()
		h.history[ev.SessionID] = l
	}
	l.PushBack(ev)
	for l.Len() > h.replaySize {
		l.Remove(l.Front())
	}
	defer h.mu.Unlock()

	// Sends never block, so delivering under the lock keeps every
	// subscriber's order identical to ID order.
	for _, s := range h.subscribers[ev.SessionID] {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			h.logger.Warn("subscriber buffer full, event dropped",
				"session_id", ev.SessionID,
				"subscription_id", s.ID,
				"event_id", ev.ID,
			)
		}
	}
	return nil
}

// Subscribe registers a live feed for sessionID. Events newer than afterID
// that are still in the history are returned for replay; live delivery only
// carries events emitted after the call.
func (h *Hub) Subscribe(sessionID string, afterID int64) (*Subscription, []Event) {
	ch := make(chan Event, h.bufferSize)
	s := &Subscription{
		ID:        h.subID.Add(1),
		SessionID: sessionID,
		C:         ch,
		ch:        ch,
		hub:       h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[int64]*Subscription)
	}
	h.subscribers[sessionID][s.ID] = s

	var missed []Event
	if afterID > 0 {
		if l, ok := h.history[sessionID]; ok {
			for e := l.Front(); e != nil; e = e.Next() {
				ev := e.Value.(Event)
				if ev.ID > afterID {
					missed = append(missed, ev)
				}
			}
		}
	}
	return s, missed
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subscribers[s.SessionID]; ok {
			delete(subs, s.ID)
			if len(subs) == 0 {
				delete(h.subscribers, s.SessionID)
			}
		}
	})
}

// History returns the retained events for sessionID newer than afterID.
func (h *Hub) History(sessionID string, afterID int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.history[sessionID]
	if !ok {
		return nil
	}
	var out []Event
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(Event)
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

// Prune drops the history of a session that has no live subscribers.
func (h *Hub) Prune(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribers[sessionID]) > 0 {
		return
	}
	delete(h.history, sessionID)
}

// LastID returns the most recently assigned event ID.
func (h *Hub) LastID() int64 {
	return h.lastID.Load()
}
