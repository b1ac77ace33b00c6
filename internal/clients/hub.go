// Package clients tracks the open client sessions controlled by the gateway
// and delivers broadcast notices to them. A session is one connected
// Server-Sent Events stream.
package clients

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/metrics"
)

// DefaultSendTimeout bounds how long a broadcast waits on one session.
const DefaultSendTimeout = 5 * time.Second

// Notice types sent to sessions.
const (
	NoticeHello             = "HELLO"
	NoticeCacheCleared      = "CACHE_CLEARED"
	NoticeControllerChanged = "CONTROLLER_CHANGED"
)

// Message is one notice delivered to a session.
type Message struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Version string `json:"version,omitempty"`
}

// Session is one open client.
type Session struct {
	ID   string
	ch   chan Message
	done chan struct{}
	once sync.Once
}

// Messages returns the session's delivery channel.
func (s *Session) Messages() <-chan Message { return s.ch }

// Done is closed when the session disconnects.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub is the set of open sessions.
type Hub struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	onIdle      func()
	sendTimeout time.Duration
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session), sendTimeout: DefaultSendTimeout}
}

// SetSendTimeout changes how long a broadcast waits on a session whose
// buffer is full before disconnecting it.
func (h *Hub) SetSendTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendTimeout = d
}

// OnIdle registers fn, called after the last session disconnects.
func (h *Hub) OnIdle(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onIdle = fn
}

// Connect opens a new session.
func (h *Hub) Connect() *Session {
	s := &Session{
		ID:   uuid.NewString(),
		ch:   make(chan Message, 16),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.ClientSessions.Set(float64(n))
	return s
}

// Disconnect closes s. Disconnecting twice is a no-op.
func (h *Hub) Disconnect(s *Session) {
	s.close()

	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	n := len(h.sessions)
	onIdle := h.onIdle
	h.mu.Unlock()

	if !ok {
		return
	}
	metrics.ClientSessions.Set(float64(n))
	if n == 0 && onIdle != nil {
		onIdle()
	}
}

// Count returns the number of open sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Broadcast delivers msg once to every session open at the time of the call
// and returns the number of deliveries. A session that does not take the
// message within the send timeout is disconnected and skipped.
func (h *Hub) Broadcast(ctx context.Context, msg Message) (int, error) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	timeout := h.sendTimeout
	h.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		ok, err := h.send(ctx, s, msg, timeout)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
			metrics.BroadcastMessages.WithLabelValues(msg.Type).Inc()
		}
	}
	return delivered, nil
}

func (h *Hub) send(ctx context.Context, s *Session, msg Message, timeout time.Duration) (bool, error) {
	select {
	case s.ch <- msg:
		return true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- msg:
		return true, nil
	case <-s.done:
		return false, nil
	case <-timer.C:
		logging.FromContext(ctx).Warn("session not reading, disconnecting", "session", s.ID, "notice", msg.Type)
		h.Disconnect(s)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
