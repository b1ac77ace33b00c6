package clients

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/akmlabs5/loanledger-edge/internal/logging"
)

// StreamHandler serves the event stream. Each connected request is a session
// for as long as it stays open.
type StreamHandler struct {
	Hub *Hub
	// Heartbeat interval for keep-alive comments; 15s when zero.
	Heartbeat time.Duration
	// Version reports the active cache version for the hello frame.
	Version func() string
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s := h.Hub.Connect()
	defer h.Hub.Disconnect(s)

	log := logging.FromContext(r.Context()).With("session", s.ID)
	log.Debug("client session opened")
	defer log.Debug("client session closed")

	hello := Message{Type: NoticeHello, Session: s.ID}
	if h.Version != nil {
		hello.Version = h.Version()
	}
	if err := writeEvent(w, hello); err != nil {
		return
	}
	flusher.Flush()

	interval := h.Heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case msg := <-s.Messages():
			if err := writeEvent(w, msg); err != nil {
				log.Debug("write to client session failed", "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
