// Package control serves the gateway's control surface under /__edge: the
// client event stream, lifecycle messages (SKIP_WAITING, CLEAR_CACHE),
// background-sync triggers and read-only status.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/akmlabs5/loanledger-edge/internal/bgsync"
	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/ratelimit"
)

// Control message types.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

const maxMessageBytes = 64 << 10

const messageSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "enum": ["SKIP_WAITING", "CLEAR_CACHE"]}
	}
}`

var compiledMessageSchema = jsonschema.MustCompileString("edge-message.json", messageSchema)

// Controller is the gateway side of the control surface.
type Controller interface {
	SkipWaiting(ctx context.Context) error
	// ClearCache deletes every store, notifies every open session and
	// returns the number of stores removed.
	ClearCache(ctx context.Context) (int, error)
	Status(ctx context.Context) Status
	Stores(ctx context.Context) ([]StoreInfo, error)
	// Sync runs a background-sync task; unknown tags wrap
	// bgsync.ErrUnknownTag.
	Sync(ctx context.Context, tag string) error
}

// Status is the body of GET /status.
type Status struct {
	ConfiguredVersion string   `json:"configured_version"`
	State             string   `json:"state"`
	ActiveVersion     string   `json:"active_version,omitempty"`
	WaitingVersion    string   `json:"waiting_version,omitempty"`
	Sessions          int      `json:"sessions"`
	OriginCircuit     string   `json:"origin_circuit,omitempty"`
	SyncTags          []string `json:"sync_tags"`
}

// StoreInfo describes one cache store.
type StoreInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Message is a decoded control message.
type Message struct {
	Type string `json:"type"`
}

// Handlers holds dependencies for the control endpoints.
type Handlers struct {
	Controller Controller
	// Events serves the client session stream.
	Events http.Handler
	// Token, when set, is required as a bearer token on write endpoints.
	Token string
	// Limiter, when set, rate limits write endpoints per client IP.
	Limiter *ratelimit.Store
}

// Routes returns a chi.Router with all control endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if h.Events != nil {
			r.Get("/events", h.Events.ServeHTTP)
		}
		r.Get("/status", h.status)
		r.Get("/stores", h.stores)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(h.Token))
		r.Use(RateLimit(h.Limiter))
		r.Post("/messages", h.message)
		r.Post("/sync/{tag}", h.sync)
	})

	return r
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Controller.Status(r.Context()))
}

func (h *Handlers) stores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.Controller.Stores(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   stores,
	})
}

// DecodeMessage reads and validates a control message.
func DecodeMessage(body io.Reader) (Message, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return Message{}, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Message{}, err
	}
	if err := compiledMessageSchema.Validate(doc); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (h *Handlers) message(w http.ResponseWriter, r *http.Request) {
	msg, err := DecodeMessage(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid control message: "+err.Error(), "", "invalid_message")
		return
	}

	ctx := r.Context()
	log := logging.FromContext(ctx).With("message", msg.Type)
	switch msg.Type {
	case MessageSkipWaiting:
		if err := h.Controller.SkipWaiting(ctx); err != nil {
			log.Error("skip waiting failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error(), "", "activation_failed")
			return
		}
		st := h.Controller.Status(ctx)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"type":           msg.Type,
			"active_version": st.ActiveVersion,
		})
	case MessageClearCache:
		n, err := h.Controller.ClearCache(ctx)
		if err != nil {
			log.Error("clear cache failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error(), "", "clear_failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"type":    msg.Type,
			"cleared": n,
		})
	}
}

func (h *Handlers) sync(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(chi.URLParam(r, "tag"))
	err := h.Controller.Sync(r.Context(), tag)
	switch {
	case errors.Is(err, bgsync.ErrUnknownTag):
		writeError(w, http.StatusNotFound, "sync tag not registered: "+tag, "", "unknown_sync_tag")
	case err != nil:
		logging.FromContext(r.Context()).Error("background sync failed", "tag", tag, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "", "sync_failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"tag": tag, "status": "completed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the JSON error envelope:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
