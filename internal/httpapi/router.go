// Package httpapi serves a session's conversation state over HTTP for
// presentation layers, and mounts the channel webhook.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	inbox "github.com/caiogn-dev/server-sub001"
)

// Service is the session surface the API exposes. *inbox.Session
// implements it.
type Service interface {
	GetConversations() []inbox.Conversation
	GetMessages(conversationID string) []inbox.Message
	GetUnreadTotal() int
	SelectedConversationID() string
	SelectConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID string, content json.RawMessage) (string, error)
	MarkRead(ctx context.Context, conversationID string) error
	LoadMessages(ctx context.Context, conversationID string, p inbox.Pagination) (*inbox.MessagePage, error)
}

// Options configures the router. Webhook and Gatherer are optional; the
// matching routes are not mounted without them.
type Options struct {
	Logger   zerolog.Logger
	Webhook  http.Handler
	Gatherer prometheus.Gatherer
}

// NewRouter creates and configures the HTTP router.
func NewRouter(svc Service, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(opts.Logger))
	r.Use(chimw.Recoverer)

	h := &handler{svc: svc}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/conversations", h.listConversations)
		r.Get("/conversations/{id}/messages", h.listMessages)
		r.Post("/conversations/{id}/messages", h.sendMessage)
		r.Post("/conversations/{id}/read", h.markRead)
		r.Get("/unread", h.unread)
		r.Get("/selection", h.getSelection)
		r.Put("/selection", h.putSelection)
		if opts.Webhook != nil {
			r.Handle("/webhooks/channel", opts.Webhook)
		}
	})

	return r
}

type handler struct {
	svc Service
}

func (h *handler) listConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetConversations())
}

// listMessages answers from the cache. With ?load=1 or a before cursor it
// fetches a page from the server first.
func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	before := q.Get("before")

	if before != "" || q.Get("load") == "1" {
		p := inbox.Pagination{Before: before}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
				return
			}
			p.Limit = n
		}
		page, err := h.svc.LoadMessages(r.Context(), id, p)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		writeJSONMeta(w, http.StatusOK, h.svc.GetMessages(id), map[string]any{
			"next_cursor": page.NextCursor,
			"has_more":    page.HasMore,
		})
		return
	}

	writeJSON(w, http.StatusOK, h.svc.GetMessages(id))
}

type sendRequest struct {
	Content json.RawMessage `json:"content"`
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}
	if len(req.Content) == 0 || string(req.Content) == "null" {
		writeError(w, http.StatusBadRequest, "MISSING_CONTENT", "content is required")
		return
	}
	id, err := h.svc.SendMessage(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(inbox.StatusPending)})
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.MarkRead(r.Context(), id); err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_total": h.svc.GetUnreadTotal()})
}

func (h *handler) unread(w http.ResponseWriter, r *http.Request) {
	convs := h.svc.GetConversations()
	per := make(map[string]int, len(convs))
	for _, c := range convs {
		if c.UnreadCount > 0 {
			per[c.ID] = c.UnreadCount
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         h.svc.GetUnreadTotal(),
		"conversations": per,
	})
}

type selection struct {
	ConversationID string `json:"conversation_id"`
}

func (h *handler) getSelection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, selection{ConversationID: h.svc.SelectedConversationID()})
}

func (h *handler) putSelection(w http.ResponseWriter, r *http.Request) {
	var req selection
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}
	if err := h.svc.SelectConversation(r.Context(), req.ConversationID); err != nil {
		writeError(w, http.StatusInternalServerError, "PREFERENCES", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ── Responses ────────────────────────────────────────────

type envelope struct {
	OK    bool            `json:"ok"`
	Data  any             `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *inbox.APIError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSONMeta(w, status, data, nil)
}

func writeJSONMeta(w http.ResponseWriter, status int, data any, meta map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data, Meta: meta})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &inbox.APIError{Code: code, Message: msg}})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inbox.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error())
	case errors.Is(err, inbox.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "CLOSED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// writeUpstreamError reports a failed call to the messaging API, keeping
// its error code when it returned one.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *inbox.APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusBadGateway, apiErr.Code, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "UPSTREAM", err.Error())
}
