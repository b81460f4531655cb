package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/distribute"
	"github.com/your-org/streamhub/internal/gateway"
	"github.com/your-org/streamhub/internal/ingest"
	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/internal/timesync"
)

type HTTPParams struct {
	Hub           *Hub
	Sources       *source.Registry
	Subscriptions *subscription.Registry
	Synchronizer  *timesync.Synchronizer
	Distributor   *distribute.Distributor
	Gateway       *gateway.Gateway
	// Push is set when sources deliver frames over HTTP.
	Push          *ingest.PushFeeds
	MaxFrameBytes int64
	Logger        *zap.Logger
}

// HTTPHandler exposes the control API, frame push endpoint and the agent
// websocket.
type HTTPHandler struct {
	p      HTTPParams
	logger *zap.Logger
	router chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(p HTTPParams) *HTTPHandler {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.MaxFrameBytes <= 0 {
		p.MaxFrameBytes = 16 << 20
	}
	h := &HTTPHandler{p: p, logger: p.Logger.Named("http")}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Websocket sessions outlive any request timeout.
	r.Handle("/ws", h.p.Gateway)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/healthz", h.handleHealth)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/sources", h.handleListSources)
			r.Post("/sources", h.handleRegisterSource)
			r.Get("/sources/{id}", h.handleGetSource)
			r.Delete("/sources/{id}", h.handleRemoveSource)
			r.Get("/sources/{id}/sync", h.handleSourceSync)
			r.Post("/sources/{id}/frames", h.handlePushFrame)
			r.Get("/sync", h.handleSyncStatuses)
			r.Get("/subscribers", h.handleListSubscribers)
			r.Get("/sessions", h.handleListSessions)
			r.Get("/pipelines", h.handleListPipelines)
			r.Get("/stats", h.handleStats)
		})
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	active := h.p.Sources.ListActive()
	for _, s := range active {
		if s.Health == source.HealthDegraded {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"sources":     len(active),
		"subscribers": len(h.p.Subscriptions.List()),
	})
}

func (h *HTTPHandler) handleListSources(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, h.p.Sources.ListActive())
		return
	}
	writeJSON(w, http.StatusOK, h.p.Sources.List())
}

func (h *HTTPHandler) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var d source.Descriptor
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source descriptor")
		return
	}

	id, err := h.p.Sources.Register(r.Context(), d)
	switch {
	case errors.Is(err, source.ErrInvalidDescriptor):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, source.ErrUnsupportedSourceKind):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"id": id, "error": err.Error()})
		return
	case errors.Is(err, source.ErrKindChanged):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("register source failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "register failed")
		return
	}

	src, err := h.p.Sources.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "register failed")
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (h *HTTPHandler) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.p.Sources.Get(chi.URLParam(r, "id"))
	if errors.Is(err, source.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (h *HTTPHandler) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.p.Sources.MarkLost(id, "removed by operator")
	if errors.Is(err, source.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleSourceSync(w http.ResponseWriter, r *http.Request) {
	st, ok := h.p.Synchronizer.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no sync state for source")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPHandler) handleSyncStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Synchronizer.Statuses())
}

// handlePushFrame accepts one raw unit for a source whose feed is HTTP push.
// The body is the payload, Content-Type its mime type, and the optional
// Streamhub-Timestamp header the source-local capture time.
func (h *HTTPHandler) handlePushFrame(w http.ResponseWriter, r *http.Request) {
	if h.p.Push == nil {
		writeError(w, http.StatusNotImplemented, "frame push is disabled")
		return
	}
	if r.ContentLength > h.p.MaxFrameBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.p.MaxFrameBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	u := ingest.Unit{Payload: payload, MimeType: r.Header.Get(ingest.HeaderContentType)}
	if raw := r.Header.Get(ingest.HeaderTimestamp); raw != "" {
		ts, err := ingest.ParseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
		u.LocalTimestamp = ts
	}

	id := chi.URLParam(r, "id")
	if err := h.p.Push.Deliver(id, u); err != nil {
		if errors.Is(err, ingest.ErrNoFeed) {
			writeError(w, http.StatusConflict, "source has no open feed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Subscriptions.List())
}

func (h *HTTPHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Gateway.Sessions())
}

func (h *HTTPHandler) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Hub.Pipelines())
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.p.Distributor.Stats())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
