package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"shipwatch/shipwatch-triage/internal/bridge"
	"shipwatch/shipwatch-triage/internal/fanout"
	"shipwatch/shipwatch-triage/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	defaultHeartbeat   = 15 * time.Second
	defaultRecentCount = 50
	maxRecentCount     = 1000
)

// Service read side of the triage service; *service.TriageService satisfies it
type Service interface {
	ComputeEffectivePresence(ctx context.Context, crewID string) (models.EffectivePresence, error)
	ComputeEffectiveSummary(ctx context.Context) (models.PresenceSummary, error)
	CachedPresence(ctx context.Context, crewID string) (models.EffectivePresence, error)
	CachedSummary(ctx context.Context) (models.PresenceSummary, error)
	AllPresence(ctx context.Context) ([]models.EffectivePresence, error)
	OpenVisits(ctx context.Context) ([]models.TriageVisit, error)
	RecentEvents(ctx context.Context, count int64) ([]fanout.Message, error)
	BridgeState() bridge.State
	Hub() *fanout.Hub
}

type Handler struct {
	svc       Service
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewHandler(svc Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger, heartbeat: defaultHeartbeat}
}

// SetHeartbeat interval of SSE keep-alive comments
func (h *Handler) SetHeartbeat(d time.Duration) {
	if d > 0 {
		h.heartbeat = d
	}
}

// NewRouter chi router with request logging and panic recovery
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Route("/api", func(r chi.Router) {
		RegisterRoutes(r, h)
	})
	return r
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/presence", h.ListPresence)
	r.Get("/presence/summary", h.GetSummary)
	r.Get("/presence/{crewID}", h.GetPresence)
	r.Get("/triage/visits", h.ListOpenVisits)
	r.Get("/events", h.StreamEvents)
	r.Get("/events/recent", h.RecentEvents)
}

type healthStatus struct {
	Bridge string `json:"bridge"`
}

// Health 200 while the bridge is listening, 503 otherwise
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.svc.BridgeState()
	body := Ok(healthStatus{Bridge: string(state)})
	if state != bridge.StateListening {
		body.Code, body.Type, body.Message = ResultError, "error", "change bridge is not listening"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.AllPresence(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(records))
}

// GetSummary cached unless ?fresh=true
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	var (
		summary models.PresenceSummary
		err     error
	)
	if fresh(r) {
		summary, err = h.svc.ComputeEffectiveSummary(r.Context())
	} else {
		summary, err = h.svc.CachedSummary(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(summary))
}

// GetPresence cached unless ?fresh=true
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	crewID := chi.URLParam(r, "crewID")
	var (
		p   models.EffectivePresence
		err error
	)
	if fresh(r) {
		p, err = h.svc.ComputeEffectivePresence(r.Context(), crewID)
	} else {
		p, err = h.svc.CachedPresence(r.Context(), crewID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(p))
}

func (h *Handler) ListOpenVisits(w http.ResponseWriter, r *http.Request) {
	visits, err := h.svc.OpenVisits(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(visits))
}

// RecentEvents journal read-back, ?count= defaults to 50
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	count := int64(parseInt(r.URL.Query().Get("count"), defaultRecentCount))
	if count < 1 || count > maxRecentCount {
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("count must be within 1..%d", maxRecentCount)))
		return
	}
	msgs, err := h.svc.RecentEvents(r.Context(), count)
	if err != nil {
		if errors.Is(err, fanout.ErrNoJournal) {
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(msgs))
}

// StreamEvents Server-Sent Events for one routing key (?topic=, default all).
// Only messages published after the request arrives are sent.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = fanout.AllTopics
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, Fail("streaming not supported"))
		return
	}

	sub := h.svc.Hub().Subscribe(topic)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", topic)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to encode event", zap.String("topic", msg.Topic), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
			flusher.Flush()
		}
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, models.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
		return
	}
	h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return i
}

func fresh(r *http.Request) bool {
	return r.URL.Query().Get("fresh") == "true"
}
