// Package hooks is the HTTP ingress: one endpoint per agent hook event,
// a status endpoint, and Prometheus metrics, all on a loopback listener.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claudecube/claudecube/internal/domain/session"
	"github.com/claudecube/claudecube/internal/service"
)

// PendingCounter reports in-flight approvals, for the gauge.
type PendingCounter interface {
	PendingCount() int
}

// Handler routes hook events to the decision pipelines.
type Handler struct {
	pretool   *service.PreToolService
	stop      *service.StopService
	lifecycle *service.LifecycleService
	registry  *session.Registry
	pending   PendingCounter // may be nil
	metrics   *Metrics
	logger    *slog.Logger
}

// NewHandler wires the ingress.
func NewHandler(pretool *service.PreToolService, stop *service.StopService, lifecycle *service.LifecycleService, registry *session.Registry, pending PendingCounter, metrics *Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		pretool:   pretool,
		stop:      stop,
		lifecycle: lifecycle,
		registry:  registry,
		pending:   pending,
		metrics:   metrics,
		logger:    logger,
	}
}

// Router builds the http.Handler with all routes and middleware.
func (h *Handler) Router(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/PreToolUse", h.handlePreToolUse)
	mux.HandleFunc("POST /hooks/Stop", h.handleStop)
	mux.HandleFunc("POST /hooks/SessionStart", h.handleSessionStart)
	mux.HandleFunc("POST /hooks/SessionEnd", h.handleSessionEnd)
	mux.HandleFunc("POST /hooks/Notification", h.handleNotification)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", h.handleNotFound)

	var handler http.Handler = mux
	handler = h.recoverMiddleware(handler)
	handler = RequestIDMiddleware(h.logger)(handler)
	return handler
}

// recoverMiddleware converts a panic into 500 {error}; the hook bridge
// then fails open.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				LoggerFromContext(r.Context()).Error("handler panic",
					"path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": fmt.Sprintf("%v", rec),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePreToolUse(w http.ResponseWriter, r *http.Request) {
	h.metrics.HookEventsTotal.WithLabelValues("PreToolUse").Inc()

	var ev service.PreToolUseEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := h.pretool.HandlePreToolUse(r.Context(), ev)

	if out := resp.HookSpecificOutput; out != nil {
		h.metrics.DecisionsTotal.WithLabelValues(out.PermissionDecision, deciderLabel(resp)).Inc()
	}
	h.updateGauges()
	writeJSON(w, http.StatusOK, resp)
}

// deciderLabel is a coarse mapping for metrics only; audit carries the
// authoritative tag.
func deciderLabel(resp service.HookResponse) string {
	if resp.Decision == "" {
		return "rule"
	}
	return "pipeline"
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.metrics.HookEventsTotal.WithLabelValues("Stop").Inc()

	var ev service.StopEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := h.stop.HandleStop(r.Context(), ev)
	h.updateGauges()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, "SessionStart", h.lifecycle.HandleSessionStart)
}

func (h *Handler) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, "SessionEnd", h.lifecycle.HandleSessionEnd)
}

func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, "Notification", h.lifecycle.HandleNotification)
}

func (h *Handler) handleLifecycle(w http.ResponseWriter, r *http.Request, event string, fn func(ctx context.Context, ev service.LifecycleEvent) service.HookResponse) {
	h.metrics.HookEventsTotal.WithLabelValues(event).Inc()

	var ev service.LifecycleEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := fn(r.Context(), ev)
	h.updateGauges()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.GetAll()
	h.updateGauges()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
}

func (h *Handler) updateGauges() {
	h.metrics.ActiveSessions.Set(float64(len(h.registry.GetAll())))
	if h.pending != nil {
		h.metrics.PendingApprovals.Set(float64(h.pending.PendingCount()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
