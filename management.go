package requestcontrol

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ManagementHandler exposes the runtime operations of the subsystem over
// HTTP: server suspend/resume, per-deployment and per-entry-point pause,
// capacity changes and a state snapshot.
type ManagementHandler struct {
	controller *Controller
	suspend    *SuspendController
	logger     Logger
}

// NewManagementHandler builds the management API for the given controller
// pair. The suspend controller may be nil, in which case the suspend and
// resume routes report conflict.
func NewManagementHandler(controller *Controller, suspend *SuspendController, logger Logger) (*ManagementHandler, error) {
	if controller == nil {
		return nil, ErrManagementControllerNil
	}
	return &ManagementHandler{
		controller: controller,
		suspend:    suspend,
		logger:     ensureLogger(logger),
	}, nil
}

// Router returns the chi router serving the management routes.
func (h *ManagementHandler) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/suspend", h.handleSuspend)
	r.Post("/resume", h.handleResume)
	r.Get("/state", h.handleState)
	r.Put("/max-requests", h.handleSetMaxRequests)

	r.Post("/deployments/{name}/pause", h.handlePauseDeployment)
	r.Post("/deployments/{name}/resume", h.handleResumeDeployment)
	r.Post("/entry-points/{name}/pause", h.handlePauseEntryPoint)
	r.Post("/entry-points/{name}/resume", h.handleResumeEntryPoint)

	return r
}

// handleSuspend starts a server suspend and waits for the drain up to the
// timeout query parameter (milliseconds, default none). 200 when suspended
// in time, 202 when the drain is still in progress, 500 when a suspend
// phase failed.
func (h *ManagementHandler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if h.suspend == nil {
		writeJSONError(w, http.StatusConflict, "suspend controller not configured")
		return
	}

	future := h.suspend.Suspend(r.Context())

	if timeout := parseTimeoutMillis(r); timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := future.Await(ctx); err != nil {
			if ctx.Err() != nil {
				writeJSON(w, http.StatusAccepted, map[string]any{"state": h.suspend.State().String()})
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": h.suspend.State().String()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"state": h.suspend.State().String()})
}

func (h *ManagementHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	if h.suspend == nil {
		writeJSONError(w, http.StatusConflict, "suspend controller not configured")
		return
	}
	h.suspend.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"state": h.suspend.State().String()})
}

func (h *ManagementHandler) handleState(w http.ResponseWriter, r *http.Request) {
	state := h.controller.State()
	body := map[string]any{"controller": state}
	if h.suspend != nil {
		body["suspendState"] = h.suspend.State().String()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *ManagementHandler) handleSetMaxRequests(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxRequests *int `json:"maxRequests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.MaxRequests == nil {
		writeJSONError(w, http.StatusBadRequest, "body must be {\"maxRequests\": <int>}")
		return
	}
	h.controller.SetMaxRequestCount(*payload.MaxRequests)
	writeJSON(w, http.StatusOK, map[string]any{"maxRequests": h.controller.MaxRequestCount()})
}

func (h *ManagementHandler) handlePauseDeployment(w http.ResponseWriter, r *http.Request) {
	h.awaitPause(w, r, h.controller.PauseDeployment(r.Context(), chi.URLParam(r, "name")))
}

func (h *ManagementHandler) handleResumeDeployment(w http.ResponseWriter, r *http.Request) {
	h.controller.ResumeDeployment(r.Context(), chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *ManagementHandler) handlePauseEntryPoint(w http.ResponseWriter, r *http.Request) {
	h.awaitPause(w, r, h.controller.PauseEntryPoint(r.Context(), chi.URLParam(r, "name")))
}

func (h *ManagementHandler) handleResumeEntryPoint(w http.ResponseWriter, r *http.Request) {
	h.controller.ResumeEntryPoint(r.Context(), chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

// awaitPause waits for a drain future up to the request's timeout parameter,
// answering 200 drained, 202 still draining or 500 on failure.
func (h *ManagementHandler) awaitPause(w http.ResponseWriter, r *http.Request, future *Future) {
	timeout := parseTimeoutMillis(r)
	if timeout <= 0 {
		if future.IsDone() && future.Err() == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := future.Await(ctx); err != nil {
		if ctx.Err() != nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeManagement runs an HTTP server for the management API on addr until
// ctx is cancelled, then shuts it down gracefully. It blocks for the life of
// the server and returns nil after a clean shutdown.
func ServeManagement(ctx context.Context, addr string, handler *ManagementHandler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		handler.logger.Info("Management API listening", "addr", addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func parseTimeoutMillis(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return 0
	}
	millis, err := strconv.Atoi(raw)
	if err != nil || millis < 0 {
		return 0
	}
	return time.Duration(millis) * time.Millisecond
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
