/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package adminserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-grpcgate/grpcserver/interceptor"
	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/taskqueue"
)

type queueHandler struct {
	queue  *taskqueue.Queue
	logger log.FieldLogger
}

type queueStatsResponseData struct {
	Group         string          `json:"group,omitempty"`
	WorkerRunning *bool           `json:"worker_running,omitempty"`
	Closed        bool            `json:"closed"`
	Stats         taskqueue.Stats `json:"stats"`
}

type taskResponseData struct {
	ID          string     `json:"id"`
	Group       string     `json:"group"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (h *queueHandler) stats(rw http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	respData := queueStatsResponseData{Group: group, Closed: h.queue.IsClosed(), Stats: h.queue.Stats(group)}
	if group != "" {
		running := h.queue.IsWorkerRunning(group)
		respData.WorkerRunning = &running
	}
	respondCodeAndJSON(rw, http.StatusOK, respData, h.logger)
}

func (h *queueHandler) task(rw http.ResponseWriter, r *http.Request) {
	t, ok := h.queue.StatusOf(chi.URLParam(r, "taskID"))
	if !ok {
		respondError(rw, http.StatusNotFound, "task not found", h.logger)
		return
	}
	respData := taskResponseData{ID: t.ID, Group: t.Group, Status: t.Status.String(), CreatedAt: t.CreatedAt}
	if !t.StartedAt.IsZero() {
		respData.StartedAt = &t.StartedAt
	}
	if !t.CompletedAt.IsZero() {
		respData.CompletedAt = &t.CompletedAt
	}
	if t.Err != nil {
		respData.Error = t.Err.Error()
	}
	respondCodeAndJSON(rw, http.StatusOK, respData, h.logger)
}

type rateLimitHandler struct {
	rateLimiter *interceptor.RateLimiter
	logger      log.FieldLogger
}

type rateLimitUsageResponseData struct {
	ClientID        string  `json:"client_id"`
	CurrentRequests int     `json:"current_requests"`
	MaxRequests     int     `json:"max_requests"`
	Remaining       int     `json:"remaining"`
	WindowSeconds   float64 `json:"window_seconds"`
	ResetInSeconds  float64 `json:"reset_in_seconds"`
}

func (h *rateLimitHandler) usage(rw http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	u := h.rateLimiter.Usage(clientID)
	respondCodeAndJSON(rw, http.StatusOK, rateLimitUsageResponseData{
		ClientID:        clientID,
		CurrentRequests: u.CurrentRequests,
		MaxRequests:     u.MaxRequests,
		Remaining:       u.Remaining,
		WindowSeconds:   u.Window.Seconds(),
		ResetInSeconds:  u.ResetIn.Seconds(),
	}, h.logger)
}
