// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/family-event-planner/backend/internal/api/middleware"
	"github.com/family-event-planner/backend/internal/lifecycle"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.PingContext(r.Context()) == nil

		status := "healthy"
		if !dbConnected {
			status = "degraded"
		}

		response := HealthResponse{
			Status:      status,
			DBConnected: dbConnected,
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(response)
	}
}

// FeedStatus is the schedule of one discovery feed.
type FeedStatus struct {
	Source    string     `json:"source"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	Version          string         `json:"version"`
	EventsByStatus   map[string]int `json:"events_by_status"`
	PendingApprovals int            `json:"pending_approvals"`
	WebSocketClients int            `json:"websocket_clients"`
	Feeds            []FeedStatus   `json:"feeds"`
}

// Status returns a handler that provides pipeline status information.
// scheduler may be nil.
func Status(store *storage.Store, hub *websocket.Hub, scheduler *lifecycle.Scheduler, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		counts, err := store.Events.CountByStatus(ctx)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to count events")
			return
		}

		pending, err := store.Approvals.CountUnresolved(ctx)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to count approvals")
			return
		}

		response := StatusResponse{
			Version:          version,
			EventsByStatus:   counts,
			PendingApprovals: pending,
			Feeds:            []FeedStatus{},
		}
		if hub != nil {
			response.WebSocketClients = hub.ClientCount()
		}
		if scheduler != nil {
			sources := scheduler.ScheduledFeeds()
			sort.Strings(sources)
			for _, source := range sources {
				response.Feeds = append(response.Feeds, FeedStatus{
					Source:    source,
					NextRunAt: scheduler.NextRun(source),
				})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}
