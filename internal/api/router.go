// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"github.com/gorilla/mux"

	"github.com/family-event-planner/backend/internal/api/handlers"
	"github.com/family-event-planner/backend/internal/api/middleware"
	"github.com/family-event-planner/backend/internal/lifecycle"
	"github.com/family-event-planner/backend/internal/metrics"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/websocket"
)

// Services are the collaborators the HTTP surface reads from and drives.
type Services struct {
	Store     *storage.Store
	Hub       *websocket.Hub
	Pipeline  handlers.Pipeline
	Scheduler *lifecycle.Scheduler // nil when discovery feeds are not scheduled
	Version   string
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// API subrouter
	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(s.Store.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(s.Store, s.Hub, s.Scheduler, s.Version)).Methods("GET")

	// Operator alert stream
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub)).Methods("GET")

	// Event endpoints
	api.HandleFunc("/events", handlers.ListEvents(s.Store)).Methods("GET")
	api.HandleFunc("/events/{id}", handlers.GetEvent(s.Store)).Methods("GET")
	api.HandleFunc("/events/{id}/history", handlers.GetEventHistory(s.Store)).Methods("GET")
	api.HandleFunc("/events/{id}/attempts", handlers.GetEventAttempts(s.Store)).Methods("GET")
	api.HandleFunc("/events/{id}/calendar.ics", handlers.EventCalendar(s.Store)).Methods("GET")
	api.HandleFunc("/events/{id}/withdraw", handlers.WithdrawEvent(s.Pipeline)).Methods("POST")

	// Discovery endpoints
	api.HandleFunc("/discovery", handlers.IngestDiscovered(s.Pipeline)).Methods("POST")
	api.HandleFunc("/discovery/sync", handlers.TriggerDiscovery(s.Scheduler)).Methods("POST")

	// Inbound replies
	api.HandleFunc("/webhooks/sms", handlers.SMSWebhook(s.Pipeline)).Methods("POST")
	api.HandleFunc("/webhooks/email", handlers.EmailWebhook(s.Pipeline)).Methods("POST")

	return r
}
