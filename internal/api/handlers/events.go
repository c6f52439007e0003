package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/family-event-planner/backend/internal/api/middleware"
	"github.com/family-event-planner/backend/internal/lifecycle"
	"github.com/family-event-planner/backend/internal/notify"
	"github.com/family-event-planner/backend/internal/registration"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/storage/models"
)

// Pipeline is the part of the lifecycle manager driven over HTTP.
type Pipeline interface {
	Ingest(ctx context.Context, d models.DiscoveredEvent) (*models.Event, bool, error)
	Withdraw(ctx context.Context, eventID, reason string) (*models.Event, error)
	EnqueueReply(ctx context.Context, reply notify.Reply) error
}

// WithdrawRequest is the optional body of a withdraw call.
type WithdrawRequest struct {
	Reason string `json:"reason"`
}

// ListEvents returns events, optionally filtered by ?status=.
func ListEvents(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := store.Events.List(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query events")
			return
		}
		if events == nil {
			events = []models.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// GetEvent returns a single event.
func GetEvent(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, ok := loadEvent(w, r, store)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, event)
	}
}

// GetEventHistory returns the status history of an event, oldest first.
func GetEventHistory(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, ok := loadEvent(w, r, store)
		if !ok {
			return
		}

		history, err := store.Events.History(r.Context(), event.ID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query history")
			return
		}
		if history == nil {
			history = []models.StatusChange{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

// GetEventAttempts returns the registration attempts of an event.
func GetEventAttempts(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, ok := loadEvent(w, r, store)
		if !ok {
			return
		}

		attempts, err := store.Attempts.ListByEvent(r.Context(), event.ID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query attempts")
			return
		}
		if attempts == nil {
			attempts = []models.RegistrationAttempt{}
		}
		writeJSON(w, http.StatusOK, attempts)
	}
}

// EventCalendar serves the event as a single-event .ics file.
func EventCalendar(store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, ok := loadEvent(w, r, store)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", event.ID+".ics"))
		if err := registration.WriteICS(w, event, time.Now()); err != nil {
			log.Printf("Event %s: failed to write calendar file: %v", event.ID, err)
		}
	}
}

// WithdrawEvent cancels an event that has not finished registering.
func WithdrawEvent(pipeline Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var req WithdrawRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.Reason == "" {
			req.Reason = "withdrawn by operator"
		}

		event, err := pipeline.Withdraw(r.Context(), id, req.Reason)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
			return
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, err.Error())
			return
		case err != nil:
			log.Printf("Event %s: withdraw failed: %v", id, err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to withdraw event")
			return
		}

		writeJSON(w, http.StatusOK, event)
	}
}

func loadEvent(w http.ResponseWriter, r *http.Request, store *storage.Store) (*models.Event, bool) {
	id := mux.Vars(r)["id"]
	event, err := store.Events.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
		return nil, false
	}
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query event")
		return nil, false
	}
	return event, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
