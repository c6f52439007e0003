package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/family-event-planner/backend/internal/api/middleware"
	"github.com/family-event-planner/backend/internal/discovery"
	"github.com/family-event-planner/backend/internal/lifecycle"
	"github.com/family-event-planner/backend/internal/storage/models"
)

const maxDiscoveryBody = 4 << 20

// IngestResult reports what happened to one pushed event.
type IngestResult struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	EventID  string `json:"event_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Created  bool   `json:"created"`
	Error    string `json:"error,omitempty"`
}

// IngestDiscovered accepts a JSON array of discovered events from an
// external scraper. Each event is validated on its own; one bad entry does
// not reject the batch.
func IngestDiscovered(pipeline Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDiscoveryBody)

		var batch []models.DiscoveredEvent
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			middleware.WriteBodyError(w, err, "Body must be a JSON array of events")
			return
		}
		if len(batch) == 0 {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "No events in request")
			return
		}

		results := make([]IngestResult, 0, len(batch))
		accepted := 0
		for _, d := range batch {
			res := IngestResult{Source: d.Source, SourceID: d.SourceID}
			if err := discovery.Validate(d); err != nil {
				res.Error = err.Error()
				results = append(results, res)
				continue
			}

			event, created, err := pipeline.Ingest(r.Context(), d)
			if event != nil {
				res.EventID = event.ID
				res.Status = event.Status
				res.Created = created
				accepted++
			}
			if err != nil {
				log.Printf("Failed to ingest %s/%s: %v", d.Source, d.SourceID, err)
				res.Error = err.Error()
			}
			results = append(results, res)
		}

		if accepted == 0 {
			middleware.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, middleware.ErrValidation, "No event was accepted", results)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

// TriggerDiscovery starts a sync of every discovery feed in the background.
func TriggerDiscovery(scheduler *lifecycle.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrUnavailable, "Discovery is not configured")
			return
		}

		// Outlive the request; the sync reports back over the websocket.
		scheduler.TriggerSync(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "syncing"})
	}
}
