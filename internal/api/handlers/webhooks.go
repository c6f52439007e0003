package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/family-event-planner/backend/internal/api/middleware"
	"github.com/family-event-planner/backend/internal/notify"
	"github.com/family-event-planner/backend/internal/storage/models"
)

const maxWebhookBody = 256 << 10

// EmailWebhookRequest is an inbound email as posted by the mail provider.
type EmailWebhookRequest struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	InReplyTo string `json:"in_reply_to"`
}

// SMSWebhook accepts an inbound SMS posted as a form (From, Body, MessageSid).
// The reply is resolved asynchronously; the gateway gets 202 once it is queued.
func SMSWebhook(pipeline Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		if err := r.ParseForm(); err != nil {
			middleware.WriteBodyError(w, err, "Invalid form body")
			return
		}

		reply := notify.Reply{
			Channel:   models.ChannelSMS,
			From:      r.PostForm.Get("From"),
			Text:      r.PostForm.Get("Body"),
			MessageID: r.PostForm.Get("InReplyTo"),
		}
		if strings.TrimSpace(reply.From) == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "From is required")
			return
		}

		log.Printf("Inbound SMS %s from %s", r.PostForm.Get("MessageSid"), reply.From)
		enqueueReply(w, r, pipeline, reply)
	}
}

// EmailWebhook accepts an inbound email posted as JSON.
func EmailWebhook(pipeline Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

		var req EmailWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteBodyError(w, err, "Invalid request body")
			return
		}
		if strings.TrimSpace(req.From) == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "from is required")
			return
		}

		log.Printf("Inbound email from %s", req.From)
		enqueueReply(w, r, pipeline, notify.Reply{
			Channel:   models.ChannelEmail,
			From:      req.From,
			Text:      req.Text,
			MessageID: bracketMessageID(req.InReplyTo),
		})
	}
}

func enqueueReply(w http.ResponseWriter, r *http.Request, pipeline Pipeline, reply notify.Reply) {
	if err := pipeline.EnqueueReply(r.Context(), reply); err != nil {
		log.Printf("Failed to queue reply from %s: %v", reply.From, err)
		middleware.WriteError(w, http.StatusServiceUnavailable, middleware.ErrUnavailable, "Reply queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// bracketMessageID restores the angle brackets some providers strip from
// In-Reply-To; stored ids keep them.
func bracketMessageID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "<") {
		return raw
	}
	return "<" + raw + ">"
}
