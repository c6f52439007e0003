package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/family-event-planner/backend/internal/api/handlers"
	"github.com/family-event-planner/backend/internal/api/middleware"
	"github.com/family-event-planner/backend/internal/lifecycle"
	"github.com/family-event-planner/backend/internal/notify"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/storage/models"
	"github.com/family-event-planner/backend/internal/websocket"
)

type fakePipeline struct {
	store *storage.Store

	mu          sync.Mutex
	replies     []notify.Reply
	withdrawErr error
	replyErr    error
}

func (p *fakePipeline) Ingest(ctx context.Context, d models.DiscoveredEvent) (*models.Event, bool, error) {
	return p.store.Events.Upsert(ctx, d)
}

func (p *fakePipeline) Withdraw(ctx context.Context, eventID, reason string) (*models.Event, error) {
	p.mu.Lock()
	withdrawErr := p.withdrawErr
	p.mu.Unlock()
	if withdrawErr != nil {
		return nil, withdrawErr
	}
	event, err := p.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	event.Status = models.StatusCancelled
	return event, nil
}

func (p *fakePipeline) EnqueueReply(ctx context.Context, reply notify.Reply) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyErr != nil {
		return p.replyErr
	}
	p.replies = append(p.replies, reply)
	return nil
}

func (p *fakePipeline) received() []notify.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Reply(nil), p.replies...)
}

func (p *fakePipeline) fail(withdrawErr, replyErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawErr, p.replyErr = withdrawErr, replyErr
}

type harness struct {
	server   *httptest.Server
	store    *storage.Store
	pipeline *fakePipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.DB.Close() })

	pipeline := &fakePipeline{store: store}
	router := NewRouter(Services{
		Store:    store,
		Hub:      websocket.NewHub(),
		Pipeline: pipeline,
		Version:  "test",
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &harness{server: server, store: store, pipeline: pipeline}
}

func (h *harness) seed(t *testing.T, sourceID string) *models.Event {
	t.Helper()
	event, _, err := h.store.Events.Upsert(context.Background(), discovered(sourceID))
	require.NoError(t, err)
	return event
}

func discovered(sourceID string) models.DiscoveredEvent {
	return models.DiscoveredEvent{
		Source:          "library",
		SourceID:        sourceID,
		Title:           "Lego Club",
		Start:           time.Now().Add(96 * time.Hour).UTC().Truncate(time.Second),
		Location:        "Main Branch",
		RegistrationURL: "https://library.example.org/register/" + sourceID,
	}
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) post(t *testing.T, path, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.server.URL+path, contentType, strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a")

	resp := h.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[handlers.HealthResponse](t, resp).Status)

	resp = h.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[handlers.StatusResponse](t, resp)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.EventsByStatus[models.StatusDiscovered])
	assert.Empty(t, status.Feeds)
}

func TestEventEndpoints(t *testing.T) {
	h := newHarness(t)
	event := h.seed(t, "lego-1")
	h.seed(t, "lego-2")

	resp := h.get(t, "/api/events?status=discovered")
	assert.Len(t, decode[[]models.Event](t, resp), 2)

	resp = h.get(t, "/api/events?status=registered")
	assert.Empty(t, decode[[]models.Event](t, resp))

	resp = h.get(t, "/api/events/"+event.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Lego Club", decode[models.Event](t, resp).Title)

	resp = h.get(t, "/api/events/"+event.ID+"/history")
	history := decode[[]models.StatusChange](t, resp)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusDiscovered, history[0].ToStatus)

	resp = h.get(t, "/api/events/"+event.ID+"/attempts")
	assert.Empty(t, decode[[]models.RegistrationAttempt](t, resp))

	resp = h.get(t, "/api/events/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, middleware.ErrNotFound, decode[middleware.ErrorResponse](t, resp).Error)
}

func TestEventCalendarFile(t *testing.T) {
	h := newHarness(t)
	event := h.seed(t, "ics")

	resp := h.get(t, "/api/events/"+event.ID+"/calendar.ics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")

	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "BEGIN:VCALENDAR")
	assert.Contains(t, body.String(), "SUMMARY:Lego Club")
}

func TestWithdrawEvent(t *testing.T) {
	h := newHarness(t)
	event := h.seed(t, "w")

	resp := h.post(t, "/api/events/"+event.ID+"/withdraw", "application/json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusCancelled, decode[models.Event](t, resp).Status)

	resp = h.post(t, "/api/events/missing/withdraw", "application/json", `{"reason":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.pipeline.fail(lifecycle.ErrInvalidTransition, nil)
	resp = h.post(t, "/api/events/"+event.ID+"/withdraw", "application/json", `{"reason":"too late"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIngestDiscovered(t *testing.T) {
	h := newHarness(t)

	bad := discovered("bad")
	bad.Title = ""
	body, err := json.Marshal([]models.DiscoveredEvent{discovered("good"), bad})
	require.NoError(t, err)

	resp := h.post(t, "/api/discovery", "application/json", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[[]handlers.IngestResult](t, resp)
	require.Len(t, results, 2)
	assert.True(t, results[0].Created)
	assert.NotEmpty(t, results[0].EventID)
	assert.Equal(t, "title is required", results[1].Error)

	onlyBad, err := json.Marshal([]models.DiscoveredEvent{bad})
	require.NoError(t, err)
	resp = h.post(t, "/api/discovery", "application/json", string(onlyBad))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = h.post(t, "/api/discovery", "application/json", `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiscoverySyncWithoutScheduler(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "/api/discovery/sync", "application/json", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSMSWebhookQueuesReply(t *testing.T) {
	h := newHarness(t)

	form := url.Values{"From": {"+1 (555) 010-0100"}, "Body": {"YES K7Q2"}, "MessageSid": {"SM1"}}
	resp := h.post(t, "/api/webhooks/sms", "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	replies := h.pipeline.received()
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, models.ChannelSMS, reply.Channel)
	assert.Equal(t, "+1 (555) 010-0100", reply.From)
	assert.Equal(t, "YES K7Q2", reply.Text)

	resp = h.post(t, "/api/webhooks/sms", "application/x-www-form-urlencoded", url.Values{"Body": {"yes"}}.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmailWebhookQueuesReply(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/api/webhooks/email", "application/json",
		`{"from":"Sam <sam@example.org>","text":"sounds good","in_reply_to":"abc@planner.example.org"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	replies := h.pipeline.received()
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, models.ChannelEmail, reply.Channel)
	assert.Equal(t, "<abc@planner.example.org>", reply.MessageID)

	h.pipeline.fail(nil, errors.New("queue full"))
	resp = h.post(t, "/api/webhooks/email", "application/json", `{"from":"sam@example.org","text":"yes"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/api/health")

	resp := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `family_events_http_requests_total{method="GET",route="/api/health",status="200"}`)
}

func TestOversizedWebhookBodyIsRejected(t *testing.T) {
	h := newHarness(t)

	body := `{"from":"sam@example.org","text":"` + strings.Repeat("y", 300<<10) + `"}`
	resp := h.post(t, "/api/webhooks/email", "application/json", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, middleware.ErrTooLarge, decode[middleware.ErrorResponse](t, resp).Error)
	assert.Empty(t, h.pipeline.received())
}
