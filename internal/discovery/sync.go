package discovery

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/family-event-planner/backend/internal/storage/models"
)

// Ingester accepts discovered events.
type Ingester interface {
	Ingest(ctx context.Context, d models.DiscoveredEvent) (*models.Event, bool, error)
}

// Result summarizes one feed sync.
type Result struct {
	Source   string    `json:"source"`
	Found    int       `json:"found"`
	Created  int       `json:"created"`
	Failed   int       `json:"failed"`
	SyncedAt time.Time `json:"synced_at"`
	Error    error     `json:"-"`
}

// SyncService fetches venue feeds and hands their events to the ingester.
type SyncService struct {
	feeds      []Feed
	ingester   Ingester
	parser     *Parser
	httpClient *http.Client
	now        func() time.Time
}

// NewSyncService creates a new discovery sync service.
func NewSyncService(feeds []Feed, ingester Ingester, parser *Parser) *SyncService {
	return &SyncService{
		feeds:      feeds,
		ingester:   ingester,
		parser:     parser,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// Feeds returns the configured feeds.
func (s *SyncService) Feeds() []Feed {
	return s.feeds
}

// SyncFeed synchronizes a single feed and returns the result.
func (s *SyncService) SyncFeed(ctx context.Context, feed Feed) (*Result, error) {
	result := &Result{
		Source:   feed.Source,
		SyncedAt: s.now().UTC(),
	}

	events, err := s.fetch(ctx, feed)
	if err != nil {
		result.Error = err
		return result, err
	}
	result.Found = len(events)

	for _, d := range events {
		if err := Validate(d); err != nil {
			log.Printf("Skipping event %s from %s: %v", d.SourceID, feed.Source, err)
			result.Failed++
			continue
		}
		_, created, err := s.ingester.Ingest(ctx, d)
		if err != nil {
			log.Printf("Error ingesting event %s from %s: %v", d.SourceID, feed.Source, err)
			result.Failed++
			continue
		}
		if created {
			result.Created++
		}
	}

	return result, nil
}

func (s *SyncService) fetch(ctx context.Context, feed Feed) ([]models.DiscoveredEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	return s.parser.Parse(resp.Body, feed.Source, s.now())
}

// SyncAll synchronizes every configured feed.
func (s *SyncService) SyncAll(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.feeds))
	for _, feed := range s.feeds {
		result, err := s.SyncFeed(ctx, feed)
		if err != nil {
			log.Printf("Error syncing feed %s: %v", feed.Source, err)
		}
		results = append(results, *result)
	}
	return results
}
