package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/family-event-planner/backend/internal/discovery"
	"github.com/family-event-planner/backend/internal/websocket"
)

// Scheduler runs the approval expiry sweep and the discovery feed syncs.
type Scheduler struct {
	cron        *cron.Cron
	manager     *Manager
	syncService *discovery.SyncService
	broadcaster *websocket.EventBroadcaster

	// Track jobs per feed source
	jobs   map[string]cron.EntryID
	jobsMu sync.RWMutex

	sweepInterval   time.Duration
	defaultInterval time.Duration
}

// NewScheduler creates a new scheduler. syncService may be nil when no
// feeds are configured.
func NewScheduler(
	manager *Manager,
	syncService *discovery.SyncService,
	broadcaster *websocket.EventBroadcaster,
	sweepInterval time.Duration,
	defaultIntervalMin int,
) *Scheduler {
	if sweepInterval < time.Second {
		sweepInterval = time.Minute
	}
	if defaultIntervalMin <= 0 {
		defaultIntervalMin = 360
	}

	return &Scheduler{
		cron:            cron.New(cron.WithSeconds()),
		manager:         manager,
		syncService:     syncService,
		broadcaster:     broadcaster,
		jobs:            make(map[string]cron.EntryID),
		sweepInterval:   sweepInterval,
		defaultInterval: time.Duration(defaultIntervalMin) * time.Minute,
	}
}

// Start registers the sweep and every feed, then starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Println("Starting scheduler...")

	if _, err := s.cron.AddFunc("@every "+s.sweepInterval.String(), func() {
		s.sweep(ctx)
	}); err != nil {
		return err
	}

	feeds := 0
	if s.syncService != nil {
		for _, feed := range s.syncService.Feeds() {
			s.ScheduleFeed(ctx, feed)
			feeds++
		}
	}

	s.cron.Start()
	log.Printf("Scheduler started: sweep every %s, %d discovery feeds", s.sweepInterval, feeds)

	return nil
}

// Stop gracefully shuts down the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() {
	log.Println("Stopping scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Scheduler stopped")
}

// ScheduleFeed adds or replaces a feed's sync job.
func (s *Scheduler) ScheduleFeed(ctx context.Context, feed discovery.Feed) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if existingID, exists := s.jobs[feed.Source]; exists {
		s.cron.Remove(existingID)
		delete(s.jobs, feed.Source)
	}

	interval := time.Duration(feed.IntervalMin) * time.Minute
	if interval < time.Minute {
		interval = s.defaultInterval
	}

	entryID, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.syncFeed(ctx, feed)
	})
	if err != nil {
		log.Printf("Failed to schedule feed %s: %v", feed.Source, err)
		return
	}

	s.jobs[feed.Source] = entryID
	log.Printf("Scheduled feed %s every %s", feed.Source, interval)
}

// UnscheduleFeed removes a feed from the schedule.
func (s *Scheduler) UnscheduleFeed(source string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if entryID, exists := s.jobs[source]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, source)
		log.Printf("Unscheduled feed %s", source)
	}
}

// TriggerSync runs every feed sync now, in the background.
func (s *Scheduler) TriggerSync(ctx context.Context) {
	if s.syncService == nil {
		return
	}
	go func() {
		for _, feed := range s.syncService.Feeds() {
			s.syncFeed(ctx, feed)
		}
	}()
}

func (s *Scheduler) syncFeed(ctx context.Context, feed discovery.Feed) {
	log.Printf("Syncing feed: %s", feed.Source)

	result, err := s.syncService.SyncFeed(ctx, feed)
	if err != nil {
		log.Printf("Feed sync failed for %s: %v", feed.Source, err)
		s.broadcaster.BroadcastDiscoveryCompleted(feed.Source, 0, 0, err)
		return
	}

	log.Printf("Feed sync completed for %s: %d events, %d new, %d failed",
		feed.Source, result.Found, result.Created, result.Failed)
	s.broadcaster.BroadcastDiscoveryCompleted(feed.Source, result.Found, result.Created, nil)
}

// sweep expires overdue approvals and re-drives approved events whose
// registration hand-off found the queue full.
func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.manager.SweepExpired(ctx); err != nil {
		log.Printf("Approval sweep failed: %v", err)
	}
	if _, err := s.manager.RedriveApproved(ctx); err != nil {
		log.Printf("Approved event re-drive failed: %v", err)
	}
}

// ScheduledFeeds returns the sources of the scheduled feeds.
func (s *Scheduler) ScheduledFeeds() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	sources := make([]string, 0, len(s.jobs))
	for source := range s.jobs {
		sources = append(sources, source)
	}
	return sources
}

// NextRun returns the next scheduled sync of a feed.
func (s *Scheduler) NextRun(source string) *time.Time {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	if entryID, exists := s.jobs[source]; exists {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}
