package main

import (
	"fmt"
	"log"

	"github.com/family-event-planner/backend/internal/calendar"
	"github.com/family-event-planner/backend/internal/config"
	"github.com/family-event-planner/backend/internal/discovery"
	"github.com/family-event-planner/backend/internal/lifecycle"
	"github.com/family-event-planner/backend/internal/notify"
	"github.com/family-event-planner/backend/internal/registration"
	"github.com/family-event-planner/backend/internal/storage"
	"github.com/family-event-planner/backend/internal/storage/models"
	"github.com/family-event-planner/backend/internal/websocket"
)

// app holds the wired pipeline.
type app struct {
	store     *storage.Store
	hub       *websocket.Hub
	manager   *lifecycle.Manager
	scheduler *lifecycle.Scheduler
}

func newApp(cfg *config.Config) (*app, error) {
	loc := cfg.Location()

	store, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Println("Database migrations complete")

	hub := websocket.NewHub()
	broadcaster := websocket.NewEventBroadcaster(hub)

	// Channels without a transport log their messages instead.
	router := notify.NewRouter()
	router.Register(models.ChannelEmail, notify.LogSender{Channel: models.ChannelEmail})
	router.Register(models.ChannelSMS, notify.LogSender{Channel: models.ChannelSMS})
	if cfg.Notify.SMTP.Enabled() {
		router.Register(models.ChannelEmail, notify.NewSMTPSender(cfg.Notify.SMTP))
	} else {
		log.Println("Warning: SMTP not configured; email will be logged only")
	}
	if cfg.Notify.SMS.Enabled() {
		router.Register(models.ChannelSMS, notify.NewSMSSender(cfg.Notify.SMS))
	} else {
		log.Println("Warning: SMS gateway not configured; SMS will be logged only")
	}

	gateway := notify.NewGateway(
		store,
		router,
		notify.NewRenderer(loc),
		broadcaster,
		cfg.Notify,
		cfg.Approval.Expiry,
		cfg.Approval.MaxReprompts,
	)

	checker := calendar.NewChecker(
		calendar.NewFeedLister(cfg.Calendar.Accounts, loc),
		cfg.Calendar.Accounts,
		cfg.Calendar.Timeout,
		loc,
	)

	registry := registration.NewRegistry(registration.NewGenericAdapter())
	registry.Register(registration.NewLibCalAdapter())
	for source, adapterID := range cfg.Registration.Adapters {
		if err := registry.MapSource(source, adapterID); err != nil {
			store.DB.Close()
			return nil, fmt.Errorf("mapping adapter for %s: %w", source, err)
		}
	}

	evidence, err := registration.NewEvidenceStore(cfg.Registration.EvidenceDir)
	if err != nil {
		store.DB.Close()
		return nil, fmt.Errorf("creating evidence store: %w", err)
	}

	orchestrator := registration.NewOrchestrator(
		registry,
		registration.NewHTTPBrowser(cfg.BrowserConfig()),
		cfg.Family,
		store.Events,
		store.Attempts,
		evidence,
		registration.NewFallbackBuilder(cfg.Server.PublicURL, cfg.Family),
		broadcaster,
		cfg.OrchestratorConfig(),
	)

	manager := lifecycle.NewManager(
		store,
		checker,
		gateway,
		orchestrator,
		broadcaster,
		cfg.Family,
		cfg.ManagerConfig(),
	)

	var syncService *discovery.SyncService
	if len(cfg.Discovery.Feeds) > 0 {
		syncService = discovery.NewSyncService(
			cfg.Discovery.Feeds,
			manager,
			discovery.NewParser(loc, cfg.Discovery.Horizon),
		)
	}

	scheduler := lifecycle.NewScheduler(
		manager,
		syncService,
		broadcaster,
		cfg.Approval.SweepInterval,
		cfg.Discovery.DefaultIntervalMin,
	)

	return &app{
		store:     store,
		hub:       hub,
		manager:   manager,
		scheduler: scheduler,
	}, nil
}

func (a *app) close() {
	if err := a.store.DB.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}
}
