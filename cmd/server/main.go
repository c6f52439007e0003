// Package main is the entry point for the Family Event Planner server.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/family-event-planner/backend/internal/api"
	"github.com/family-event-planner/backend/internal/config"
	"github.com/family-event-planner/backend/internal/storage"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "family-event-planner",
		Short: "Discover, approve and register family events",
		Long: `Family Event Planner discovers local family events, checks them against
the household calendars, asks a parent for approval by SMS or email and
registers approved free events automatically.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML); defaults to $"+config.EnvConfigPath)

	cmd.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		sweepCmd(&configPath),
		healthCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("family-event-planner version %s\n", currentVersion())
			},
		},
	)

	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline and the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := storage.NewDB(cfg.DBPath())
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := storage.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			version, err := storage.SchemaVersion(cmd.Context(), db)
			if err != nil {
				return err
			}
			log.Printf("Applied %d migrations; %s is at schema version %d", len(applied), db.Path(), version)
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approvals once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.manager.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			log.Printf("Expired %d approvals", n)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server and exit non-zero if unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthCheck(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8099", "Address of the running server")
	return cmd
}

func currentVersion() string {
	// Allow overriding version via environment (e.g., injected by container build/runtime)
	if envVer := os.Getenv("VERSION"); envVer != "" {
		return envVer
	}
	return version
}

func serve(cfg *config.Config) error {
	log.Printf("Starting Family Event Planner (version: %s)...", currentVersion())

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.hub.Run(ctx)
	a.manager.Start(ctx)

	if err := a.manager.Recover(ctx); err != nil {
		log.Printf("Warning: Failed to recover pipeline state: %v", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	router := api.NewRouter(api.Services{
		Store:     a.store,
		Hub:       a.hub,
		Pipeline:  a.manager,
		Scheduler: a.scheduler,
		Version:   currentVersion(),
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	a.scheduler.Stop()
	cancel()
	a.manager.Stop()

	log.Println("Server stopped")
	return nil
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	url := "http://localhost" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
