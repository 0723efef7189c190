// Package main is the entry point for the API management console management
// plane. It dispatches three subcommands — serve, migrate, and version — via a
// simple switch on os.Args so the binary's full CLI surface is readable in one
// place without requiring a cobra dependency. The serve command runs
// auto-migration on startup so freshly deployed containers never need a
// separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apim-console/management/internal/audit"
	"github.com/apim-console/management/internal/config"
	"github.com/apim-console/management/internal/db"
	"github.com/apim-console/management/internal/db/repositories"
	"github.com/apim-console/management/internal/jobs"
	"github.com/apim-console/management/internal/notifier"
	"github.com/apim-console/management/internal/safego"
	"github.com/apim-console/management/internal/services"
	"github.com/apim-console/management/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("API Management Console v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise the structured logger first so all subsequent output uses
	// the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(database)

	// Run migrations automatically on startup
	log.Println("Running database migrations...")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Printf("Warning: failed to get migration version: %v", err)
	} else {
		log.Printf("Database schema version: %d (dirty: %v)", schemaVersion, dirty)
	}

	// Repositories
	planRepo := repositories.NewPlanRepository(database)
	apiRepo := repositories.NewAPIRepository(database)
	subscriptionRepo := repositories.NewSubscriptionRepository(database)
	apiKeyRepo := repositories.NewAPIKeyRepository(database)
	applicationRepo := repositories.NewApplicationRepository(database)
	pageRepo := repositories.NewPageRepository(database)
	auditRepo := repositories.NewAuditRepository(database)

	// Audit trail: always persisted, optionally shipped to external sinks.
	var shipper audit.Shipper
	if cfg.Audit.Enabled && len(cfg.Audit.Shippers) > 0 {
		multi, err := audit.NewMultiShipper(shipperConfigs(cfg.Audit.Shippers))
		if err != nil {
			return fmt.Errorf("failed to configure audit shippers: %w", err)
		}
		shipper = multi
		defer multi.Close()
	}
	auditSvc := audit.NewService(auditRepo, shipper, slog.Default())

	// Hook notifications: disabled entirely when no webhook URL is set.
	var hookNotifier services.Notifier
	var notifSvc *notifier.Service
	if cfg.Notifications.Enabled && cfg.Notifications.WebhookURL != "" {
		timeout := time.Duration(cfg.Notifications.WebhookTimeoutSecs) * time.Second
		notifSvc = notifier.NewService(cfg.Notifications.WebhookURL, timeout, slog.Default())
		hookNotifier = notifSvc
	}

	// Services
	apiKeySvc := services.NewAPIKeyService(apiKeyRepo, subscriptionRepo, applicationRepo, nil, auditSvc, hookNotifier, slog.Default())
	groupTTL := time.Duration(cfg.Groups.CacheTTLSeconds) * time.Second
	groupCache := services.NewGroupCache(services.NewApplicationGroupResolver(applicationRepo), groupTTL, nil)
	subscriptionSvc := services.NewSubscriptionService(
		subscriptionRepo, planRepo, applicationRepo, pageRepo, apiKeyRepo,
		apiKeySvc, groupCache, auditSvc, hookNotifier, slog.Default())
	planSvc := services.NewPlanService(planRepo, apiRepo, pageRepo, cfg.Plans.Security, auditSvc, slog.Default())
	planSvc.BindSubscriptions(subscriptionSvc)

	// Prometheus metrics on a dedicated port, off the main ingress path.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		safego.Go(func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	// Background expiry notifiers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailer := jobs.NewMailer(cfg.Notifications.SMTP)
	subExpiry := jobs.NewSubscriptionExpiryNotifier(subscriptionRepo, notifierOrNoop(notifSvc), mailer, &cfg.Notifications)
	keyExpiry := jobs.NewAPIKeyExpiryNotifier(apiKeyRepo, subscriptionRepo, notifierOrNoop(notifSvc), mailer, &cfg.Notifications)
	safego.Go(func() { subExpiry.Start(ctx) })
	safego.Go(func() { keyExpiry.Start(ctx) })

	log.Println("Management plane is ready")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	subExpiry.Stop()
	keyExpiry.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}
	if notifSvc != nil {
		if err := notifSvc.Shutdown(shutdownCtx); err != nil {
			slog.Warn("notifier shutdown", "error", err)
		}
	}

	log.Println("Stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}
	log.Printf("Migration %s completed successfully", direction)
	return nil
}

// shipperConfigs converts the viper-backed audit shipper configuration into
// the audit package's own config shape.
func shipperConfigs(in []config.AuditShipperConfig) []audit.ShipperConfig {
	out := make([]audit.ShipperConfig, 0, len(in))
	for _, c := range in {
		sc := audit.ShipperConfig{
			Enabled: c.Enabled,
			Type:    c.Type,
		}
		if c.Webhook != nil {
			sc.Webhook = &audit.WebhookConfig{
				URL:     c.Webhook.URL,
				Headers: c.Webhook.Headers,
				Timeout: time.Duration(c.Webhook.TimeoutSecs) * time.Second,
			}
		}
		if c.File != nil {
			sc.File = &audit.FileConfig{
				Path:       c.File.Path,
				MaxSizeMB:  c.File.MaxSizeMB,
				MaxBackups: c.File.MaxBackups,
			}
		}
		out = append(out, sc)
	}
	return out
}

// noopTrigger satisfies the jobs hook interface when no webhook is configured,
// so the expiry notifiers still mark records and send operator email.
type noopTrigger struct{}

func (noopTrigger) Trigger(context.Context, notifier.Hook, notifier.Scope, string, map[string]string) error {
	return nil
}

func notifierOrNoop(svc *notifier.Service) jobs.HookTrigger {
	if svc == nil {
		return noopTrigger{}
	}
	return svc
}
