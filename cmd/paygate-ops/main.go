package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/archive"
	"github.com/ManuelReschke/PayGate/internal/pkg/config"
	"github.com/ManuelReschke/PayGate/internal/pkg/database"
	"github.com/ManuelReschke/PayGate/internal/pkg/env"
	"github.com/ManuelReschke/PayGate/internal/pkg/events"
	"github.com/ManuelReschke/PayGate/internal/pkg/gateway"
	"github.com/ManuelReschke/PayGate/internal/pkg/health"
	"github.com/ManuelReschke/PayGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayGate/internal/pkg/limits"
	"github.com/ManuelReschke/PayGate/internal/pkg/payment"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
	"github.com/ManuelReschke/PayGate/internal/pkg/webhook"
)

var (
	app     = kingpin.New("paygate-ops", "Maintenance commands for the payment gateway.")
	envFile = app.Flag("env-file", "Path to an additional .env file").Short('e').String()

	healthCmd = app.Command("health", "Print the current system health.")
	alertsCmd = app.Command("alerts", "Print the alerts for the current health window.")
	reportCmd = app.Command("report", "Print the report for the previous 24 hours.")

	cleanupCmd    = app.Command("cleanup", "Delete or archive logs older than the retention window.")
	retentionDays = cleanupCmd.Flag("retention-days", "Days of history to keep").Int()

	reconcileCmd = app.Command("reconcile", "Retry due webhooks and poll idle transactions once.")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var extra []string
	if *envFile != "" {
		extra = append(extra, *envFile)
	}
	if err := env.SetupEnvFile(extra...); err != nil {
		log.Printf("%v, using process environment", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := database.Connect(ctx, cfg.Database, false)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	repos := repository.NewRepositories(db)

	var archiver health.Archiver
	if cfg.Archive.Enabled {
		s3a, err := archive.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			log.Fatalf("Archive: %v", err)
		}
		archiver = s3a
	}
	monitor := health.NewMonitor(cfg.Health, repos, archiver)

	var out any
	switch command {
	case healthCmd.FullCommand():
		out, err = monitor.GetSystemHealth(ctx)
	case alertsCmd.FullCommand():
		out, err = monitor.GenerateAlerts(ctx)
	case reportCmd.FullCommand():
		out, err = monitor.GenerateDailyReport(ctx)
	case cleanupCmd.FullCommand():
		days := *retentionDays
		if days <= 0 {
			days = cfg.Health.RetentionDays
		}
		out, err = monitor.CleanupOldLogs(ctx, days)
	case reconcileCmd.FullCommand():
		out, err = reconcile(ctx, cfg, repos)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Write result: %v", err)
	}
}

// reconcile runs one pass without Redis. Status events go to the log only so
// that a manual run never needs the broker.
func reconcile(ctx context.Context, cfg config.Config, repos *repository.Repositories) (*jobqueue.ReconcileResult, error) {
	table, err := limits.Load(cfg.App.PaymentLimitFile)
	if err != nil {
		return nil, err
	}
	statuses := txstate.MustDefaultStatusMap()
	publisher := events.LogPublisher{}

	gw := gateway.NewClient(cfg.Gateway, gateway.NewRepositoryRecorder(repos.GatewayCallLog))
	payments := payment.NewService(repos.Transaction, repos.Account, gw, table, statuses, publisher)
	processor := webhook.NewProcessor(cfg.Webhook, repos.WebhookEvent, repos.Transaction, statuses, publisher, nil)

	reconciler := jobqueue.NewReconciler(repos, processor, payments, jobqueue.ReconcileSettings{
		PollAfter:  cfg.Jobs.PollAfter,
		StuckAfter: cfg.Health.StuckPendingAfter,
		BatchSize:  cfg.Jobs.BatchSize,
	})
	return reconciler.RunOnce(ctx)
}
