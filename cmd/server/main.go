// Command server runs the CRM autopilot: webhook intake, the background
// job queue, nightly sweep scheduling, and the admin HTTP surface.
//
// Startup order matters: config, logging, tracing, database, CRM gateway,
// services, queue workers, and finally the HTTP listener. Shutdown walks
// the same chain in reverse so in-flight jobs drain before the process
// exits.
//
// @title           CRM Autopilot API
// @version         1.0
// @description     Event-driven hygiene automation for a Pipedrive-style CRM.
// @BasePath        /
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/plugin/opentelemetry/tracing"

	_ "github.com/averos/crm-autopilot/docs"
	"github.com/averos/crm-autopilot/internal/config"
	"github.com/averos/crm-autopilot/internal/crm"
	httpapi "github.com/averos/crm-autopilot/internal/http"
	"github.com/averos/crm-autopilot/internal/observability"
	"github.com/averos/crm-autopilot/internal/queue"
	"github.com/averos/crm-autopilot/internal/repo"
	"github.com/averos/crm-autopilot/internal/services"
	"github.com/averos/crm-autopilot/internal/timeutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	setupLogger(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing (no-op unless enabled)
	shutdownOTel := func(context.Context) error { return nil }
	if cfg.OTEL.Enabled {
		var err error
		shutdownOTel, err = observability.SetupOTel(ctx, cfg.OTEL, version)
		if err != nil {
			log.Fatal().Err(err).Msg("otel setup failed")
		}
	}

	// Database
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if cfg.OTEL.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			log.Warn().Err(err).Msg("gorm tracing plugin failed")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	// Outbound CRM gateway
	crmClient := crm.NewClient(crm.Options{
		Token:              cfg.CRM.APIToken,
		BaseURL:            cfg.CRM.BaseURL,
		MaxConcurrent:      cfg.CRM.MaxConcurrent,
		MinSpacing:         cfg.CRM.MinSpacing,
		DailyMutationLimit: cfg.CRM.DailyMutationLimit,
	})

	// Services
	enforce := &services.EnforcementService{DB: db, CRM: crmClient, Policy: cfg.Autopilot}
	sweep := &services.SweepService{DB: db, CRM: crmClient, Enforce: enforce, PipelineID: cfg.Autopilot.PipelineID}
	fields := &services.FieldMapService{DB: db, CRM: crmClient}
	merge := &services.MergeService{
		DB:        db,
		CRM:       crmClient,
		Threshold: cfg.Autopilot.MergeConfidenceThreshold,
		DryRun:    cfg.Autopilot.DryRun,
	}

	dispatcher := &services.Dispatcher{Enforce: enforce, Sweep: sweep, FieldMap: fields}
	q := queue.New(queue.Options{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, dispatcher.Handlers())
	dispatcher.Queue = q

	intake := &services.IntakeService{DB: db, Queue: q}

	// Nightly sweeps
	go runNightlySweeps(ctx, dispatcher, cfg.Queue.SweepHour)

	// HTTP
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Services{
		Intake:     intake,
		Dispatcher: dispatcher,
		Merge:      merge,
		FieldMap:   fields,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Bool("dry_run", cfg.Autopilot.DryRun).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	// Drain queued jobs before closing tracing so their spans flush.
	q.Close()
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("bye")
}

// setupLogger configures the global zerolog logger from config.
func setupLogger(cfg config.Config) {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.Logger.With().Str("service", "crm-autopilot").Logger()
}

// runNightlySweeps enqueues the sweep jobs once per UTC day at the
// configured hour. Duplicate enqueues (e.g. around a restart) are
// absorbed by the queue's per-ID dedup and the daily job IDs.
func runNightlySweeps(ctx context.Context, d *services.Dispatcher, hourUTC int) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			dayKey := timeutil.DayKey(fired.UTC())
			log.Info().Str("day", dayKey).Msg("scheduling nightly sweeps")
			d.ScheduleSweeps(dayKey)
		}
	}
}
