package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"postflow/internal/api"
	"postflow/internal/cleanup"
	"postflow/internal/config"
	"postflow/internal/device"
	"postflow/internal/dispatch"
	"postflow/internal/domain"
	"postflow/internal/executor"
	"postflow/internal/lock"
	"postflow/internal/notify"
	"postflow/internal/scanner"
	"postflow/internal/scheduler"
	"postflow/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg.Log)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	layout, err := device.NewLayout(cfg.Device.UploadDir, cfg.Device.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("device layout")
	}
	ops := device.NewOperator(device.ExecRunner{}, layout, device.Config{
		ADBPath:           cfg.Device.ADBPath,
		AutomationCommand: cfg.Device.AutomationCommand,
		StepDelay:         cfg.Device.StepDelay,
	})

	exec := executor.New(repo, ops, executor.Config{
		MaxRetries: cfg.Executor.MaxRetries,
		RetryDelay: cfg.Executor.RetryDelay,
		Timeout:    cfg.Executor.Timeout,
		KillGrace:  cfg.Executor.KillGrace,
	})
	if cfg.Notify.WebhookURL != "" {
		exec.SetNotifier(notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout))
	}

	// one lock table for both stages so a device is never touched twice at once
	locks := lock.NewMutexMap()
	transfer := scheduler.NewTransferScheduler(exec, locks, cfg.Transfer.Concurrency)
	automation := scheduler.NewAutomationScheduler(exec, locks, cfg.Automation.Concurrency, cfg.Automation.Workers)
	transfer.Start()
	automation.Start()

	dispatcher := dispatch.New()
	dispatcher.Register(domain.StatusWaiting, transfer)
	dispatcher.Register(domain.StatusPending, automation)

	scan := scanner.New(repo, dispatcher, cfg.Scanner.Interval)
	scan.Start()

	var cleaner *cleanup.Cleaner
	if cfg.Cleanup.Enabled {
		cleaner = cleanup.New(repo, layout, cfg.Cleanup.Expiration(), cfg.Cleanup.Interval)
		cleaner.Start()
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Repo:        repo,
			Scanner:     scan,
			InFlight:    dispatcher,
			Dirs:        layout,
			Debug:       cfg.Server.Debug,
			Schedulers:  []api.SchedulerStats{transfer, automation},
			Locks:       locks,
			CORSOrigins: cfg.Server.CORSOrigins,
		}),
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	scan.Stop()
	if cleaner != nil {
		cleaner.Stop()
	}
	// interrupted tasks keep their status and are picked up on the next start
	transfer.Stop()
	automation.Stop()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Console {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
