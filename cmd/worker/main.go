package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/thumbcache/internal/app"
	"github.com/briangreenhill/thumbcache/internal/config"
	"github.com/briangreenhill/thumbcache/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := config.Defaults().Logger(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	logger := cfg.Logger(os.Stdout).With().Str("component", "worker").Logger()

	a, err := app.Setup(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup")
	}
	defer a.Close()

	redis := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	// one task at a time: sweeps and clears must not overlap
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{jobs.QueueCache: 1},
		Logger:      asynqLogger{logger},
	})
	mux := asynq.NewServeMux()
	h := &jobs.Handlers{
		Manager:   a.Manager,
		Actions:   a.Actions,
		AutoClear: cfg.AutoClear,
		Log:       logger,
	}
	h.Register(mux)

	scheduler := asynq.NewScheduler(redis, &asynq.SchedulerOpts{Logger: asynqLogger{logger}})
	ids, err := jobs.Schedule(scheduler, cfg.SmartClearCron, cfg.AutoClear)
	if err != nil {
		logger.Fatal().Err(err).Msg("schedule smart clear")
	}
	logger.Info().Strs("entries", ids).Str("cron", cfg.SmartClearCron).Msg("smart clear scheduled")

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	defer scheduler.Shutdown()

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Msg("worker running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	srv.Shutdown()
	for _, s := range a.Stats.All() {
		logger.Info().Str("stats", s.String()).Msg("latency")
	}
}
