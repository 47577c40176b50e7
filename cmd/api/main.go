// cmd/api/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"

	"github.com/briangreenhill/thumbcache/internal/app"
	"github.com/briangreenhill/thumbcache/internal/auth"
	"github.com/briangreenhill/thumbcache/internal/config"
	"github.com/briangreenhill/thumbcache/internal/http/routes"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := config.Defaults().Logger(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}

	// Logger
	logger := cfg.Logger(os.Stdout)
	logger.Info().Str("port", cfg.Port).Str("cache_dir", cfg.CacheDir).Msg("starting api")

	a, err := app.Setup(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup")
	}
	defer a.Close()

	// Sessions
	sess := scs.New()
	sess.Lifetime = 12 * time.Hour
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = false

	// Queue for post-save hooks
	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("close asynq client")
		}
	}()

	admin := auth.AdminLink{Secret: []byte(cfg.AdminSecret), BaseURL: cfg.SiteURL}
	if link, err := admin.URL("admin", time.Hour); err == nil {
		logger.Info().Str("url", link).Msg("admin login link")
	} else {
		logger.Warn().Err(err).Msg("admin endpoints disabled")
	}

	s := routes.New(routes.ServerOptions{
		Sess:      sess,
		Admin:     admin,
		Manager:   a.Manager,
		Actions:   a.Actions,
		Stats:     a.Stats,
		Queue:     queue,
		AutoClear: cfg.AutoClear,
		HookToken: cfg.HookToken,
		Log:       logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("serve")
	}
}
