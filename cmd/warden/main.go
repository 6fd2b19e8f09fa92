// Command warden runs the control bot and the per-account automation engine.
//
// The process serves the Telegram webhook and the operator API over HTTP,
// restores sessions for accounts that signed in before the last restart and
// keeps the update-deduplication table trimmed.
//
//	@title						Account Warden API
//	@version					1.0
//	@description				Control-bot webhook and operator API for automated Telegram secondary accounts.
//	@BasePath					/
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Operator token as "Bearer <token>"
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/botapi"
	"github.com/tbourn/go-account-warden/internal/config"
	httpapi "github.com/tbourn/go-account-warden/internal/http"
	"github.com/tbourn/go-account-warden/internal/observability"
	"github.com/tbourn/go-account-warden/internal/provider/mtproto"
	"github.com/tbourn/go-account-warden/internal/repo"
	"github.com/tbourn/go-account-warden/internal/services"
	"github.com/tbourn/go-account-warden/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("warden stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version,
		attribute.String("warden.provider", "mtproto"))
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath, repo.Options{Tracing: cfg.OTEL.Enabled, Quiet: cfg.GinMode == gin.ReleaseMode})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return fmt.Errorf("session dir: %w", err)
	}

	bot := botapi.New(cfg.Bot.Token, cfg.Bot.APIURL)
	surface := &botapi.Surface{Client: bot}
	store := services.NewAccountStore(db, nil)

	factory := mtproto.NewFactory(mtproto.Config{
		AppID:       cfg.Provider.AppID,
		AppHash:     cfg.Provider.AppHash,
		SessionDir:  cfg.SessionDir,
		DC:          cfg.Provider.DC,
		EventBuffer: cfg.Provider.EventBuffer,
	})
	registry := services.NewRegistry(factory, store, services.SessionOptions{
		ConnectAttempts: cfg.Session.ConnectAttempts,
		ConnectBackoff:  cfg.Session.ConnectBackoff,
		AuthTimeout:     cfg.Session.AuthTimeout,
		ActionRPS:       cfg.Session.ActionRPS,
		ActionBurst:     cfg.Session.ActionBurst,
		Relay:           surface,
	})
	processor := &services.EventProcessor{
		Store:        store,
		Exec:         &services.Executor{Relay: surface, Journal: services.RepoJournal{DB: db}},
		HistoryLimit: cfg.Session.HistoryLimit,
	}
	flow := services.NewAuthFlow(registry, store, surface, processor, cfg.Session.CodeAttemptLimit)

	if cfg.Bot.WebhookURL != "" {
		if err := bot.SetWebhook(ctx, cfg.Bot.WebhookURL, cfg.Bot.WebhookSecret); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		log.Info().Str("url", cfg.Bot.WebhookURL).Msg("webhook registered")
	}

	go func() {
		n, err := flow.Resume(ctx)
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Int("resumed", n).Msg("sessions restored")
	}()
	go purgeLoop(ctx, db, cfg.PurgeInterval)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:       db,
		Dialog:   flow,
		Sessions: registry,
		Records:  store,
		Answerer: bot,
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

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("warden listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := registry.CloseAll(sctx); err != nil {
		log.Warn().Err(err).Msg("close sessions")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

// purgeLoop deletes expired update ids every interval until ctx ends.
func purgeLoop(ctx context.Context, db *gorm.DB, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredUpdates(ctx, db, now)
			if err != nil {
				log.Warn().Err(err).Msg("purge processed updates")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("processed updates trimmed")
			}
		}
	}
}
