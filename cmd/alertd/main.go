package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/storm-alert-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-alert-service/internal/adapter/kafka"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/mapbox"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/memory"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/postgres"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/redisstore"
	"github.com/couchcryptid/storm-alert-service/internal/auth"
	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/config"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/couchcryptid/storm-alert-service/internal/identity"
	"github.com/couchcryptid/storm-alert-service/internal/notify"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/couchcryptid/storm-alert-service/internal/places"
	"github.com/couchcryptid/storm-alert-service/internal/preferences"
	"github.com/couchcryptid/storm-alert-service/internal/push"
	"github.com/couchcryptid/storm-alert-service/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics, clock); err != nil {
		logger.Error("service error", "error", err)
		os.Exit(1)
	}
}

// checks combines readiness checks; the service is ready when all pass.
type checks []func(context.Context) error

func (c checks) CheckReadiness(ctx context.Context) error {
	for _, check := range c {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) error {
	hub := realtime.NewHub(logger, metrics)
	var ready checks
	var closers []func() error

	// Backend tables. In postgres mode writes are published to the change
	// topic and the feed relays the topic into the hub, so every replica
	// sees every change.
	var tables backend.Tables
	var feed *realtime.Feed
	switch cfg.Backend {
	case config.BackendPostgres:
		writer := kafkaadapter.NewWriter(cfg, logger, metrics)
		closers = append(closers, writer.Close)
		client, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{
			Publisher: writer,
			Timeout:   cfg.BackendTimeout,
			Clock:     clock,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			return err
		}
		closers = append(closers, client.Close)
		if err := client.Migrate(ctx); err != nil {
			return err
		}
		reader := kafkaadapter.NewReader(cfg, logger)
		closers = append(closers, reader.Close)
		feed = realtime.NewFeed(reader, hub, logger, metrics, cfg.BatchSize)
		tables = client
		ready = append(ready, client.Ping, feed.CheckReadiness)
	default:
		tables = memory.New(hub, clock)
	}
	logger.Info("backend configured", "backend", cfg.Backend)

	// Fallback store.
	var store fallback.Store
	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.FallbackTTL,
		})
		if err != nil {
			return err
		}
		closers = append(closers, rs.Close)
		store = rs
		ready = append(ready, rs.Ping)
		logger.Info("fallback store: redis", "addr", cfg.RedisAddr)
	} else {
		store = fallback.NewMemory()
		logger.Info("fallback store: in process")
	}
	shadow := fallback.NewShadow(store, logger, metrics)

	// Identity.
	authSvc := auth.New(tables, store, auth.Options{
		Secret:     cfg.JWTSecret,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Clock:      clock,
		Logger:     logger,
	})
	users := identity.NewUsers(authSvc, tables, clock, logger)
	defer users.Close()

	var verifier identity.CredentialVerifier
	if cfg.AdminAuthMode == config.AdminAuthBackend {
		verifier = identity.NewBackendCredentials(authSvc, tables)
	} else {
		static, err := identity.ParseStaticCredentials(cfg.AdminCredentials)
		if err != nil {
			return err
		}
		if static.Len() == 0 {
			logger.Warn("ADMIN_CREDENTIALS is empty, administrator sign-in is disabled")
		}
		verifier = static
	}
	admins := identity.NewAdmins(verifier, store, cfg.AdminFailureDelay, clock, logger)

	broadcaster := notify.NewBroadcaster(tables, clock, logger)
	prefs := preferences.New(tables, shadow, broadcaster, clock, logger)

	// Push side channel.
	pushOpts := push.Options{Preferences: prefs, Directory: users, Clock: clock, Logger: logger, Metrics: metrics}
	if cfg.SNSTopicARN != "" || cfg.SESSender != "" {
		snsClient, sesClient, err := push.NewAWSClients(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
		if cfg.SNSTopicARN != "" {
			pushOpts.Mobile = snsClient
		}
		if cfg.SESSender != "" {
			pushOpts.Email = sesClient
		}
	}
	dispatcher := push.New(push.Config{
		TopicARN: cfg.SNSTopicARN,
		Sender:   cfg.SESSender,
		Timeout:  cfg.PushTimeout,
		Location: cfg.Location,
	}, pushOpts)
	logger.Info("push permission settled", "permission", dispatcher.RequestPermission())

	// Geocoding enrichment (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		metrics.GeocodeEnabled.Set(0)
		logger.Info("mapbox geocoding disabled")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Deps{
		Tables:      tables,
		Realtime:    hub,
		Shadow:      shadow,
		Users:       users,
		Admins:      admins,
		Broadcaster: broadcaster,
		Places:      places.New(tables, hub, shadow, broadcaster, clock, logger),
		Preferences: prefs,
		Popup:       dispatcher,
		Geocoder:    geocoder,
		Ready:       ready,
		Clock:       clock,
		Location:    cfg.Location,
		Metrics:     metrics,
	}, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if feed != nil {
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Error("change feed error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	dispatcher.Wait()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}
