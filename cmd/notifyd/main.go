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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/jwalitptl/notify-sync/internal/config"
	"github.com/jwalitptl/notify-sync/internal/handler"
	authhandler "github.com/jwalitptl/notify-sync/internal/handler/auth"
	notifhandler "github.com/jwalitptl/notify-sync/internal/handler/notification"
	"github.com/jwalitptl/notify-sync/internal/middleware"
	"github.com/jwalitptl/notify-sync/internal/model"
	"github.com/jwalitptl/notify-sync/internal/push"
	"github.com/jwalitptl/notify-sync/internal/push/redispush"
	"github.com/jwalitptl/notify-sync/internal/push/socketio"
	"github.com/jwalitptl/notify-sync/internal/repository/rest"
	"github.com/jwalitptl/notify-sync/internal/router"
	notifsvc "github.com/jwalitptl/notify-sync/internal/service/notification"
	"github.com/jwalitptl/notify-sync/internal/session"
	"github.com/jwalitptl/notify-sync/pkg/logger"
	"github.com/jwalitptl/notify-sync/pkg/messaging"
	redisbroker "github.com/jwalitptl/notify-sync/pkg/messaging/redis"
	"github.com/jwalitptl/notify-sync/pkg/metrics"
)

const metricsNamespace = "notifyd"

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config.yaml")
	pflag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize logger
	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.Log.JSON,
	})

	// Initialize metrics on a private registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(metricsNamespace, "sync", registry)

	// Resolve the starting session
	sess, keyringSource, err := loadSession(cfg)
	if err != nil {
		appLogger.Fatal(err, "failed to load session")
	}
	if sess.IsZero() {
		appLogger.Warn("no session configured, waiting for login")
	} else if sess.Expired(time.Now()) {
		appLogger.Warn("session token is expired", "user_id", sess.UserID)
	}

	// Initialize the REST repository
	client := rest.NewClient(rest.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		MaxRetries:        cfg.API.MaxRetries,
		BreakerFailures:   cfg.API.BreakerFailures,
		BreakerTimeout:    cfg.API.BreakerTimeout,
	}, rest.WithLogger(appLogger), rest.WithMetrics(m))
	repo := rest.NewNotificationRepository(client)

	// Initialize the push transport
	dialer, closeBroker, err := newDialer(cfg, appLogger, m)
	if err != nil {
		appLogger.Fatal(err, "failed to set up push transport", "transport", cfg.Push.Transport)
	}
	defer closeBroker()

	// Initialize the sync service
	toasts := notifsvc.NewChanToaster(cfg.Sync.ToastBuffer)
	syncSvc := notifsvc.NewSync(repo, dialer, sess, notifsvc.Options{
		PageSize:          cfg.Sync.PageSize,
		Filter:            model.Filter(cfg.Sync.Filter),
		Search:            cfg.Sync.Search,
		RollbackOnFailure: cfg.Sync.RollbackOnFailure,
		AnnounceSuccess:   cfg.Sync.AnnounceSuccess,
		TombstoneTTL:      cfg.Sync.TombstoneTTL,
	},
		notifsvc.WithLogger(appLogger),
		notifsvc.WithMetrics(m),
		notifsvc.WithToaster(notifsvc.MultiToaster(toasts, notifsvc.NewLogToaster(appLogger))),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := syncSvc.Start(ctx); err != nil {
		appLogger.Error(err, "initial notification fetch failed")
	}

	// Initialize handlers
	h := handler.NewHandler(func() error {
		if syncSvc.Snapshot().UserID == "" {
			return notifsvc.ErrNoSession
		}
		return nil
	}, registry)
	notificationHandler := notifhandler.NewHandler(syncSvc, toasts)
	var store authhandler.Store
	if keyringSource != nil {
		store = keyringSource
	}
	authHandler := authhandler.NewHandler(syncSvc, store, appLogger)

	// Setup router
	gin.SetMode(gin.ReleaseMode)
	r := router.NewRouter(h, router.RouterConfig{
		CORSConfig:    middleware.DefaultCORSConfig(),
		MetricsPrefix: metricsNamespace + "_http",
		Registerer:    registry,
		Logger:        appLogger,
	}, notificationHandler, authHandler)
	r.Setup()

	// Create server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		appLogger.Info("starting server", "addr", srv.Addr, "transport", cfg.Push.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal(err, "failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "server forced to shutdown")
	}
	cancel()
	if err := syncSvc.Close(); err != nil {
		appLogger.Error(err, "failed to close notification sync")
	}

	appLogger.Info("server exited properly")
}

// loadSession returns the configured session and, when the keyring is
// enabled, the source logins are persisted to.
func loadSession(cfg *config.Config) (session.Session, *session.KeyringSource, error) {
	if cfg.Session.Keyring {
		src, err := session.OpenKeyring(session.KeyringConfig{
			FileDir:      cfg.Session.KeyringDir,
			FilePassword: cfg.Session.KeyringPassword,
		})
		if err != nil {
			return session.Session{}, nil, err
		}
		sess, err := src.Load()
		if err != nil {
			return session.Session{}, nil, err
		}
		return sess, src, nil
	}

	if cfg.Session.Token == "" {
		return session.Session{}, nil, nil
	}
	if cfg.Session.UserID != "" {
		return session.New(cfg.Session.Token, cfg.Session.UserID), nil, nil
	}
	sess, err := session.FromToken(cfg.Session.Token)
	if err != nil {
		return session.Session{}, nil, fmt.Errorf("session.user_id is empty and the token carries none: %w", err)
	}
	return sess, nil, nil
}

// newDialer builds the push transport named in the config. The returned
// func releases whatever the transport holds open.
func newDialer(cfg *config.Config, appLogger *logger.Logger, m *metrics.Metrics) (push.Dialer, func(), error) {
	noop := func() {}

	switch cfg.Push.Transport {
	case config.TransportSocketIO:
		return socketio.NewDialer(socketio.Config{
			URL:              cfg.PushURL(),
			Path:             cfg.Push.Path,
			Namespace:        cfg.Push.Namespace,
			HandshakeTimeout: cfg.Push.HandshakeTimeout,
			ReconnectInitial: cfg.Push.ReconnectInitial,
			ReconnectMax:     cfg.Push.ReconnectMax,
		}, socketio.WithLogger(appLogger), socketio.WithMetrics(m)), noop, nil

	case config.TransportRedis:
		broker, err := redisbroker.NewRedisBroker(redisbroker.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, appLogger.Zerolog())
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to redis: %w", err)
		}
		adapter := messaging.NewBrokerAdapter(broker, appLogger.Zerolog())
		closeFn := func() {
			if err := adapter.Close(); err != nil {
				appLogger.Error(err, "failed to close redis broker")
			}
		}
		return redispush.NewDialer(adapter, cfg.Push.TopicPrefix,
			redispush.WithLogger(appLogger), redispush.WithMetrics(m)), closeFn, nil

	case config.TransportNone:
		return nil, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown push transport %q", cfg.Push.Transport)
}
