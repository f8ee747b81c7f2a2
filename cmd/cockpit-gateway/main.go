// cockpit-gateway terminates browser sessions for the cockpit
// single-page app: it drives the staged OIDC login against the
// federation service, resolves account entitlements through the API
// gateway, and relays GraphQL traffic with the user's credentials
// attached.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/faros/cockpit-gateway/pkg/accounts"
	"github.com/faros/cockpit-gateway/pkg/api"
	"github.com/faros/cockpit-gateway/pkg/authz"
	"github.com/faros/cockpit-gateway/pkg/config"
	"github.com/faros/cockpit-gateway/pkg/featuretoggle"
	"github.com/faros/cockpit-gateway/pkg/federation"
	"github.com/faros/cockpit-gateway/pkg/gateway"
	"github.com/faros/cockpit-gateway/pkg/login"
	"github.com/faros/cockpit-gateway/pkg/observability"
	"github.com/faros/cockpit-gateway/pkg/relay"
	"github.com/faros/cockpit-gateway/pkg/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cockpit-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("environment", cfg.Environment).Info("starting cockpit-gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	toggles, err := loadToggles(ctx, cfg, logger)
	if err != nil {
		return err
	}

	redisClient, err := newRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		observability.ShutdownOTel(shutdownCtx, otel, logger)
	}()

	store := session.NewStore(redisClient, logger, metrics)
	sessions := session.NewManager(redisClient, logger, cfg.Production())

	federationClient := federation.NewClient(cfg.Federation.GraphQLURL, cfg.Federation.ParamsCacheTTL, logger)
	gatewayClient := gateway.NewClient(cfg.Gateway.GraphQLURL, cfg.Gateway.Timeout, logger)
	resolver := accounts.NewResolver(gatewayClient, logger)

	static, err := staticIssuer(ctx, cfg.Federation)
	if err != nil {
		return err
	}

	strategies := login.NewRegistry()
	flow := login.NewFlow(login.FlowConfig{
		Federation:       federationClient,
		Gateway:          gatewayClient,
		Resolver:         resolver,
		Store:            store,
		Registry:         strategies,
		Toggles:          toggles,
		Static:           static,
		Metrics:          metrics,
		Logger:           logger,
		CallbackURL:      cfg.CallbackURL(),
		InternalPrefixes: cfg.Login.InternalUserPrefixes,
	})
	logins := login.NewHandlers(flow, sessions, strategies, store, cfg.Login.Flow, logger)

	authzMW := authz.NewMiddleware(sessions, store, cfg.Production(), nil, nil, logger)

	proxy, err := relay.NewProxy(cfg.Gateway.GraphQLURL, store, logger, metrics)
	if err != nil {
		return err
	}

	janitor := cron.New()
	if _, err := janitor.AddFunc("@every 10m", func() {
		if removed := strategies.Sweep(cfg.Login.StrategyMaxAge); removed > 0 {
			logger.WithField("removed", removed).Info("swept stale login strategies")
		}
	}); err != nil {
		return fmt.Errorf("schedule strategy sweep: %w", err)
	}
	janitor.Start()
	defer janitor.Stop()

	server := api.NewServer(sessions, store, authzMW, logins, proxy, toggles, metrics, logger, cfg.Observability.OTelEnabled)

	appServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsRegistry := registry
	if !cfg.Observability.MetricsEnabled {
		metricsRegistry = nil
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: api.HealthHandler(observability.NewHealthChecker(redisClient), metricsRegistry),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("addr", appServer.Addr).Info("application server listening")
		if err := appServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		logger.Info("shutting down")
		if err := appServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("application server shutdown failed")
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// loadToggles builds the feature toggle source: a watched file when
// configured, inline JSON otherwise, an empty source as a last resort.
func loadToggles(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*featuretoggle.Source, error) {
	if cfg.Features.File != "" {
		toggles, err := featuretoggle.NewFromFile(cfg.Features.File, cfg.Environment, logger)
		if err != nil {
			return nil, fmt.Errorf("load feature toggles: %w", err)
		}
		if err := toggles.Watch(ctx); err != nil {
			return nil, fmt.Errorf("watch feature toggles: %w", err)
		}
		return toggles, nil
	}
	if cfg.Features.JSON != "" {
		toggles, err := featuretoggle.NewFromJSON(cfg.Features.JSON, cfg.Environment, logger)
		if err != nil {
			return nil, fmt.Errorf("load feature toggles: %w", err)
		}
		return toggles, nil
	}
	return featuretoggle.New(cfg.Environment, logger), nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.PoolSize = cfg.PoolSize

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// staticIssuer discovers the multifederator endpoints when one is
// configured. Discovery failures are fatal: the static mode is an
// explicit deployment choice, not a best-effort optimization.
func staticIssuer(ctx context.Context, cfg config.FederationConfig) (*login.StaticIssuer, error) {
	if cfg.MultifederatorURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.MultifederatorURL)
	if err != nil {
		return nil, fmt.Errorf("discover multifederator: %w", err)
	}
	return &login.StaticIssuer{
		Provider:     provider,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, nil
}
