package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/streamchat/internal/chat"
	"github.com/ent0n29/streamchat/internal/config"
	"github.com/ent0n29/streamchat/internal/conversation"
	"github.com/ent0n29/streamchat/internal/events"
	"github.com/ent0n29/streamchat/internal/httpapi"
	"github.com/ent0n29/streamchat/internal/observability"
	"github.com/ent0n29/streamchat/internal/quota"
	"github.com/ent0n29/streamchat/internal/upstream"
)

// mockFrameDelay paces the scripted upstream so snapshots arrive visibly.
const mockFrameDelay = 40 * time.Millisecond

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Store        conversation.Store
	Quota        *quota.Manager
	Orchestrator *chat.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, Redis, NATS).
	Cleanup func() error
}

// Build wires the service from cfg. reg may be nil to use the default
// Prometheus registerer.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	store, err := conversation.NewStore(ctx, conversation.Config{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		BadgerPath:  cfg.BadgerPath,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	closers = append(closers, store.Close)

	remote, closeRemote, err := buildQuotaRemote(ctx, cfg)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	if closeRemote != nil {
		closers = append(closers, closeRemote)
	}
	quotas := quota.NewManager(quota.Config{
		Limit:         cfg.QuotaLimit,
		Window:        cfg.QuotaWindow,
		RemoteTimeout: cfg.QuotaRemoteTimeout,
	}, remote, logger)

	client, err := buildUpstream(cfg)
	if err != nil {
		_ = cleanup()
		return nil, err
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			_ = cleanup()
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		publisher = np
		closers = append(closers, func() error {
			np.Close()
			return nil
		})
	}

	orchestrator := chat.New(store, client, quotas, publisher, metrics, logger, chat.Options{
		StallTimeout: cfg.StallTimeout,
		TurnTimeout:  cfg.TurnTimeout,
		Model:        cfg.UpstreamModel,
	})

	api := httpapi.New(cfg, orchestrator, store, quotas, metrics, logger)

	logger.Info("service wired",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("upstream_mode", cfg.UpstreamMode),
		zap.String("quota_remote", cfg.QuotaRemote),
		zap.Bool("events", cfg.NATSURL != ""),
	)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Store:        store,
		Quota:        quotas,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

func buildQuotaRemote(ctx context.Context, cfg config.Config) (quota.Remote, func() error, error) {
	switch cfg.QuotaRemote {
	case "", config.QuotaRemoteNone:
		return nil, nil, nil
	case config.QuotaRemoteRedis:
		r, err := quota.NewRedisRemote(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis quota remote init failed: %w", err)
		}
		return r, r.Close, nil
	case config.QuotaRemoteHTTP:
		return quota.NewHTTPRemote(cfg.QuotaRemoteURL, cfg.QuotaRemoteTimeout), nil, nil
	default:
		return nil, nil, fmt.Errorf("invalid QUOTA_REMOTE: %q", cfg.QuotaRemote)
	}
}

func buildUpstream(cfg config.Config) (upstream.Client, error) {
	switch cfg.UpstreamMode {
	case config.UpstreamHTTP:
		return upstream.NewHTTPClient(cfg.UpstreamURL, cfg.UpstreamAPIKey, cfg.UpstreamModel), nil
	case "", config.UpstreamMock:
		return &upstream.ScriptedClient{Script: upstream.EchoScript, Delay: mockFrameDelay}, nil
	default:
		return nil, fmt.Errorf("invalid UPSTREAM_MODE: %q", cfg.UpstreamMode)
	}
}
