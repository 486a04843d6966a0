package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/engine"
	"github.com/devblac/event-relay/internal/logging"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/registry"
	"github.com/devblac/event-relay/internal/sink"
	"github.com/devblac/event-relay/internal/storage"
	"github.com/devblac/event-relay/internal/storage/postgres"
)

const (
	headCacheTTL    = 2 * time.Second
	shutdownTimeout = 30 * time.Second
)

// app holds everything a command needs once the config is loaded.
type app struct {
	cfg       *config.Config
	overrides config.Overrides
	log       *zap.Logger
	metrics   *metrics.Metrics
	store     storage.Store
	registry  *registry.Registry
	pool      *chain.Pool
	queue     *sink.Queue
	service   *engine.Service
}

// loadConfig reads the config file and applies flag and EVENT_RELAY_* overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, config.Overrides, error) {
	overrides, err := config.LoadOverrides(cmd.Flags())
	if err != nil {
		return nil, overrides, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, overrides, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, overrides, fmt.Errorf("config overrides: %w", err)
	}
	return cfg, overrides, nil
}

// openStore opens the configured backend.
func openStore(ctx context.Context, g config.GlobalConfig) (storage.Store, error) {
	mode, err := model.ParseKeyMode(g.KeyMode)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(g.DBDriver) {
	case "postgres":
		return postgres.NewStore(ctx, g.DBDSN, mode)
	default:
		return storage.Open(g.DBPath, mode)
	}
}

// newApp wires config, logging, storage, chain clients, the webhook queue and the engine.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, overrides, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(overrides.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	store, err := openStore(cmd.Context(), cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg, err := registry.New(cfg.ProjectModels(), cfg.EventModels())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	m := metrics.Init()
	pool := chain.NewPool(chain.Options{
		Timeout: cfg.Global.RPCTimeout,
		HeadTTL: headCacheTTL,
		Logger:  log,
	})

	w := cfg.Webhook
	sender := sink.NewWebhookSender(sink.WebhookOptions{
		Timeout:         w.Timeout,
		Secret:          w.Secret,
		SignatureHeader: w.SignatureHeader,
	})
	queue := sink.NewQueue(sender, store, sink.QueueOptions{
		Workers:      w.Workers,
		Size:         w.QueueSize,
		MaxAttempts:  w.MaxAttempts,
		InitialDelay: w.InitialDelay,
		MaxDelay:     w.MaxDelay,
	}, log, m)

	svc := engine.NewService(reg, store, pool, queue, engine.Options{
		Concurrency: cfg.Global.SyncConcurrency,
		Scanner: engine.ScannerOptions{
			ChainRetries:  cfg.Global.ChainRetries,
			RetryBackoff:  cfg.Global.RetryBackoff,
			FinishTimeout: shutdownTimeout,
		},
		DropNamespaceOnRemove: cfg.Global.DropNamespaceOnRemove,
	}, log, m)

	return &app{
		cfg:       cfg,
		overrides: overrides,
		log:       log,
		metrics:   m,
		store:     store,
		registry:  reg,
		pool:      pool,
		queue:     queue,
		service:   svc,
	}, nil
}

// close stops listeners, drains pending webhooks and releases connections.
func (a *app) close() {
	a.service.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.queue.Close(ctx); err != nil {
		a.log.Warn("webhook queue closed before draining", zap.Int("pending", a.queue.Pending()), zap.Error(err))
	}

	a.pool.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close storage", zap.Error(err))
	}
	_ = a.log.Sync()
}

// openStoreOnly is used by read-only commands that never touch the chain.
func openStoreOnly(cmd *cobra.Command) (storage.Store, *config.Config, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cmd.Context(), cfg.Global)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return store, cfg, nil
}
