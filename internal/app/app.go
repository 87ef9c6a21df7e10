// Package app wires the pipeline together from configuration and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avvvet/partsbuddy/internal/agents"
	"github.com/avvvet/partsbuddy/internal/catalog"
	"github.com/avvvet/partsbuddy/internal/config"
	"github.com/avvvet/partsbuddy/internal/handlers"
	"github.com/avvvet/partsbuddy/internal/llm"
	"github.com/avvvet/partsbuddy/internal/memory"
	"github.com/avvvet/partsbuddy/internal/search"
	"github.com/avvvet/partsbuddy/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reseedTimeout = time.Minute

// App holds every long-lived component of the service
type App struct {
	Config  *config.Config
	Catalog *catalog.FileCatalog
	Index   *search.Index
	Gateway *llm.Gateway
	Memory  *memory.Manager
	Handler *handlers.ChatHandler

	logger      *zap.Logger
	stopWatch   context.CancelFunc
	watcherDone <-chan struct{}
}

// Build constructs the pipeline. Nothing is dialled eagerly except the embedder used to seed the index.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cat, err := catalog.Load(cfg.CatalogDir, logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	embedder, err := search.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	index := search.NewIndex(embedder, logger.Named("search"))
	if err := index.Seed(ctx, cat); err != nil {
		return nil, fmt.Errorf("failed to seed search index: %w", err)
	}

	provider, err := llm.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	gateway := llm.NewGateway(provider, llm.GatewayOptions(cfg), logger.Named("gateway"))
	logger.Info("🤖 LLM provider ready",
		zap.String("provider", provider.Name()),
		zap.String("model", cfg.LLMModel))

	var primary memory.Store
	if cfg.RedisURL != "" {
		redisStore, err := memory.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			logger.Warn("⚠️ Redis unreachable, cache starts degraded", zap.Error(err))
		}
		cancel()
		primary = redisStore
	}
	mem := memory.NewManager(primary, memory.ManagerOptions{
		HistoryLimit: cfg.HistoryLimit,
		SessionTTL:   cfg.SessionTTL,
		RetryAfter:   cfg.CacheRetryAfter,
		Keys:         memory.NewKeyPolicy(cfg.CacheKeyScope),
	}, logger.Named("memory"))

	agentLogger := logger.Named("agents")
	router := agents.NewRouter(cfg.AgentTimeout, agentLogger,
		agents.NewProductAgent(cat, index, cfg.ProductTopK, cfg.SearchTimeout, agentLogger),
		agents.NewTroubleshootAgent(cat, index, cfg.TroubleshootTopK, cfg.SearchTimeout, agentLogger),
	)

	handler := handlers.NewChatHandler(mem,
		agents.NewGuard(gateway, agentLogger),
		agents.NewClassifier(gateway, cfg.HistoryWindow, agentLogger),
		router,
		agents.NewSynthesizer(gateway, cfg.HistoryWindow, agentLogger),
		handlers.Options{
			CacheTTL:      cfg.CacheTTL,
			RefusalTTL:    cfg.RefusalTTL,
			MaxMessageLen: cfg.MaxMessageLen,
		},
		logger.Named("chat"))

	a := &App{
		Config:  cfg,
		Catalog: cat,
		Index:   index,
		Gateway: gateway,
		Memory:  mem,
		Handler: handler,
		logger:  logger,
	}

	if cfg.WatchCatalog && cfg.CatalogDir != "" {
		if err := a.watchCatalog(); err != nil {
			_ = mem.Close()
			return nil, err
		}
	}
	return a, nil
}

// watchCatalog reseeds the index whenever the catalog files change
func (a *App) watchCatalog() error {
	watchCtx, cancel := context.WithCancel(context.Background())
	done, err := a.Catalog.Watch(watchCtx, func() {
		ctx, cancel := context.WithTimeout(watchCtx, reseedTimeout)
		defer cancel()
		if err := a.Index.Seed(ctx, a.Catalog); err != nil {
			a.logger.Warn("Search index reseed failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to watch catalog: %w", err)
	}
	a.stopWatch = cancel
	a.watcherDone = done
	return nil
}

// Health summarises component state for /healthz
func (a *App) Health(ctx context.Context) map[string]string {
	cache := "local"
	switch {
	case a.Memory.Degraded():
		cache = "degraded"
	case a.Config.RedisURL != "":
		cache = "redis"
	}
	return map[string]string{
		"cache":    cache,
		"llm":      a.Gateway.Provider(),
		"parts":    strconv.Itoa(len(a.Catalog.Parts())),
		"embedder": a.Config.EmbeddingProvider,
	}
}

// Serve runs the HTTP server, and the NATS transport when NATS_URL is set, until ctx ends
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.Config.NatsURL != "" {
		nt, err := transport.NewNATSTransport(a.Config, a.Handler, a.logger.Named("nats"))
		if err != nil {
			return err
		}
		if err := nt.Start(); err != nil {
			_ = nt.Close()
			return err
		}
		a.logger.Info("👂 Listening on NATS", zap.String("subject", a.Config.NatsRequestSubject))
		g.Go(func() error {
			<-gctx.Done()
			return nt.Close()
		})
	}

	server := transport.NewHTTPServer(a.Config.HTTPAddr, a.Handler, a.Health, requestTimeout(a.Config), a.logger.Named("http"))
	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// requestTimeout bounds a whole request: three gateway budgets plus the agent fan-out
func requestTimeout(cfg *config.Config) time.Duration {
	return 3*cfg.LLMRetryBudget + cfg.AgentTimeout
}

// Close stops the catalog watcher and releases the cache stores
func (a *App) Close() error {
	if a.stopWatch != nil {
		a.stopWatch()
		<-a.watcherDone
	}
	return a.Memory.Close()
}
