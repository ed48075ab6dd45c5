// Package app wires the learning core's components from a Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/codec"
	"github.com/danielpatrickdp/agent-learning/internal/config"
	"github.com/danielpatrickdp/agent-learning/internal/embedding"
	"github.com/danielpatrickdp/agent-learning/internal/experience"
	"github.com/danielpatrickdp/agent-learning/internal/learning"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/maintenance"
	"github.com/danielpatrickdp/agent-learning/internal/metrics"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// App holds one process's handles on the shared learning store.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Store       *store.Store
	Experiences *experience.Store
	Index       *embedding.Index
	Bank        *patterns.Bank
	Embedder    embedding.Embedder

	closers []func() error
}

// Open opens the store, builds the embedder and index, and loads every
// stored pattern embedding into the index.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{Config: cfg, Logger: logger, Metrics: m}

	st, err := store.Open(cfg.Store.Path, store.WithBusyTimeout(cfg.Store.BusyTimeout))
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)
	a.Experiences = experience.NewStore(st)

	emb, err := newEmbedder(cfg.Embedding, cfg.Index.Dimensions)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Embedder = emb
	if c, ok := emb.(*codec.EmbedClient); ok {
		a.closers = append(a.closers, c.Close)
	}

	idx, err := embedding.NewIndex(cfg.Index)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("new index: %w", err)
	}
	a.Index = idx
	a.Bank = patterns.NewBank(st, idx, cfg.Patterns,
		patterns.WithEmbedder(emb),
		patterns.WithLogger(logger.Named("patterns")),
		patterns.WithMetrics(m),
	)
	n, err := a.Bank.RebuildIndex(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load pattern index: %w", err)
	}
	logger.Debug("pattern index loaded", zap.Int("patterns", n), zap.String("db", cfg.Store.Path))
	return a, nil
}

func newEmbedder(cfg config.EmbeddingConfig, dims int) (embedding.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderGRPC:
		c, err := codec.NewEmbedClient(cfg.Addr, codec.Options{Method: cfg.Method, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderHash, "":
		return embedding.NewHashEmbedder(dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Engine returns a learning engine for agentID backed by the shared store.
func (a *App) Engine(agentID string) (*learning.Engine, error) {
	return learning.New(a.Store, a.Experiences, agentID, a.Config.Learning,
		learning.WithPatternBank(a.Bank),
		learning.WithLogger(a.Logger.Named("learning")),
		learning.WithMetrics(a.Metrics),
	)
}

// Scheduler returns a maintenance scheduler over the app's components.
func (a *App) Scheduler() (*maintenance.Scheduler, error) {
	return maintenance.New(a.Store, a.Experiences, a.Bank, a.Config.Maintenance,
		maintenance.WithLogger(a.Logger),
		maintenance.WithMetrics(a.Metrics),
	)
}

// Close releases the embedder connection and the store, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
