// Command learnd serves agent learning status and metrics and runs
// background maintenance over a shared learning store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/app"
	"github.com/danielpatrickdp/agent-learning/internal/config"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/metrics"
	"github.com/danielpatrickdp/agent-learning/internal/server"
)

// #region main

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "learnd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(a.Store, a.Bank, cfg.Learning, reg, logger.Named("http")),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("learnd listening", zap.String("addr", cfg.Server.Addr), zap.String("db", cfg.Store.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// #endregion main
