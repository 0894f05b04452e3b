package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/riscv-go/vm"
	"github.com/dshills/riscv-go/vm/host"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the virtual machine over HTTP",
	Long: `Starts an HTTP server exposing module upload, guest calls, receipts,
replay verification, and Prometheus metrics.

Configuration comes from RVNODE_* environment variables (an .env file in
the working directory is loaded automatically):

  RVNODE_ADDR              listen address (default :8080)
  RVNODE_DB_DRIVER         receipt store: memory, sqlite, or mysql (default memory)
  RVNODE_DB_DSN            sqlite path or mysql DSN
  RVNODE_MAX_MEMORY        guest memory bytes per instance (default 1 MiB)
  RVNODE_MAX_CODE_SIZE     largest accepted code image (default 64 KiB)
  RVNODE_DEFAULT_GAS       per-call gas budget, 0 = unmetered (default 10000000)
  RVNODE_POOL_SIZE         idle instances kept per module (default 8)
  RVNODE_READ_TIMEOUT      HTTP read timeout (default 10s)
  RVNODE_WRITE_TIMEOUT     HTTP write timeout (default 30s)
  RVNODE_SHUTDOWN_TIMEOUT  graceful shutdown deadline (default 10s)`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := cfg.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := vm.NewPrometheusMetrics(registry)

	hostReg, err := host.DefaultRegistry(os.Stdout, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("build syscall registry: %w", err)
	}

	engine, err := vm.New(
		vm.WithMaxMemory(cfg.MaxMemory),
		vm.WithMaxCodeSize(cfg.MaxCodeSize),
		vm.WithDefaultGas(cfg.DefaultGas),
		vm.WithSyscall(hostReg.Handler()),
		vm.WithStore(st),
		vm.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	srv := newServer(engine, cfg, logger, registry)
	defer srv.close()

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.DBDriver),
			zap.Uint64("default_gas", cfg.DefaultGas),
			zap.Uint32("max_memory", cfg.MaxMemory))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
