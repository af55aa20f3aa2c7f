package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lista-sync/lista/internal/bridge"
	"github.com/lista-sync/lista/internal/config"
	"github.com/lista-sync/lista/internal/health"
	"github.com/lista-sync/lista/internal/keystore"
	"github.com/lista-sync/lista/internal/metrics"
	"github.com/lista-sync/lista/internal/mgmt"
	"github.com/lista-sync/lista/internal/swarm"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("data_dir", cfg.DataDir).
		Str("peer_addr", cfg.PeerListenAddr).
		Str("bridge_addr", cfg.BridgeListenAddr).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Msg("starting listad")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	keys, err := keystore.New(filepath.Join(cfg.DataDir, "keys"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open key store")
	}

	// Replication session and the UI bridge on top of it. The bridge wires
	// its event listeners before Initialize so nothing is missed.
	session := swarm.NewSession(cfg, keys, m, logger)
	uiBridge := bridge.New(cfg, session, logger)

	if err := session.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize replication session")
	}
	if err := uiBridge.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start ui bridge")
	}

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("session", func(ctx context.Context) health.Status {
		if session.List() == nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// HTTP server for probes and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Management API server
	mgmtServer := mgmt.NewServer(cfg.MgmtListenAddr, session, checker, m, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}
	if err := uiBridge.Close(); err != nil {
		logger.Error().Err(err).Msg("ui bridge shutdown error")
	}
	if err := session.Close(); err != nil {
		logger.Error().Err(err).Msg("session shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("listad stopped")
}
