package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/better-wallet/share-custody/internal/api"
	"github.com/better-wallet/share-custody/internal/config"
	"github.com/better-wallet/share-custody/internal/custody"
	"github.com/better-wallet/share-custody/internal/envelope"
	"github.com/better-wallet/share-custody/internal/logger"
	"github.com/better-wallet/share-custody/internal/middleware"
	"github.com/better-wallet/share-custody/internal/sharestore"
	"github.com/better-wallet/share-custody/internal/signer"
	"github.com/better-wallet/share-custody/internal/verification"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.LogFormat, cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Stores connect on first use; a bad credential surfaces as a configuration error then
	hot := sharestore.Open(cfg.Hot, slog.Default())
	cold := sharestore.Open(cfg.Cold, slog.Default())
	stores := sharestore.NewGateway(hot, cold, sharestore.NewMetrics(reg))
	defer stores.Close()

	stores.CheckIndependence(slog.Default())
	slog.Info("share stores configured",
		"hot", hot.LocationURI(),
		"cold", cold.LocationURI(),
		"encryption_policy", cfg.EncryptionPolicy,
	)

	eth := signer.NewEthereum()
	engine, err := custody.NewEngine(custody.Options{
		Cipher:  envelope.NewDefault(),
		Stores:  stores,
		Signer:  eth,
		Policy:  cfg.EncryptionPolicy,
		Metrics: custody.NewMetrics(reg),
	})
	if err != nil {
		slog.Error("failed to initialize custody engine", "error", err)
		os.Exit(1)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitEnabled)
	defer rateLimiter.Close()

	server := api.NewServer(engine, verification.NewService(eth), api.Options{
		Port:        cfg.Port,
		CORSOrigins: cfg.CORSOrigins,
		RateLimiter: rateLimiter,
		Gatherer:    reg,
	})

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}
