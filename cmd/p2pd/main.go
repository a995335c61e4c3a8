package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chainnet/config"
	"chainnet/observability/logging"
	telemetry "chainnet/observability/otel"
	"chainnet/p2p"
	"chainnet/p2p/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "p2pd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file (.toml, .yaml or .yml)")
	networkFlag := flag.String("network", "", "Override the configured network (mainnet, testnet, regtest)")
	listenFlag := flag.String("listen", "", "Override the p2p listen address")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *networkFlag != "" {
		if _, err := wire.ParseNetwork(*networkFlag); err != nil {
			return err
		}
		cfg.P2P.Network = *networkFlag
	}
	if *listenFlag != "" {
		cfg.P2P.ListenAddress = *listenFlag
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	env := strings.TrimSpace(os.Getenv("CHAINNET_ENV"))
	logger, closeLog := logging.SetupWithOptions(logging.Options{
		Service:    "p2pd",
		Env:        env,
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer closeLog()

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "p2pd",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	netCfg, err := cfg.NetworkConfig()
	if err != nil {
		return err
	}
	timeout := netCfg.RequestTimeout
	if timeout <= 0 {
		timeout = p2p.DefaultConfig().RequestTimeout
	}
	relayNode := newRelay(logger, timeout)
	server, err := p2p.NewServer(netCfg, relayNode,
		p2p.WithLogger(logger),
		p2p.WithChainState(relayNode))
	if err != nil {
		return fmt.Errorf("create p2p server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start p2p server: %w", err)
	}
	logger.Info("p2pd started",
		slog.String("network", netCfg.Network.String()),
		slog.Bool("inbound", server.ListenAddr().IsValid()))

	go relayNode.run(ctx, server)

	var admin *http.Server
	adminErrs := make(chan error, 1)
	if addr := strings.TrimSpace(cfg.Admin.ListenAddress); addr != "" {
		admin = &http.Server{
			Addr:              addr,
			Handler:           otelhttp.NewHandler(newAdminRouter(server, logger), "p2pd-admin"),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("Admin server listening", slog.String("address", addr))
			adminErrs <- admin.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-adminErrs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server failed", slog.Any("error", err))
		}
	}

	logger.Info("p2pd shutting down")
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := admin.Shutdown(shutdownCtx); err != nil {
			_ = admin.Close()
		}
		cancel()
	}
	return server.Stop()
}
