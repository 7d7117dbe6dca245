// Command server runs the bcon message-routing hub: the dual
// adapter/client listeners, the routing fabric, and the background
// supervisor, with signal-triggered graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bconhub/hub/internal/auth"
	"github.com/bconhub/hub/internal/config"
	"github.com/bconhub/hub/internal/logging"
	"github.com/bconhub/hub/internal/metrics"
	"github.com/bconhub/hub/internal/ratelimit"
	"github.com/bconhub/hub/internal/registry"
	"github.com/bconhub/hub/internal/router"
	"github.com/bconhub/hub/internal/supervisor"
	"github.com/bconhub/hub/internal/transport"
)

// version is overridable at build time via `-ldflags "-X main.version=..."`.
// It only fills in the /health response when the config file leaves
// server_info.version at its default.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the hub's JSON config file")
	generatePath := flag.String("generate-config", "", "write a commented example config to this path and exit")
	flag.Parse()

	if *generatePath != "" {
		if err := config.GenerateExample(*generatePath); err != nil {
			fmt.Fprintf(os.Stderr, "generating example config: %v\n", err)
			return 2
		}
		fmt.Printf("wrote example config to %s\n", *generatePath)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 2
	}
	if version != "dev" && cfg.ServerInfo.Version == config.Default().ServerInfo.Version {
		cfg.ServerInfo.Version = version
	}

	logging.Init(cfg.LogLevel, os.Getenv("BCON_LOG_PRETTY") == "true")
	log := logging.Base()
	log.Info().
		Int("adapter_port", cfg.AdapterPort).
		Int("client_port", cfg.ClientPort).
		Msg("starting bcon hub")

	reg := registry.New(cfg.KVByteBudget)
	limiter := ratelimit.New(cfg.WindowDurationSeconds, cfg.BanThreshold, time.Duration(cfg.BanDurationHours)*time.Hour)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	routerImpl := router.New(reg, time.Duration(cfg.AckTimeoutSeconds)*time.Second)

	adapterTokens := auth.NewTokenManager(cfg.AdapterSecret, cfg.Issuer)
	clientTokens := auth.NewTokenManager(cfg.ClientSecret, cfg.Issuer)

	tr := transport.New(transport.Deps{
		Config:        cfg,
		Registry:      reg,
		Limiter:       limiter,
		Handler:       routerImpl,
		AdapterTokens: adapterTokens,
		ClientTokens:  clientTokens,
		Metrics:       collector,
	})

	sup := supervisor.New(supervisor.Config{
		SweepInterval:   time.Duration(cfg.MetricsIntervalMS) * time.Millisecond,
		IdleTimeout:     time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second,
		ShutdownDrain:   5 * time.Second,
		BanSweepMaxIdle: time.Duration(cfg.WindowDurationSeconds) * 10 * time.Second,
		CoarseSchedule:  "@every 1m",
	}, reg, routerImpl, limiter, collector)

	tr.Start()
	sup.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := tr.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("listener shutdown did not complete cleanly")
	}
	sup.Shutdown(shutdownCtx)

	log.Info().Msg("bcon hub stopped")
	return 0
}
