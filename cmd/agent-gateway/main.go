package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-gateway/internal/agent"
	"agent-gateway/internal/eventbus"
	"agent-gateway/internal/protocol/httpclient"
	"agent-gateway/internal/protocol/macro"
	"agent-gateway/internal/protocol/mqttclient"
	serialproto "agent-gateway/internal/protocol/serial"
	"agent-gateway/internal/protocol/tcp"
	"agent-gateway/internal/protocol/timer"
	"agent-gateway/internal/protocol/udp"
	wsproto "agent-gateway/internal/protocol/websocket"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/store"
	"agent-gateway/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("agent-gateway starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.AgentsFile != "" {
		seed, err := agent.LoadSeedFile(cfg.AgentsFile)
		if err != nil {
			logger.Error("load agents file", "err", err)
			os.Exit(1)
		}
		if _, err := agent.ApplySeed(db, seed, cfg.AgentsFile, logger); err != nil {
			logger.Error("import agents file", "err", err)
			os.Exit(1)
		}
	}

	factories := agent.NewFactories()
	registerProtocols(factories)

	events := eventbus.NewBus(logger)
	transport := eventbus.NewTransport(logger)
	exec := scheduler.NewPool(logger)
	agents := agent.New(db, factories, transport, events, exec, logger)

	// Sinks subscribe before adapters start so initial values are seen.
	hist := initHistory(events, cfg, logger)

	if err := agents.Start(); err != nil {
		logger.Error("start agents", "err", err)
		os.Exit(1)
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts,
		web.WithRateLimit(cfg.Web.RateLimit.PerMinute, cfg.Web.RateLimit.Burst),
		web.WithVersion(version),
	)
	webServer := web.NewServer(agents, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(agents, events, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	agents.Stop()
	exec.Stop()
	transport.Close()
	hist.Stop()

	logger.Info("goodbye")
}

func registerProtocols(f *agent.Factories) {
	f.Register(tcp.Name, tcp.New)
	f.Register(udp.Name, udp.New)
	f.Register(serialproto.Name, serialproto.New)
	f.Register(wsproto.Name, wsproto.New)
	f.Register(mqttclient.Name, mqttclient.New)
	f.Register(httpclient.Name, httpclient.New)
	f.Register(timer.Name, timer.New)
	f.Register(macro.Name, macro.New)
}
