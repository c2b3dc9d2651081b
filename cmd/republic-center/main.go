package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"republic-center/internal/assistant"
	"republic-center/internal/center"
	"republic-center/internal/discovery"
	"republic-center/internal/eventlog"
	"republic-center/internal/events"
	"republic-center/internal/health"
	"republic-center/internal/store"
	"republic-center/internal/users"
	"republic-center/internal/web"
	"republic-center/internal/wifi"
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
	logger.Info("republic-center starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	c, err := newCenter(cfg, db, logger)
	if err != nil {
		logger.Error("create center", "err", err)
		db.Close()
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	go c.RunWatchdog(ctx)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(c, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(c, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		stop()
		db.Close()
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(c, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stop()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	c.Close()

	logger.Info("goodbye")
}

// newCenter builds the components from cfg and wires them into a controller.
func newCenter(cfg *Config, db *store.BoltStore, logger *slog.Logger) (*center.Center, error) {
	accounts, err := users.New(db, logger)
	if err != nil {
		return nil, err
	}
	log := eventlog.New(eventlog.MaxEntries)

	var advisor assistant.Client = assistant.Static{}
	if cfg.Assistant.APIKey != "" {
		opts := []assistant.GeminiOption{assistant.WithModel(cfg.Assistant.Model)}
		if cfg.Assistant.Endpoint != "" {
			opts = append(opts, assistant.WithEndpoint(cfg.Assistant.Endpoint))
		}
		g, err := assistant.NewGemini(context.Background(), cfg.Assistant.APIKey, logger, opts...)
		if err != nil {
			return nil, err
		}
		advisor = g
	} else {
		logger.Warn("assistant API key not set, using offline replies")
	}

	var scanner *discovery.Scanner
	if cfg.Discovery.Enabled {
		var opts []discovery.Option
		if cfg.Discovery.AllPorts {
			opts = append(opts, discovery.WithAllPorts())
		}
		if cfg.Discovery.Probe {
			opts = append(opts, discovery.WithProbe())
		}
		scanner = discovery.NewScanner(discovery.SystemPorts{BaudRate: cfg.Discovery.Baud}, logger, opts...)
	}

	return center.New(center.Config{
		AdminUsername:   cfg.Admin.Username,
		AdminPassword:   cfg.Admin.Password,
		RepairOnInvalid: *cfg.Pairing.RepairOnInvalid,
		PairingHost:     cfg.Pairing.Host,
		PairingPort:     cfg.Pairing.Port,
		HistoryLimit:    cfg.Assistant.HistoryLimit,
	}, center.Deps{
		Users:   accounts,
		Wifi:    wifi.NewProfiles(db, logger, wifi.WithDelays(cfg.Wifi.ScanDelay, cfg.Wifi.ConnectDelay)),
		Log:     log,
		Health: health.New(log, logger,
			health.WithRepairDelay(cfg.Health.RepairDelay),
			health.WithWatchdogInterval(cfg.Health.WatchdogInterval),
		),
		Bus:       events.NewBus(logger),
		Assistant: advisor,
		Scanner:   scanner,
	}, logger)
}
