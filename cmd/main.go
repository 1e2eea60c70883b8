package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"launtelha/internal/api"
	"launtelha/internal/clock"
	"launtelha/internal/config"
	"launtelha/internal/events"
	"launtelha/internal/ha"
	"launtelha/internal/metrics"
	"launtelha/internal/plugins/launtel"
	"launtelha/internal/plugins/reset"
	portal "launtelha/internal/provider/launtel"
	"launtelha/internal/shadowstate"
	"launtelha/pkg/plugin"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// The base logger is debug-capable so per-service debug toggles can
	// lower their own level; everything else is held at info.
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	base, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()

	logger := base
	if os.Getenv("DEBUG") != "true" {
		logger = base.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}
	cfg, err := config.NewLoader(configDir, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting Launtel plan watcher",
		zap.String("portal", cfg.Portal.BaseURL),
		zap.Int("configured_services", len(cfg.Services)),
		zap.Bool("read_only", cfg.ReadOnly))

	m := metrics.New()

	client, err := portal.NewClient(portal.Config{
		BaseURL:  cfg.Portal.BaseURL,
		Username: cfg.Portal.Username,
		Password: cfg.Portal.Password,
		Timeout:  cfg.Portal.Timeout.Std(),
	}, logger, portal.WithRequestObserver(m.ObservePortalRequest))
	if err != nil {
		logger.Fatal("Failed to create portal client", zap.Error(err))
	}

	// Home Assistant is optional; without it only the API is served
	var haClient ha.HAClient
	if cfg.HomeAssistant.URL != "" && cfg.HomeAssistant.Token != "" {
		c := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := c.Connect(); err != nil {
			logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
		}
		defer c.Disconnect()
		haClient = c
		logger.Info("Connected to Home Assistant", zap.String("url", cfg.HomeAssistant.URL))
	} else {
		logger.Warn("HA_URL or HA_TOKEN not set, Home Assistant entities disabled")
	}

	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, "launtelha", logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		publisher = events.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger)
		defer publisher.Close()
	}

	shadowTracker := shadowstate.NewTracker()

	plugin.SetLogger(logger)
	pluginCtx := plugin.NewContext(haClient, client, cfg, logger, clock.NewRealClock())
	pluginCtx.Metrics = m
	pluginCtx.Events = publisher
	pluginCtx.Shadow = shadowTracker

	plugins, err := plugin.CreateAll(pluginCtx)
	if err != nil {
		logger.Fatal("Failed to create plugins", zap.Error(err))
	}
	if err := plugin.StartAll(plugins); err != nil {
		logger.Fatal("Failed to start plugins", zap.Error(err))
	}
	defer plugin.StopAll(plugins)

	var (
		backend    api.Backend
		manager    *launtel.Manager
		resettable []reset.PluginWithName
	)
	for _, p := range plugins {
		if sp, ok := p.(plugin.ShadowStateProvider); ok {
			shadowTracker.RegisterPluginProvider(p.Name(), sp.GetShadowState)
		}
		if r, ok := p.(plugin.Resettable); ok {
			resettable = append(resettable, reset.PluginWithName{Name: p.Name(), Plugin: r})
		}
		if mp, ok := p.(interface{ GetManager() *launtel.Manager }); ok {
			manager = mp.GetManager()
			backend = manager
		}
	}
	if backend == nil {
		logger.Fatal("No plugin manages Launtel services")
	}

	if haClient != nil {
		rc := reset.NewCoordinator(haClient, cfg.HomeAssistant.RefreshBoolean, logger, cfg.ReadOnly, resettable)
		if err := rc.Start(); err != nil {
			logger.Fatal("Failed to start reset coordinator", zap.Error(err))
		}
		defer rc.Stop()
	}

	server := api.NewServer(backend, shadowTracker, m.Handler(), logger, cfg.HTTPPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("Application running. Press Ctrl+C to exit.", zap.Int("http_port", cfg.HTTPPort))
	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no plan changes will be requested")
	}

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		// SIGHUP re-reads .env so a rotated password takes effect and
		// resumes services halted on an authentication error.
		if err := godotenv.Overload(); err != nil {
			logger.Warn("Failed to reload .env", zap.Error(err))
		}
		username, password := os.Getenv("LAUNTEL_USERNAME"), os.Getenv("LAUNTEL_PASSWORD")
		if username == "" || password == "" {
			logger.Warn("Ignoring SIGHUP: LAUNTEL_USERNAME and LAUNTEL_PASSWORD must be set")
			continue
		}
		if err := manager.UpdateCredentials(username, password); err != nil {
			logger.Error("Failed to update credentials", zap.Error(err))
			continue
		}
		logger.Info("Portal credentials reloaded")
	}

	logger.Info("Shutting down gracefully...")
}
