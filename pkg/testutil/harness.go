package testutil

import (
	"fmt"
	"time"

	"launtelha/internal/clock"
	"launtelha/internal/config"
	"launtelha/internal/ha"
	"launtelha/internal/metrics"
	"launtelha/internal/plugins/launtel"
	"launtelha/internal/plugins/reset"
	"launtelha/internal/provider/providertest"
	"launtelha/pkg/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// TestEnv runs the launtel plugin and the reset coordinator against a mock
// Home Assistant server over a real WebSocket connection, with a scripted
// portal behind them.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("test_token")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	env.Portal.SetServices(provider.Service{ID: "1234"})
//	err = env.Start(&config.Config{})
type TestEnv struct {
	Server   *MockHAServer
	HAClient *ha.Client
	Portal   *providertest.FakeClient
	Clock    *clock.MockClock
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	plugin plugin.Plugin
	reset  *reset.Coordinator
}

// NewTestEnv starts a mock server and connects a client to it
func NewTestEnv(token string) (*TestEnv, error) {
	logger := zap.NewNop()

	server := NewMockHAServer(token, logger)
	server.Start()

	client := ha.NewClient(server.URL(), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	reg := prometheus.NewRegistry()
	return &TestEnv{
		Server:   server,
		HAClient: client,
		Portal:   providertest.NewFakeClient(),
		Clock:    clock.NewMockClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		Metrics:  metrics.NewWithRegistry(reg, reg),
		Logger:   logger,
	}, nil
}

// Start creates and starts the launtel plugin with cfg, then the reset
// coordinator watching cfg's refresh boolean. Script the portal first.
func (e *TestEnv) Start(cfg *config.Config) error {
	info := plugin.Get(launtel.PluginName)
	if info == nil {
		return fmt.Errorf("plugin %s is not registered", launtel.PluginName)
	}

	ctx := plugin.NewContext(e.HAClient, e.Portal, cfg, e.Logger, e.Clock)
	ctx.Metrics = e.Metrics

	p, err := info.Factory(ctx)
	if err != nil {
		return fmt.Errorf("failed to create plugin: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start plugin: %w", err)
	}
	e.plugin = p

	r, ok := p.(plugin.Resettable)
	if !ok {
		return fmt.Errorf("plugin %s is not resettable", p.Name())
	}
	e.reset = reset.NewCoordinator(e.HAClient, cfg.HomeAssistant.RefreshBoolean, e.Logger, cfg.ReadOnly,
		[]reset.PluginWithName{{Name: p.Name(), Plugin: r}})
	return e.reset.Start()
}

// Manager returns the running launtel manager, nil before Start
func (e *TestEnv) Manager() *launtel.Manager {
	if mp, ok := e.plugin.(interface{ GetManager() *launtel.Manager }); ok {
		return mp.GetManager()
	}
	return nil
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.reset != nil {
		e.reset.Stop()
	}
	if e.plugin != nil {
		e.plugin.Stop()
	}
	if e.HAClient != nil {
		e.HAClient.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}
