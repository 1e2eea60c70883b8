package plugin

import (
	"context"

	"launtelha/internal/clock"
	"launtelha/internal/config"
	"launtelha/internal/events"
	"launtelha/internal/ha"
	"launtelha/internal/metrics"
	"launtelha/internal/provider"
	"launtelha/internal/shadowstate"

	"go.uber.org/zap"
)

// Portal is the provider account plugins manage plans on. The launtel
// portal client implements it.
type Portal interface {
	provider.Client
	provider.CredentialUpdater
	provider.Account
	FetchCatalog(ctx context.Context, serviceID string) (provider.Catalog, error)
}

// Context provides dependencies to plugins during initialization.
// It wraps the core services needed by all plugins in a single struct
// for cleaner constructor signatures.
type Context struct {
	// HAClient mirrors plan entities into Home Assistant. Nil when no
	// Home Assistant connection is configured.
	HAClient ha.HAClient

	// Portal is the provider account.
	Portal Portal

	// Config is the loaded daemon configuration.
	Config *config.Config

	// Logger is a structured logger for the plugin to use.
	// Plugins should use logger.Named("pluginname") for namespacing.
	Logger *zap.Logger

	// ReadOnly indicates whether the application is in read-only mode.
	// When true, plugins log what they would do but change nothing in
	// Home Assistant or at the provider.
	ReadOnly bool

	// Clock is the time source for polling schedules.
	Clock clock.Clock

	// Metrics, Events and Shadow are optional sinks; nil disables them.
	Metrics *metrics.Metrics
	Events  *events.Publisher
	Shadow  *shadowstate.Tracker
}

// NewContext creates a new plugin context with the required dependencies.
// Optional sinks are set on the returned struct.
func NewContext(
	haClient ha.HAClient,
	portal Portal,
	cfg *config.Config,
	logger *zap.Logger,
	clk clock.Clock,
) *Context {
	return &Context{
		HAClient: haClient,
		Portal:   portal,
		Config:   cfg,
		Logger:   logger,
		ReadOnly: cfg.ReadOnly,
		Clock:    clk,
	}
}
