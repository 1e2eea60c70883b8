// Package plugin provides the plugin system interfaces and registry for the
// plan watcher. Plugins can register themselves with the global
// registry using init() functions, allowing for compile-time plugin selection
// and override mechanisms for private implementations.
package plugin

import "launtelha/internal/shadowstate"

// Plugin is the core interface that all plugins must implement.
// Plugins own the automation for one provider account.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	// This name is used for registration and logging.
	Name() string

	// Start begins the plugin's operation.
	// - Sets up subscriptions to state changes
	// - Starts any background goroutines
	// - Returns error if initialization fails
	Start() error

	// Stop gracefully shuts down the plugin.
	// - Unsubscribes from all state changes
	// - Stops any background goroutines
	// - Releases resources
	Stop()
}

// Resettable is an optional interface for plugins that support the
// system-wide refresh. When the refresh helper is switched on in Home
// Assistant, the reset coordinator calls Reset() on every plugin
// implementing this interface.
type Resettable interface {
	// Reset polls every managed service immediately and re-renders its
	// entities. Returns error if reset fails.
	Reset() error
}

// ShadowStateProvider is an optional interface for plugins that track their
// decision-making for observability. Shadow state captures the machine state
// that led to each transition or selection.
type ShadowStateProvider interface {
	// GetShadowState returns the current shadow state for the plugin.
	// The returned state captures recent decisions and their triggering inputs.
	GetShadowState() shadowstate.PluginShadowState
}

// Factory is a function that creates a new plugin instance given a context.
// Factories are registered with the global registry and called during
// application startup to instantiate plugins.
type Factory func(ctx *Context) (Plugin, error)
