package launtel

import (
	"launtelha/internal/shadowstate"
	"launtelha/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        PluginName,
		Description: "Launtel plan watcher - one plan machine per service on the account",
		Priority:    plugin.PriorityDefault,
		Factory:     createPlugin,
	})
}

// createPlugin creates a new launtel plugin instance from the plugin context.
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	manager, err := NewManager(ctx)
	if err != nil {
		return nil, err
	}
	return &pluginAdapter{manager: manager}, nil
}

// pluginAdapter wraps the Manager to implement the plugin.Plugin interface.
type pluginAdapter struct {
	manager *Manager
}

func (p *pluginAdapter) Name() string {
	return PluginName
}

func (p *pluginAdapter) Start() error {
	return p.manager.Start()
}

func (p *pluginAdapter) Stop() {
	p.manager.Stop()
}

// Implement plugin.Resettable
func (p *pluginAdapter) Reset() error {
	return p.manager.Reset()
}

// Implement plugin.ShadowStateProvider
func (p *pluginAdapter) GetShadowState() shadowstate.PluginShadowState {
	return p.manager.GetShadowState()
}

// GetManager returns the underlying Manager instance.
// This allows access to the full Manager API when needed (e.g., as the
// HTTP API backend).
func (p *pluginAdapter) GetManager() *Manager {
	return p.manager
}
