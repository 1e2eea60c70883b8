package shadowstate

import (
	"time"

	"launtelha/internal/planmachine"
)

// PluginShadowState is the interface that all plugin shadow states must implement
type PluginShadowState interface {
	GetCurrentInputs() map[string]interface{}
	GetLastActionInputs() map[string]interface{}
	GetOutputs() interface{}
	GetMetadata() StateMetadata
}

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	PluginName  string    `json:"pluginName"`
}

// ActionRecord represents a single decision taken for a service
type ActionRecord struct {
	Timestamp  time.Time              `json:"timestamp"`
	ActionType string                 `json:"actionType"`
	Reason     string                 `json:"reason"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Action types recorded by PlanTracker
const (
	ActionTransition = "transition"
	ActionSelection  = "selection"
)

// PlanShadowState captures what each managed service looked like and the
// decisions taken for it.
type PlanShadowState struct {
	Plugin   string        `json:"plugin"`
	Inputs   PlanInputs    `json:"inputs"`
	Outputs  PlanOutputs   `json:"outputs"`
	Metadata StateMetadata `json:"metadata"`
}

// PlanInputs tracks current and last-action input values
type PlanInputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// PlanOutputs holds the per-service decision history
type PlanOutputs struct {
	Services       map[string]ServiceHistory `json:"services"`
	LastActionTime time.Time                 `json:"lastActionTime"`
}

// ServiceHistory is the latest snapshot of one service plus its most recent
// decisions, oldest first.
type ServiceHistory struct {
	State   planmachine.State `json:"state"`
	Actions []ActionRecord    `json:"actions"`
}

// GetCurrentInputs implements PluginShadowState
func (p *PlanShadowState) GetCurrentInputs() map[string]interface{} {
	return p.Inputs.Current
}

// GetLastActionInputs implements PluginShadowState
func (p *PlanShadowState) GetLastActionInputs() map[string]interface{} {
	return p.Inputs.AtLastAction
}

// GetOutputs implements PluginShadowState
func (p *PlanShadowState) GetOutputs() interface{} {
	return p.Outputs
}

// GetMetadata implements PluginShadowState
func (p *PlanShadowState) GetMetadata() StateMetadata {
	return p.Metadata
}

// NewPlanShadowState creates an empty shadow state for the named plugin
func NewPlanShadowState(pluginName string) *PlanShadowState {
	return &PlanShadowState{
		Plugin: pluginName,
		Inputs: PlanInputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs: PlanOutputs{
			Services: make(map[string]ServiceHistory),
		},
		Metadata: StateMetadata{
			LastUpdated: time.Now(),
			PluginName:  pluginName,
		},
	}
}
