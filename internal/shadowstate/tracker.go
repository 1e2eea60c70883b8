package shadowstate

import (
	"sync"
	"time"

	"launtelha/internal/planmachine"
)

// DefaultHistorySize bounds the actions kept per service
const DefaultHistorySize = 50

// Tracker manages shadow state for all plugins
type Tracker struct {
	mu             sync.RWMutex
	pluginStates   map[string]PluginShadowState
	stateProviders map[string]func() PluginShadowState
}

// NewTracker creates a new shadow state tracker
func NewTracker() *Tracker {
	return &Tracker{
		pluginStates:   make(map[string]PluginShadowState),
		stateProviders: make(map[string]func() PluginShadowState),
	}
}

// RegisterPlugin registers a plugin's shadow state
func (t *Tracker) RegisterPlugin(pluginName string, state PluginShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pluginStates[pluginName] = state
}

// RegisterPluginProvider registers a function that provides a plugin's shadow state dynamically
func (t *Tracker) RegisterPluginProvider(pluginName string, provider func() PluginShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateProviders[pluginName] = provider
}

// GetPluginState retrieves a plugin's shadow state
func (t *Tracker) GetPluginState(pluginName string) (PluginShadowState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if provider, ok := t.stateProviders[pluginName]; ok {
		return provider(), true
	}
	state, ok := t.pluginStates[pluginName]
	return state, ok
}

// GetAllPluginStates retrieves all plugin shadow states. Providers win over
// static states registered under the same name.
func (t *Tracker) GetAllPluginStates() map[string]PluginShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]PluginShadowState, len(t.pluginStates)+len(t.stateProviders))
	for k, v := range t.pluginStates {
		states[k] = v
	}
	for k, provider := range t.stateProviders {
		states[k] = provider()
	}
	return states
}

// PlanTracker records plan decisions for every service of a plugin
type PlanTracker struct {
	mu    sync.RWMutex
	state *PlanShadowState
	limit int
	now   func() time.Time
}

// NewPlanTracker creates a tracker keeping up to limit actions per service.
// A non-positive limit uses DefaultHistorySize.
func NewPlanTracker(pluginName string, limit int) *PlanTracker {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &PlanTracker{
		state: NewPlanShadowState(pluginName),
		limit: limit,
		now:   time.Now,
	}
}

// UpdateState stores the latest snapshot of a service as its current input
func (pt *PlanTracker) UpdateState(s planmachine.State) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	h := pt.state.Outputs.Services[s.ServiceID]
	h.State = s
	pt.state.Outputs.Services[s.ServiceID] = h
	pt.state.Inputs.Current[s.ServiceID] = map[string]interface{}{
		"phase":                string(s.Phase),
		"degraded":             s.Degraded,
		"active_plan_id":       s.ActivePlanID,
		"target_plan_id":       s.TargetPlanID,
		"consecutive_failures": s.ConsecutiveFailureCount,
	}
	pt.state.Metadata.LastUpdated = pt.now()
}

// RecordTransition appends a machine transition to the service history
func (pt *PlanTracker) RecordTransition(t planmachine.Transition) {
	details := map[string]interface{}{
		"from":           string(t.From),
		"to":             string(t.To),
		"degraded":       t.ToDegraded,
		"active_plan_id": t.ActivePlanID,
	}
	if t.TargetPlanID != "" {
		details["target_plan_id"] = t.TargetPlanID
	}
	if t.RequestID != "" {
		details["request_id"] = t.RequestID
	}
	if t.LastError != planmachine.ErrorNone {
		details["last_error"] = string(t.LastError)
	}
	pt.record(t.ServiceID, ActionRecord{
		Timestamp:  t.At,
		ActionType: ActionTransition,
		Reason:     t.Reason,
		Details:    details,
	})
}

// RecordSelection appends a plan selection made outside the machine, e.g.
// from Home Assistant or the HTTP API, along with its outcome.
func (pt *PlanTracker) RecordSelection(serviceID, source, planID string, err error) {
	reason := "accepted"
	details := map[string]interface{}{
		"source":  source,
		"plan_id": planID,
	}
	if err != nil {
		reason = "rejected"
		details["error"] = err.Error()
	}
	pt.record(serviceID, ActionRecord{
		Timestamp:  pt.now(),
		ActionType: ActionSelection,
		Reason:     reason,
		Details:    details,
	})
}

func (pt *PlanTracker) record(serviceID string, rec ActionRecord) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	// Snapshot inputs at the time of the action
	pt.state.Inputs.AtLastAction = make(map[string]interface{}, len(pt.state.Inputs.Current))
	for k, v := range pt.state.Inputs.Current {
		pt.state.Inputs.AtLastAction[k] = v
	}

	h := pt.state.Outputs.Services[serviceID]
	h.Actions = append(h.Actions, rec)
	if len(h.Actions) > pt.limit {
		h.Actions = append([]ActionRecord(nil), h.Actions[len(h.Actions)-pt.limit:]...)
	}
	pt.state.Outputs.Services[serviceID] = h
	pt.state.Outputs.LastActionTime = rec.Timestamp
	pt.state.Metadata.LastUpdated = pt.now()
}

// GetState returns a copy of the shadow state
func (pt *PlanTracker) GetState() *PlanShadowState {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	stateCopy := &PlanShadowState{
		Plugin: pt.state.Plugin,
		Inputs: PlanInputs{
			Current:      make(map[string]interface{}, len(pt.state.Inputs.Current)),
			AtLastAction: make(map[string]interface{}, len(pt.state.Inputs.AtLastAction)),
		},
		Outputs: PlanOutputs{
			Services:       make(map[string]ServiceHistory, len(pt.state.Outputs.Services)),
			LastActionTime: pt.state.Outputs.LastActionTime,
		},
		Metadata: pt.state.Metadata,
	}
	for k, v := range pt.state.Inputs.Current {
		stateCopy.Inputs.Current[k] = v
	}
	for k, v := range pt.state.Inputs.AtLastAction {
		stateCopy.Inputs.AtLastAction[k] = v
	}
	for k, h := range pt.state.Outputs.Services {
		stateCopy.Outputs.Services[k] = ServiceHistory{
			State:   h.State,
			Actions: append([]ActionRecord(nil), h.Actions...),
		}
	}
	return stateCopy
}
