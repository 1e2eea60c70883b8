package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient in memory. Service calls on input helpers
// update the stored states and notify subscribers the way Home Assistant would.
type MockClient struct {
	statesMu sync.RWMutex
	states   map[string]*State

	connMu    sync.RWMutex
	connected bool

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
	failNext     error

	subscribers *subscriberSet
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a disconnected mock client
func NewMockClient() *MockClient {
	return &MockClient{
		states:      make(map[string]*State),
		subscribers: newSubscriberSet(),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = false
	m.subscribers.clear()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState returns a stored state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	s, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	return s, nil
}

// FailNextCall makes the next CallService return err
func (m *MockClient) FailNextCall(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.failNext = err
}

// CallService records the call and applies it to the stored state
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.callsMu.Unlock()
		return err
	}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if entityID, ok := data["entity_id"].(string); ok {
		m.applyServiceCall(entityID, domain, service, data)
	}
	return nil
}

// SubscribeStateChanges registers a handler
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return m.subscribers.add(entityID, handler), nil
}

// SubscriberCount returns the number of handlers registered for entityID
func (m *MockClient) SubscriberCount(entityID string) int {
	return m.subscribers.count(entityID)
}

// SetInputBoolean records an input_boolean call
func (m *MockClient) SetInputBoolean(name string, value bool) error {
	return m.CallService("input_boolean", inputBooleanService(value), map[string]interface{}{
		"entity_id": "input_boolean." + name,
	})
}

// SetInputText records an input_text call
func (m *MockClient) SetInputText(name string, value string) error {
	return m.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": "input_text." + name,
		"value":     truncateInputText(value),
	})
}

// SetInputSelectOptions records an input_select set_options call
func (m *MockClient) SetInputSelectOptions(name string, options []string) error {
	return m.CallService("input_select", "set_options", map[string]interface{}{
		"entity_id": "input_select." + name,
		"options":   options,
	})
}

// SelectInputOption records an input_select select_option call
func (m *MockClient) SelectInputOption(name string, option string) error {
	return m.CallService("input_select", "select_option", map[string]interface{}{
		"entity_id": "input_select." + name,
		"option":    option,
	})
}

// SetState stores a state and notifies subscribers
func (m *MockClient) SetState(entityID string, value string, attributes map[string]interface{}) {
	m.store(entityID, value, attributes)
}

// SimulateStateChange changes the value of an entity as a user would,
// keeping its attributes.
func (m *MockClient) SimulateStateChange(entityID string, value string) {
	m.statesMu.RLock()
	var attrs map[string]interface{}
	if old := m.states[entityID]; old != nil {
		attrs = old.Attributes
	}
	m.statesMu.RUnlock()
	m.store(entityID, value, attrs)
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]ServiceCall(nil), m.serviceCalls...)
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = nil
}

func (m *MockClient) applyServiceCall(entityID, domain, service string, data map[string]interface{}) {
	m.statesMu.RLock()
	value := ""
	attrs := make(map[string]interface{})
	if old := m.states[entityID]; old != nil {
		value = old.State
		for k, v := range old.Attributes {
			attrs[k] = v
		}
	}
	m.statesMu.RUnlock()

	switch domain + "." + service {
	case "input_boolean.turn_on":
		value = "on"
	case "input_boolean.turn_off":
		value = "off"
	case "input_text.set_value":
		if v, ok := data["value"].(string); ok {
			value = v
		}
	case "input_select.set_options":
		if opts, ok := data["options"].([]string); ok {
			attrs["options"] = opts
			if len(opts) > 0 && !containsString(opts, value) {
				value = opts[0]
			}
		}
	case "input_select.select_option":
		if v, ok := data["option"].(string); ok {
			value = v
		}
	}
	m.store(entityID, value, attrs)
}

func (m *MockClient) store(entityID, value string, attrs map[string]interface{}) {
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.subscribers.notify(entityID, oldState, newState)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
