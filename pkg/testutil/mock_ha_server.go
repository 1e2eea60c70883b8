// Package testutil provides testing utilities for the plan watcher. It
// contains a mock Home Assistant WebSocket server and a test environment
// that runs the launtel plugin against it.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"launtelha/internal/ha"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(v interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.WriteJSON(v)
}

// MockHAServer simulates the Home Assistant WebSocket API for the input
// helper domains the plan watcher uses. Helpers are created on their first
// service call, the way Home Assistant would already have them configured.
type MockHAServer struct {
	server *httptest.Server
	token  string
	logger *zap.Logger

	statesMu sync.RWMutex
	states   map[string]*ha.State

	connsMu     sync.Mutex
	connections []*connWrapper

	// eventDelay simulates network latency before each state_changed event
	eventDelay time.Duration

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
}

// NewMockHAServer creates a mock server accepting token
func NewMockHAServer(token string, logger *zap.Logger) *MockHAServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockHAServer{
		token:      token,
		logger:     logger.Named("mock_ha"),
		states:     make(map[string]*ha.State),
		eventDelay: 5 * time.Millisecond,
	}
}

// SetEventDelay sets the delay for broadcasting events
func (s *MockHAServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// Start listens on a random local port
func (s *MockHAServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
}

// URL is the WebSocket endpoint clients connect to
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the listener
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, w := range s.connections {
		w.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
}

// SetState stores a state and broadcasts a state_changed event, as if a
// user changed the entity in the Home Assistant UI.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	now := time.Now()
	newState := &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.statesMu.Lock()
	oldState := s.states[entityID]
	s.states[entityID] = newState
	s.statesMu.Unlock()

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}
	s.broadcastStateChange(entityID, oldState, newState)
}

// ChangeState sets a new value keeping the entity's attributes
func (s *MockHAServer) ChangeState(entityID, state string) {
	s.SetState(entityID, state, s.attributesOf(entityID))
}

// GetState retrieves a state, nil if the entity does not exist
func (s *MockHAServer) GetState(entityID string) *ha.State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// StateValue returns the state string of entityID, empty if unknown
func (s *MockHAServer) StateValue(entityID string) string {
	if st := s.GetState(entityID); st != nil {
		return st.State
	}
	return ""
}

func (s *MockHAServer) attributesOf(entityID string) map[string]interface{} {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	attrs := make(map[string]interface{})
	if old := s.states[entityID]; old != nil {
		for k, v := range old.Attributes {
			attrs[k] = v
		}
	}
	return attrs
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	wrapper := &connWrapper{conn: conn}

	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(ha.Message{Type: "auth_required"})

	var auth ha.AuthMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.write(ha.Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(ha.Message{Type: "auth_ok"})

	// Only authenticated connections receive events
	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			s.logger.Debug("Connection closed", zap.Error(err))
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			s.reply(wrapper, base.ID, nil)
		case "get_states":
			s.handleGetStates(wrapper, base.ID)
		case "call_service":
			s.handleCallService(wrapper, raw)
		default:
			s.reply(wrapper, base.ID, nil)
		}
	}
}

func (s *MockHAServer) reply(w *connWrapper, id int, result json.RawMessage) {
	success := true
	w.write(ha.Message{ID: id, Type: "result", Success: &success, Result: result})
}

func (s *MockHAServer) handleGetStates(w *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*ha.State, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.statesMu.RUnlock()

	data, _ := json.Marshal(states)
	s.reply(w, id, data)
}

// handleCallService records the call and applies it to the helper's state
// before acknowledging, so the state_changed event precedes the result.
func (s *MockHAServer) handleCallService(w *connWrapper, raw json.RawMessage) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	if entityID, ok := req.ServiceData["entity_id"].(string); ok {
		s.applyServiceCall(entityID, req.Domain+"."+req.Service, req.ServiceData)
	}
	s.reply(w, req.ID, nil)
}

func (s *MockHAServer) applyServiceCall(entityID, service string, data map[string]interface{}) {
	value := s.StateValue(entityID)
	attrs := s.attributesOf(entityID)

	switch service {
	case "input_boolean.turn_on":
		value = "on"
	case "input_boolean.turn_off":
		value = "off"
	case "input_text.set_value":
		value, _ = data["value"].(string)
	case "input_select.set_options":
		// options arrive as []interface{} after the JSON round trip
		raw, _ := data["options"].([]interface{})
		opts := make([]string, 0, len(raw))
		for _, o := range raw {
			if str, ok := o.(string); ok {
				opts = append(opts, str)
			}
		}
		attrs["options"] = opts
		if len(opts) > 0 && !contains(opts, value) {
			value = opts[0]
		}
	case "input_select.select_option":
		value, _ = data["option"].(string)
	default:
		return
	}
	s.SetState(entityID, value, attrs)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// broadcastStateChange sends a state_changed event to every connection
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *ha.State) {
	data, _ := json.Marshal(ha.StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
	msg := ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := append([]*connWrapper(nil), s.connections...)
	s.connsMu.Unlock()

	for _, w := range wrappers {
		w.write(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return append([]ServiceCall(nil), s.serviceCalls...)
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// FindServiceCall returns the most recent call of domain.service, for
// entityID when it is not empty.
func (s *MockHAServer) FindServiceCall(domain, service, entityID string) *ServiceCall {
	calls := s.GetServiceCalls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Matches(domain, service) && (entityID == "" || calls[i].EntityID() == entityID) {
			return &calls[i]
		}
	}
	return nil
}

// CountServiceCalls counts calls of domain.service
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}
