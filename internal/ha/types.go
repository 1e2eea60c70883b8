package ha

import (
	"encoding/json"
	"sync"
	"time"
)

// Message is the envelope of every WebSocket frame exchanged with Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is an error result from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage carries the long-lived access token
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is the payload of an event frame
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the data of a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Context identifies who caused a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// CallServiceRequest is a call_service command
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest is a get_states command
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest is a subscribe_events command
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// StateChangeHandler is called for every state change of a subscribed entity
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is an active state change subscription
type Subscription interface {
	Unsubscribe() error
}

type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscriberSet is the per-entity handler registry shared by Client and
// MockClient.
type subscriberSet struct {
	mu      sync.RWMutex
	entries map[string][]subscriberEntry
	nextID  int
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{entries: make(map[string][]subscriberEntry)}
}

func (s *subscriberSet) add(entityID string, handler StateChangeHandler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{subID: id, handler: handler})
	return &subscription{entityID: entityID, subID: id, set: s}
}

func (s *subscriberSet) remove(entityID string, subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[entityID]
	for i, e := range entries {
		if e.subID == subID {
			s.entries[entityID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.entries[entityID]) == 0 {
		delete(s.entries, entityID)
	}
}

func (s *subscriberSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]subscriberEntry)
}

func (s *subscriberSet) count(entityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[entityID])
}

// notify runs the handlers outside the lock so they may unsubscribe
func (s *subscriberSet) notify(entityID string, oldState, newState *State) {
	s.mu.RLock()
	entries := append([]subscriberEntry(nil), s.entries[entityID]...)
	s.mu.RUnlock()

	for _, e := range entries {
		e.handler(entityID, oldState, newState)
	}
}

type subscription struct {
	entityID string
	subID    int
	set      *subscriberSet
	once     sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() { s.set.remove(s.entityID, s.subID) })
	return nil
}
