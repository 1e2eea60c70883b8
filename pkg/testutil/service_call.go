package testutil

import "time"

// ServiceCall records a service call received by the mock server
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// Matches reports whether the call is domain.service
func (c ServiceCall) Matches(domain, service string) bool {
	return c.Domain == domain && c.Service == service
}

// EntityID is the target entity of the call, empty when there is none
func (c ServiceCall) EntityID() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

// FilterServiceCalls filters service calls by domain and service
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Matches(domain, service) {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// CallsFor returns the calls that targeted entityID, oldest first
func CallsFor(calls []ServiceCall, entityID string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.EntityID() == entityID {
			filtered = append(filtered, call)
		}
	}
	return filtered
}
