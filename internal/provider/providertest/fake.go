// Package providertest provides a scriptable provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"launtelha/internal/provider"
)

// StatusResult is one scripted FetchStatus outcome
type StatusResult struct {
	Status provider.PlanStatus
	Err    error
}

// ChangeResult is one scripted RequestChange outcome
type ChangeResult struct {
	Ack provider.ChangeAck
	Err error
}

// ChangeCall records a RequestChange invocation
type ChangeCall struct {
	ServiceID    string
	TargetPlanID string
}

// FakeClient implements provider.Client with queued results. When a queue is
// empty the last result is repeated.
type FakeClient struct {
	mu           sync.Mutex
	statuses     []StatusResult
	lastStatus   *StatusResult
	changes      []ChangeResult
	lastChange   *ChangeResult
	fetchCalls   int
	changeCalls  []ChangeCall
	catalog      provider.Catalog
	services     []provider.Service
	balance      *float64
	username     string
	password     string
	credsUpdated int

	// Gate, when set, is received from before every call returns. Tests use
	// it to hold an operation in flight.
	Gate chan struct{}

	// Entered, when set, is sent to when a call starts.
	Entered chan string
}

// NewFakeClient creates an empty fake client
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// QueueStatus appends FetchStatus results.
func (f *FakeClient) QueueStatus(results ...StatusResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, results...)
}

// QueueChange appends RequestChange results.
func (f *FakeClient) QueueChange(results ...ChangeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, results...)
}

// SetCatalog sets the plans returned by FetchCatalog.
func (f *FakeClient) SetCatalog(catalog provider.Catalog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalog = catalog
}

// FetchStatus returns the next scripted status.
func (f *FakeClient) FetchStatus(ctx context.Context, serviceID string) (provider.PlanStatus, error) {
	f.enter("fetch")

	f.mu.Lock()
	f.fetchCalls++
	var res StatusResult
	switch {
	case len(f.statuses) > 0:
		res = f.statuses[0]
		f.statuses = f.statuses[1:]
		f.lastStatus = &res
	case f.lastStatus != nil:
		res = *f.lastStatus
	default:
		res = StatusResult{Err: provider.NewError(provider.KindTransient, "fetch status", fmt.Errorf("no scripted status"))}
	}
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return provider.PlanStatus{}, err
	}
	return res.Status, res.Err
}

// RequestChange returns the next scripted acknowledgement.
func (f *FakeClient) RequestChange(ctx context.Context, serviceID, targetPlanID string) (provider.ChangeAck, error) {
	f.enter("change")

	f.mu.Lock()
	f.changeCalls = append(f.changeCalls, ChangeCall{ServiceID: serviceID, TargetPlanID: targetPlanID})
	var res ChangeResult
	switch {
	case len(f.changes) > 0:
		res = f.changes[0]
		f.changes = f.changes[1:]
		f.lastChange = &res
	case f.lastChange != nil:
		res = *f.lastChange
	default:
		res = ChangeResult{Ack: provider.ChangeAck{Accepted: true, TargetPlanID: targetPlanID}}
	}
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return provider.ChangeAck{}, err
	}
	return res.Ack, res.Err
}

// FetchCatalog returns the configured catalog.
func (f *FakeClient) FetchCatalog(ctx context.Context, serviceID string) (provider.Catalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(provider.Catalog(nil), f.catalog...), nil
}

// SetServices sets the services returned by ListServices.
func (f *FakeClient) SetServices(services ...provider.Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = services
}

// ListServices returns the configured services.
func (f *FakeClient) ListServices(ctx context.Context) ([]provider.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Service(nil), f.services...), nil
}

// SetBalance sets the balance returned by FetchBalance.
func (f *FakeClient) SetBalance(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = &v
}

// FetchBalance returns the configured balance, if any.
func (f *FakeClient) FetchBalance(ctx context.Context) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance == nil {
		return 0, false, nil
	}
	return *f.balance, true, nil
}

// SetCredentials records fresh credentials.
func (f *FakeClient) SetCredentials(username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username = username
	f.password = password
	f.credsUpdated++
}

// FetchCalls returns how many times FetchStatus was called
func (f *FakeClient) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// ChangeCalls returns a copy of the recorded RequestChange calls
func (f *FakeClient) ChangeCalls() []ChangeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChangeCall(nil), f.changeCalls...)
}

// CredentialUpdates returns how many times SetCredentials was called
func (f *FakeClient) CredentialUpdates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credsUpdated
}

func (f *FakeClient) enter(op string) {
	if f.Entered != nil {
		f.Entered <- op
	}
}

func (f *FakeClient) wait(ctx context.Context) error {
	if f.Gate == nil {
		return nil
	}
	select {
	case <-f.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a shorthand for a successful status result.
func Status(current, pending string) StatusResult {
	return StatusResult{Status: provider.PlanStatus{CurrentPlanID: current, CurrentPlanLabel: current, PendingPlanID: pending}}
}

// Failure is a shorthand for a failed status result of the given kind.
func Failure(kind provider.Kind) StatusResult {
	return StatusResult{Err: provider.NewError(kind, "fetch status", fmt.Errorf("scripted %s failure", kind))}
}
