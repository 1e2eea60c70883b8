package entity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"launtelha/internal/ha"

	"go.uber.org/zap"
)

const selectTimeout = 2 * time.Minute

// Publisher mirrors an Adapter into Home Assistant input helpers:
//
//	input_text.<prefix>_status     status value
//	input_boolean.<prefix>_error   error flag
//	input_select.<prefix>_plan     plan selector
//
// A user change of the input_select becomes a plan selection. Whatever the
// outcome, the selector is put back on the active plan afterwards so it never
// shows a plan the provider has not confirmed.
type Publisher struct {
	client   ha.HAClient
	adapter  *Adapter
	prefix   string
	readOnly bool
	logger   *zap.Logger

	mu           sync.Mutex
	onSelection  SelectionHandler
	subscription ha.Subscription
	lastStatus   string
	lastError    *bool
	lastSelected string

	// ctx bounds selections in flight; Stop cancels it
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SelectionHandler is told about every selection a user made in Home
// Assistant once it has been forwarded to the adapter. err is nil when the
// provider accepted the change.
type SelectionHandler func(label string, err error)

// NewPublisher creates a publisher for adapter under the given entity prefix
func NewPublisher(client ha.HAClient, adapter *Adapter, prefix string, readOnly bool, logger *zap.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		client:   client,
		adapter:  adapter,
		prefix:   prefix,
		readOnly: readOnly,
		logger:   logger.Named("publisher").With(zap.String("service_id", adapter.ServiceID())),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *Publisher) statusName() string { return p.prefix + "_status" }
func (p *Publisher) errorName() string  { return p.prefix + "_error" }
func (p *Publisher) planName() string   { return p.prefix + "_plan" }

// OnSelection registers h. Call before Start.
func (p *Publisher) OnSelection(h SelectionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSelection = h
}

// PlanEntityID returns the input_select entity id
func (p *Publisher) PlanEntityID() string { return "input_select." + p.planName() }

// Start publishes the selector options, subscribes to user selections and
// renders the current state.
func (p *Publisher) Start() error {
	labels := p.adapter.Catalog().Labels()
	if err := p.call("set plan options", func() error {
		return p.client.SetInputSelectOptions(p.planName(), labels)
	}); err != nil {
		return fmt.Errorf("failed to publish plan options: %w", err)
	}

	sub, err := p.client.SubscribeStateChanges(p.PlanEntityID(), p.handleSelection)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.PlanEntityID(), err)
	}
	p.mu.Lock()
	p.subscription = sub
	p.mu.Unlock()

	p.Render()
	p.logger.Info("Publishing plan entities", zap.String("prefix", p.prefix), zap.Bool("read_only", p.readOnly))
	return nil
}

// Stop unsubscribes, cancels selections in flight and waits for them
func (p *Publisher) Stop() {
	p.mu.Lock()
	sub := p.subscription
	p.subscription = nil
	p.mu.Unlock()
	p.cancel()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	p.wg.Wait()
}

// Render pushes the current views to Home Assistant. Unchanged values are
// not re-sent except the selector, which is always forced back to the
// active plan.
func (p *Publisher) Render() {
	status := p.adapter.Status()
	selector := p.adapter.Selector()

	p.mu.Lock()
	sendStatus := status.Value != p.lastStatus
	sendError := p.lastError == nil || *p.lastError != status.Error
	p.lastStatus = status.Value
	errFlag := status.Error
	p.lastError = &errFlag
	p.lastSelected = selector.CurrentLabel
	p.mu.Unlock()

	if sendStatus {
		_ = p.call("set status", func() error { return p.client.SetInputText(p.statusName(), status.Value) })
	}
	if sendError {
		_ = p.call("set error flag", func() error { return p.client.SetInputBoolean(p.errorName(), status.Error) })
	}
	if selector.CurrentLabel != "" {
		_ = p.call("select active plan", func() error {
			return p.client.SelectInputOption(p.planName(), selector.CurrentLabel)
		})
	}
}

// handleSelection runs on the Home Assistant event goroutine, so the
// provider round trip is moved off it.
func (p *Publisher) handleSelection(entityID string, oldState, newState *ha.State) {
	if newState == nil {
		return
	}
	label := strings.TrimSpace(newState.State)
	if oldState != nil && oldState.State == newState.State {
		return
	}

	plan, ok := p.adapter.Catalog().LookupLabel(label)
	if ok && plan.ID == p.adapter.machine.Snapshot().ActivePlanID {
		return
	}

	// Add under the lock Stop clears the subscription with, so Wait sees it
	p.mu.Lock()
	if label == p.lastSelected || p.subscription == nil {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.applySelection(label)
	}()
}

func (p *Publisher) applySelection(label string) {
	ctx, cancel := context.WithTimeout(p.ctx, selectTimeout)
	defer cancel()

	logger := p.logger.With(zap.String("selected", label))
	logger.Info("Plan selected in Home Assistant")

	if p.readOnly {
		logger.Info("READ-ONLY: would request plan change")
		p.Render()
		return
	}

	err := p.adapter.SelectLabel(ctx, label)
	if err != nil {
		logger.Warn("Plan selection rejected, reverting selector", zap.Error(err))
	}
	p.mu.Lock()
	h := p.onSelection
	p.mu.Unlock()
	if h != nil {
		h(label, err)
	}
	p.Render()
}

// call runs fn unless the publisher is read-only, in which case the call is
// only logged.
func (p *Publisher) call(what string, fn func() error) error {
	if p.readOnly {
		p.logger.Info("READ-ONLY: would update Home Assistant", zap.String("action", what))
		return nil
	}
	if err := fn(); err != nil {
		p.logger.Warn("Home Assistant update failed", zap.String("action", what), zap.Error(err))
		return err
	}
	return nil
}
