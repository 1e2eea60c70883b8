// Package entity projects a plan machine into the two entities a user sees:
// a read-only status and a plan selector.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"launtelha/internal/planmachine"
	"launtelha/internal/provider"

	"go.uber.org/zap"
)

// ErrUnknownPlan is returned when a selection is not in the catalog
var ErrUnknownPlan = errors.New("plan not in catalog")

const (
	// ChangeInProgressValue is the status value while a change is pending
	ChangeInProgressValue = "Change in progress"
	// UnknownValue is the status value before the first successful poll
	UnknownValue = "Unknown"
)

// StatusView is the read-only status entity
type StatusView struct {
	Value      string                 `json:"value"`
	Error      bool                   `json:"error"`
	ErrorKind  planmachine.ErrorKind  `json:"error_kind,omitempty"`
	Attributes map[string]interface{} `json:"attributes"`
}

// SelectorView is the plan selector entity
type SelectorView struct {
	Enabled      bool            `json:"enabled"`
	Current      string          `json:"current"`
	CurrentLabel string          `json:"current_label"`
	Options      []provider.Plan `json:"options"`
}

// Adapter renders views from machine snapshots and forwards selections.
// The catalog is fixed for the adapter's lifetime.
type Adapter struct {
	machine *planmachine.Machine
	catalog provider.Catalog
	logger  *zap.Logger

	mu      sync.RWMutex
	balance *float64
}

// NewAdapter creates an adapter for machine with the plans in catalog
func NewAdapter(machine *planmachine.Machine, catalog provider.Catalog, logger *zap.Logger) *Adapter {
	return &Adapter{
		machine: machine,
		catalog: append(provider.Catalog(nil), catalog...),
		logger:  logger.Named("entity").With(zap.String("service_id", machine.ServiceID())),
	}
}

// ServiceID returns the service the adapter renders
func (a *Adapter) ServiceID() string {
	return a.machine.ServiceID()
}

// Catalog returns a copy of the plan catalog
func (a *Adapter) Catalog() provider.Catalog {
	return append(provider.Catalog(nil), a.catalog...)
}

// SetBalance records the account balance shown as a status attribute
func (a *Adapter) SetBalance(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = &v
}

// Status renders the status entity
func (a *Adapter) Status() StatusView {
	return a.statusFrom(a.machine.Snapshot())
}

func (a *Adapter) statusFrom(s planmachine.State) StatusView {
	view := StatusView{
		Value:     a.activeLabel(s),
		Error:     s.Degraded || s.AuthRequired,
		ErrorKind: s.LastError,
	}
	if !s.Ready {
		view.Value = UnknownValue
	}
	if s.Phase == planmachine.PhaseChangePending {
		view.Value = ChangeInProgressValue
	}

	attrs := map[string]interface{}{
		"change_in_progress":   s.Phase == planmachine.PhaseChangePending,
		"current_plan_id":      s.ActivePlanID,
		"target_plan_id":       s.TargetPlanID,
		"degraded":             s.Degraded,
		"consecutive_failures": s.ConsecutiveFailureCount,
		"options":              a.catalog.Labels(),
	}
	if !s.LastPollAt.IsZero() {
		attrs["last_poll"] = s.LastPollAt
	}
	if plan, ok := a.catalog.Lookup(s.ActivePlanID); ok {
		if plan.PricePerDay != nil {
			attrs["current_price_per_day"] = *plan.PricePerDay
		}
		attrs["current_unlimited"] = plan.Unlimited
		if plan.Speed != "" {
			attrs["current_speed"] = plan.Speed
		}
	}
	if plan, ok := a.catalog.Lookup(s.TargetPlanID); ok {
		attrs["target_plan_label"] = plan.Label
	}

	a.mu.RLock()
	if a.balance != nil {
		attrs["balance"] = *a.balance
	}
	a.mu.RUnlock()

	view.Attributes = attrs
	return view
}

// Selector renders the plan selector
func (a *Adapter) Selector() SelectorView {
	s := a.machine.Snapshot()
	return SelectorView{
		Enabled:      s.WritesAllowed(),
		Current:      s.ActivePlanID,
		CurrentLabel: a.activeLabel(s),
		Options:      a.Catalog(),
	}
}

func (a *Adapter) activeLabel(s planmachine.State) string {
	if plan, ok := a.catalog.Lookup(s.ActivePlanID); ok {
		return plan.Label
	}
	return s.ActivePlanLabel
}

// Select requests a change to planID
func (a *Adapter) Select(ctx context.Context, planID string) error {
	if _, ok := a.catalog.Lookup(planID); !ok {
		return fmt.Errorf("select %q: %w", planID, ErrUnknownPlan)
	}
	if err := a.machine.RequestChange(ctx, planID); err != nil {
		return err
	}
	a.logger.Info("Plan selection accepted", zap.String("plan", planID))
	return nil
}

// SelectLabel requests a change to the plan with the given label
func (a *Adapter) SelectLabel(ctx context.Context, label string) error {
	plan, ok := a.catalog.LookupLabel(label)
	if !ok {
		return fmt.Errorf("select %q: %w", label, ErrUnknownPlan)
	}
	return a.Select(ctx, plan.ID)
}
