// Package provider defines the contract between the plan state machine and an
// internet-service provider, along with the data it exchanges.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Service identifies one managed internet plan line.
type Service struct {
	ID          string `json:"service_id"`
	DisplayName string `json:"display_name"`

	// Portal identifiers needed to address the service's pages
	AVCID  string `json:"avcid,omitempty"`
	UserID string `json:"user_id,omitempty"`

	SpeedLabel       string `json:"speed_label,omitempty"`
	ChangeInProgress bool   `json:"change_in_progress"`
}

// Plan is one entry of the provider's plan catalog.
type Plan struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	PricePerDay *float64 `json:"price_per_day,omitempty"`
	Unlimited   bool     `json:"unlimited"`
	Speed       string   `json:"speed,omitempty"` // e.g. "250/100"
}

// Catalog is the ordered list of plans offered for a service.
type Catalog []Plan

// Lookup returns the plan with the given ID.
func (c Catalog) Lookup(planID string) (Plan, bool) {
	for _, p := range c {
		if p.ID == planID {
			return p, true
		}
	}
	return Plan{}, false
}

// LookupLabel returns the plan with the given label.
func (c Catalog) LookupLabel(label string) (Plan, bool) {
	for _, p := range c {
		if p.Label == label {
			return p, true
		}
	}
	return Plan{}, false
}

// IDs returns the plan IDs in catalog order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for _, p := range c {
		ids = append(ids, p.ID)
	}
	return ids
}

// Labels returns the plan labels in catalog order.
func (c Catalog) Labels() []string {
	labels := make([]string, 0, len(c))
	for _, p := range c {
		labels = append(labels, p.Label)
	}
	return labels
}

// PlanStatus is a snapshot of a service's plan as reported by the provider.
type PlanStatus struct {
	CurrentPlanID    string    `json:"current_plan_id"`
	CurrentPlanLabel string    `json:"current_plan_label"`
	PendingPlanID    string    `json:"pending_plan_id,omitempty"`
	AsOf             time.Time `json:"as_of"`
}

// HasPending reports whether the provider says a change is in progress.
func (s PlanStatus) HasPending() bool {
	return s.PendingPlanID != ""
}

// Validate checks the snapshot invariants. A violation is a protocol error
// since it means the provider answered with something we cannot interpret.
func (s PlanStatus) Validate() error {
	if s.CurrentPlanID == "" {
		return NewError(KindProtocol, "validate status", fmt.Errorf("current plan missing"))
	}
	if s.PendingPlanID != "" && s.PendingPlanID == s.CurrentPlanID {
		return NewError(KindProtocol, "validate status",
			fmt.Errorf("pending plan %s equals current plan", s.PendingPlanID))
	}
	return nil
}

// ChangeAck is the provider's answer to a plan change request. Acceptance only
// means the request was queued, not that the change is complete.
type ChangeAck struct {
	Accepted     bool   `json:"accepted"`
	TargetPlanID string `json:"target_plan_id"`
}

// Client is the capability the plan state machine needs from a provider.
// Both operations may block on network I/O and fail with the kinds in errors.go.
type Client interface {
	FetchStatus(ctx context.Context, serviceID string) (PlanStatus, error)
	RequestChange(ctx context.Context, serviceID, targetPlanID string) (ChangeAck, error)
}

// CredentialUpdater is implemented by clients that accept fresh credentials
// after an authentication failure.
type CredentialUpdater interface {
	SetCredentials(username, password string)
}

// CatalogFetcher is implemented by clients that can list the plans available
// for a service.
type CatalogFetcher interface {
	FetchCatalog(ctx context.Context, serviceID string) (Catalog, error)
}

// Account is implemented by clients that can enumerate the services of the
// logged-in account and report its balance. The balance boolean is false
// when the provider does not show one.
type Account interface {
	ListServices(ctx context.Context) ([]Service, error)
	FetchBalance(ctx context.Context) (float64, bool, error)
}
