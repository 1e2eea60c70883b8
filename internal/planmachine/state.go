package planmachine

import (
	"errors"
	"time"

	"launtelha/internal/provider"
)

// Phase is the lifecycle stage of a service's plan.
type Phase string

const (
	PhaseStable        Phase = "stable"
	PhaseChangePending Phase = "change_pending"
)

// ErrorKind is the most recent failure recorded on the machine.
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorAuth      ErrorKind = "auth"
	ErrorTransient ErrorKind = "transient"
	ErrorProtocol  ErrorKind = "protocol"
	ErrorTimeout   ErrorKind = "timeout"
)

var (
	// ErrDegraded is returned when a write is attempted while degraded
	ErrDegraded = errors.New("plan changes disabled while service is degraded")
	// ErrNotReady is returned when a write arrives before the first successful poll
	ErrNotReady = errors.New("plan status not known yet")
	// ErrRejected is returned when the provider declines a change request
	ErrRejected = errors.New("plan change rejected by provider")
)

func errorKindFor(kind provider.Kind) ErrorKind {
	switch kind {
	case provider.KindAuth:
		return ErrorAuth
	case provider.KindProtocol:
		return ErrorProtocol
	default:
		return ErrorTransient
	}
}

// State is the authoritative view of one service's plan. Callers only ever
// see copies returned by Machine.Snapshot.
type State struct {
	ServiceID string `json:"service_id"`

	Phase Phase `json:"phase"`
	// Degraded overlays Phase after repeated failures, an auth fault or a
	// pending change that outlived MaxPendingDuration.
	Degraded bool `json:"degraded"`
	// Ready is false until the first successful status fetch.
	Ready bool `json:"ready"`
	// AuthRequired halts polling until fresh credentials are supplied.
	AuthRequired bool `json:"auth_required"`

	ActivePlanID    string    `json:"active_plan_id"`
	ActivePlanLabel string    `json:"active_plan_label"`
	TargetPlanID    string    `json:"target_plan_id,omitempty"`
	PendingSince    time.Time `json:"pending_since,omitempty"`

	LastPollAt              time.Time `json:"last_poll_at"`
	NextPollAt              time.Time `json:"next_poll_at"`
	ConsecutiveFailureCount int       `json:"consecutive_failure_count"`
	LastError               ErrorKind `json:"last_error,omitempty"`
}

// WritesAllowed reports whether a plan change may be requested.
func (s State) WritesAllowed() bool {
	return s.Ready && s.Phase == PhaseStable && !s.Degraded
}

// Transition describes a phase or degraded-flag change.
type Transition struct {
	ServiceID    string    `json:"service_id"`
	From         Phase     `json:"from"`
	To           Phase     `json:"to"`
	FromDegraded bool      `json:"from_degraded"`
	ToDegraded   bool      `json:"to_degraded"`
	ActivePlanID string    `json:"active_plan_id"`
	TargetPlanID string    `json:"target_plan_id,omitempty"`
	Reason       string    `json:"reason"`
	RequestID    string    `json:"request_id,omitempty"`
	LastError    ErrorKind `json:"last_error,omitempty"`
	At           time.Time `json:"at"`
}

// TransitionHandler is notified after a transition has been applied. Handlers
// run while the operation that caused the transition still holds the machine,
// so they must not call Poll, RequestChange or UpdateCredentials.
type TransitionHandler func(Transition)
