// Package planmachine tracks one service's internet plan and governs plan
// change requests against the provider.
//
// A machine is Stable while the provider reports no change in progress and
// ChangePending while it waits for the provider to confirm a new plan. The
// Degraded flag overlays either phase after repeated poll failures, an
// authentication fault or a change that stays unconfirmed for too long. Writes
// are only accepted while Stable and not degraded.
package planmachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"launtelha/internal/clock"
	"launtelha/internal/provider"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Machine owns the State of a single service. Poll, RequestChange and
// UpdateCredentials are serialized; Snapshot never waits on network I/O.
type Machine struct {
	serviceID string
	client    provider.Client
	policy    Policy
	clock     clock.Clock
	logger    *zap.Logger
	handlers  []TransitionHandler

	// opMu is held for the whole duration of an operation
	opMu sync.Mutex

	// mu guards everything below
	mu             sync.RWMutex
	state          State
	closed         bool
	failureBackoff *backoff.ExponentialBackOff
}

// Option configures a Machine.
type Option func(*Machine)

// WithPolicy overrides the default polling policy.
func WithPolicy(p Policy) Option {
	return func(m *Machine) { m.policy = p }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithTransitionHandler registers a handler notified of every transition.
func WithTransitionHandler(h TransitionHandler) Option {
	return func(m *Machine) { m.handlers = append(m.handlers, h) }
}

// New creates a machine for serviceID. The first Poll establishes the
// initial Stable or ChangePending phase.
func New(serviceID string, client provider.Client, opts ...Option) (*Machine, error) {
	m := &Machine{
		serviceID: serviceID,
		client:    client,
		policy:    DefaultPolicy(),
		clock:     clock.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if serviceID == "" {
		return nil, fmt.Errorf("service id cannot be empty")
	}
	if client == nil {
		return nil, fmt.Errorf("service %s: provider client cannot be nil", serviceID)
	}
	if err := m.policy.Validate(); err != nil {
		return nil, fmt.Errorf("service %s: invalid policy: %w", serviceID, err)
	}

	m.logger = m.logger.Named("planmachine").With(zap.String("service_id", serviceID))
	m.state = State{
		ServiceID:  serviceID,
		Phase:      PhaseStable,
		NextPollAt: m.clock.Now(),
	}
	return m, nil
}

// ServiceID returns the managed service identifier
func (m *Machine) ServiceID() string {
	return m.serviceID
}

// Policy returns the polling policy in effect
func (m *Machine) Policy() Policy {
	return m.policy
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Close tears the machine down. Operations still in flight finish without
// touching the state and report success.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.logger.Debug("Plan machine closed")
	}
}

// Closed reports whether Close has been called
func (m *Machine) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Poll fetches the provider status and applies the phase rules. Transient and
// protocol failures are absorbed into the failure count and backoff; only an
// authentication failure is returned.
func (m *Machine) Poll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	snap := m.Snapshot()
	if m.Closed() {
		return nil
	}
	if snap.AuthRequired {
		return fmt.Errorf("poll service %s: %w", m.serviceID,
			provider.NewError(provider.KindAuth, "poll", fmt.Errorf("waiting for fresh credentials")))
	}

	status, err := m.client.FetchStatus(ctx, m.serviceID)
	if err == nil {
		err = status.Validate()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug("Discarding poll result for closed machine")
		return nil
	}

	now := m.clock.Now()
	before := m.state
	m.state.LastPollAt = now

	var (
		reason string
		result error
	)
	if err != nil {
		reason, result = m.recordFailureLocked(err, now)
	} else {
		reason = m.applyStatusLocked(status, now)
	}
	after := m.state
	m.mu.Unlock()

	m.notify(before, after, reason, "", now)
	return result
}

// recordFailureLocked updates failure bookkeeping. It returns the transition
// reason and the error to surface, if any.
func (m *Machine) recordFailureLocked(err error, now time.Time) (string, error) {
	s := &m.state
	kind := provider.KindOf(err)

	s.ConsecutiveFailureCount++
	s.LastError = errorKindFor(kind)

	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.Int("consecutive_failures", s.ConsecutiveFailureCount),
		zap.String("phase", string(s.Phase)),
		zap.Error(err),
	}

	if kind == provider.KindAuth {
		s.AuthRequired = true
		s.Degraded = true
		s.NextPollAt = time.Time{}
		m.failureBackoff = nil
		m.logger.Warn("Provider rejected credentials, polling halted until re-authentication", fields...)
		return "authentication failed", fmt.Errorf("poll service %s: %w", m.serviceID, err)
	}

	if kind == provider.KindProtocol {
		m.logger.Error("Unexpected provider response", fields...)
	} else {
		m.logger.Warn("Poll failed", fields...)
	}

	reason := ""
	if !s.Degraded && s.ConsecutiveFailureCount > m.policy.FailureThreshold {
		s.Degraded = true
		reason = "failure threshold exceeded"
	}
	if m.pendingExpiredLocked(now) {
		s.LastError = ErrorTimeout
		if !s.Degraded {
			s.Degraded = true
			reason = "pending change timed out"
		}
	}

	s.NextPollAt = now.Add(m.nextFailureIntervalLocked())
	return reason, nil
}

// applyStatusLocked applies a successful status to the state and returns the
// transition reason.
func (m *Machine) applyStatusLocked(status provider.PlanStatus, now time.Time) string {
	s := &m.state

	reason := ""
	if !s.Ready {
		s.Ready = true
		s.Phase = PhaseStable
		reason = "initial status"
	}
	s.ConsecutiveFailureCount = 0
	s.LastError = ErrorNone
	s.Degraded = false
	m.failureBackoff = nil

	switch s.Phase {
	case PhaseStable:
		if s.ActivePlanID != "" && s.ActivePlanID != status.CurrentPlanID {
			m.logger.Info("Plan changed outside this integration",
				zap.String("previous_plan", s.ActivePlanID),
				zap.String("current_plan", status.CurrentPlanID))
			reason = "external plan change"
		}
		s.ActivePlanID = status.CurrentPlanID
		s.ActivePlanLabel = status.CurrentPlanLabel

		if status.HasPending() {
			s.Phase = PhaseChangePending
			s.TargetPlanID = status.PendingPlanID
			s.PendingSince = now
			reason = "provider reports change in progress"
			m.logger.Info("Detected plan change in progress",
				zap.String("target_plan", s.TargetPlanID))
		}

	case PhaseChangePending:
		s.ActivePlanID = status.CurrentPlanID
		s.ActivePlanLabel = status.CurrentPlanLabel

		switch {
		case !status.HasPending() && status.CurrentPlanID == s.TargetPlanID:
			m.logger.Info("Plan change confirmed", zap.String("plan", s.TargetPlanID))
			m.leavePendingLocked()
			reason = "change confirmed"

		case status.HasPending() && status.PendingPlanID != s.TargetPlanID:
			m.logger.Info("Provider reports a different pending plan, adopting it",
				zap.String("previous_target", s.TargetPlanID),
				zap.String("target_plan", status.PendingPlanID))
			s.TargetPlanID = status.PendingPlanID
			reason = "pending target adopted"
		}

		if s.Phase == PhaseChangePending && m.pendingExpiredLocked(now) {
			s.Degraded = true
			s.LastError = ErrorTimeout
			reason = "pending change timed out"
			m.logger.Warn("Plan change not confirmed in time",
				zap.String("target_plan", s.TargetPlanID),
				zap.Duration("pending_for", now.Sub(s.PendingSince)))
		}
	}

	s.NextPollAt = now.Add(m.phaseIntervalLocked(now))

	m.logger.Debug("Poll succeeded",
		zap.String("phase", string(s.Phase)),
		zap.String("current_plan", status.CurrentPlanID),
		zap.String("pending_plan", status.PendingPlanID),
		zap.Time("next_poll_at", s.NextPollAt))
	return reason
}

func (m *Machine) leavePendingLocked() {
	s := &m.state
	s.Phase = PhaseStable
	s.TargetPlanID = ""
	s.PendingSince = time.Time{}
}

func (m *Machine) pendingExpiredLocked(now time.Time) bool {
	s := m.state
	return s.Phase == PhaseChangePending && !s.PendingSince.IsZero() &&
		now.Sub(s.PendingSince) > m.policy.MaxPendingDuration
}

// phaseIntervalLocked returns the base interval for the current phase. Once a
// pending change has timed out it keeps waiting at the backoff ceiling.
func (m *Machine) phaseIntervalLocked(now time.Time) time.Duration {
	switch {
	case m.state.Phase != PhaseChangePending:
		return m.policy.StableInterval
	case m.pendingExpiredLocked(now):
		return m.policy.BackoffCeiling
	default:
		return m.policy.PendingInterval
	}
}

// nextFailureIntervalLocked doubles the phase interval for every consecutive
// failure, up to the backoff ceiling.
func (m *Machine) nextFailureIntervalLocked() time.Duration {
	if m.failureBackoff == nil {
		first := 2 * m.phaseIntervalLocked(m.clock.Now())
		if first > m.policy.BackoffCeiling {
			first = m.policy.BackoffCeiling
		}
		m.failureBackoff = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(first),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxInterval(m.policy.BackoffCeiling),
			backoff.WithMaxElapsedTime(0),
		)
	}

	d := m.failureBackoff.NextBackOff()
	if d == backoff.Stop || d > m.policy.BackoffCeiling {
		d = m.policy.BackoffCeiling
	}
	return d
}

// RequestChange asks the provider to move the service to targetPlanID.
//
// Requesting the active plan is a no-op that never contacts the provider.
// While a change is pending every request fails with provider.ErrConflict and
// leaves the state untouched. A rejected or failed request also leaves the
// state untouched and returns the error.
func (m *Machine) RequestChange(ctx context.Context, targetPlanID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Closed() {
		return nil
	}
	snap := m.Snapshot()

	switch {
	case !snap.Ready:
		return fmt.Errorf("request change for service %s: %w", m.serviceID, ErrNotReady)
	case snap.Phase == PhaseChangePending:
		m.logger.Debug("Rejecting plan change while another is pending",
			zap.String("requested_plan", targetPlanID),
			zap.String("target_plan", snap.TargetPlanID))
		return provider.NewError(provider.KindConflict, "request change",
			fmt.Errorf("service %s is already changing to %s", m.serviceID, snap.TargetPlanID))
	case targetPlanID == snap.ActivePlanID:
		m.logger.Debug("Requested plan already active", zap.String("plan", targetPlanID))
		return nil
	case snap.Degraded:
		return fmt.Errorf("request change for service %s: %w", m.serviceID, ErrDegraded)
	}

	requestID := uuid.NewString()
	logger := m.logger.With(
		zap.String("request_id", requestID),
		zap.String("from_plan", snap.ActivePlanID),
		zap.String("target_plan", targetPlanID))
	logger.Info("Requesting plan change")

	ack, err := m.client.RequestChange(ctx, m.serviceID, targetPlanID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		logger.Debug("Discarding change result for closed machine")
		return nil
	}

	if err != nil {
		m.mu.Unlock()
		logger.Warn("Plan change request failed",
			zap.String("kind", string(provider.KindOf(err))),
			zap.Error(err))
		return fmt.Errorf("request change for service %s: %w", m.serviceID, err)
	}
	if !ack.Accepted {
		m.mu.Unlock()
		logger.Warn("Plan change request rejected by provider")
		return fmt.Errorf("request change for service %s to %s: %w", m.serviceID, targetPlanID, ErrRejected)
	}
	if ack.TargetPlanID != "" && ack.TargetPlanID != targetPlanID {
		logger.Warn("Provider acknowledged a different target", zap.String("ack_target", ack.TargetPlanID))
	}

	now := m.clock.Now()
	before := m.state
	m.state.Phase = PhaseChangePending
	m.state.TargetPlanID = targetPlanID
	m.state.PendingSince = now
	m.state.NextPollAt = now.Add(m.policy.PendingInterval)
	after := m.state
	m.mu.Unlock()

	logger.Info("Plan change accepted, waiting for confirmation")
	m.notify(before, after, "change requested", requestID, now)
	return nil
}

// UpdateCredentials hands fresh credentials to the provider client and
// resumes polling after an authentication failure. The degraded flag stays
// until the next successful poll.
func (m *Machine) UpdateCredentials(username, password string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Closed() {
		return nil
	}

	updater, ok := m.client.(provider.CredentialUpdater)
	if !ok {
		return fmt.Errorf("service %s: provider client does not accept credentials", m.serviceID)
	}
	updater.SetCredentials(username, password)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AuthRequired = false
	m.state.NextPollAt = m.clock.Now()
	m.failureBackoff = nil
	m.logger.Info("Credentials updated, polling resumed")
	return nil
}

func (m *Machine) notify(before, after State, reason, requestID string, at time.Time) {
	if before.Phase == after.Phase && before.Degraded == after.Degraded &&
		before.TargetPlanID == after.TargetPlanID && before.ActivePlanID == after.ActivePlanID {
		return
	}

	t := Transition{
		ServiceID:    m.serviceID,
		From:         before.Phase,
		To:           after.Phase,
		FromDegraded: before.Degraded,
		ToDegraded:   after.Degraded,
		ActivePlanID: after.ActivePlanID,
		TargetPlanID: after.TargetPlanID,
		Reason:       reason,
		RequestID:    requestID,
		LastError:    after.LastError,
		At:           at,
	}

	m.logger.Info("Plan state transition",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.Bool("degraded", t.ToDegraded),
		zap.String("active_plan", t.ActivePlanID),
		zap.String("target_plan", t.TargetPlanID),
		zap.String("reason", reason))

	for _, h := range m.handlers {
		h(t)
	}
}
