package planmachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"launtelha/internal/clock"
	"launtelha/internal/provider"
	"launtelha/internal/provider/providertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) handle(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.transitions...)
}

func newTestMachine(t *testing.T, fake *providertest.FakeClient, opts ...Option) (*Machine, *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock(testStart)
	all := append([]Option{WithClock(mc), WithLogger(zap.NewNop())}, opts...)
	m, err := New("svc-1", fake, all...)
	require.NoError(t, err)
	return m, mc
}

// stableMachine returns a machine that has completed one poll on basic-50
func stableMachine(t *testing.T, opts ...Option) (*Machine, *providertest.FakeClient, *clock.MockClock) {
	t.Helper()
	fake := providertest.NewFakeClient()
	m, mc := newTestMachine(t, fake, opts...)
	fake.QueueStatus(providertest.Status("basic-50", ""))
	require.NoError(t, m.Poll(context.Background()))
	return m, fake, mc
}

func TestNew_Validation(t *testing.T) {
	fake := providertest.NewFakeClient()

	_, err := New("", fake)
	assert.Error(t, err)

	_, err = New("svc-1", nil)
	assert.Error(t, err)

	bad := DefaultPolicy()
	bad.FailureThreshold = 0
	_, err = New("svc-1", fake, WithPolicy(bad))
	assert.Error(t, err)

	m, err := New("svc-1", fake)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", m.ServiceID())
	assert.Equal(t, DefaultPolicy(), m.Policy())

	s := m.Snapshot()
	assert.False(t, s.Ready)
	assert.Equal(t, PhaseStable, s.Phase)
	assert.False(t, s.WritesAllowed())
}

func TestPoll_InitialStatus(t *testing.T) {
	m, _, _ := stableMachine(t)

	s := m.Snapshot()
	assert.True(t, s.Ready)
	assert.Equal(t, PhaseStable, s.Phase)
	assert.False(t, s.Degraded)
	assert.Equal(t, "basic-50", s.ActivePlanID)
	assert.Empty(t, s.TargetPlanID)
	assert.Equal(t, testStart, s.LastPollAt)
	assert.Equal(t, testStart.Add(10*time.Minute), s.NextPollAt)
	assert.True(t, s.WritesAllowed())
}

func TestPoll_InitialStatusWithPendingChange(t *testing.T) {
	fake := providertest.NewFakeClient()
	m, _ := newTestMachine(t, fake)
	fake.QueueStatus(providertest.Status("basic-50", "premium-100"))

	require.NoError(t, m.Poll(context.Background()))

	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.Equal(t, "basic-50", s.ActivePlanID)
	assert.Equal(t, "premium-100", s.TargetPlanID)
	assert.Equal(t, testStart, s.PendingSince)
	assert.Equal(t, testStart.Add(45*time.Second), s.NextPollAt)
	assert.False(t, s.WritesAllowed())
}

func TestRequestChange_SamePlanIsNoOp(t *testing.T) {
	m, fake, _ := stableMachine(t)
	before := m.Snapshot()

	err := m.RequestChange(context.Background(), "basic-50")
	require.NoError(t, err)

	assert.Empty(t, fake.ChangeCalls(), "provider must not be contacted")
	assert.Equal(t, before, m.Snapshot())
}

func TestRequestChange_BeforeFirstPoll(t *testing.T) {
	fake := providertest.NewFakeClient()
	m, _ := newTestMachine(t, fake)

	err := m.RequestChange(context.Background(), "premium-100")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, fake.ChangeCalls())
}

// Walks a full change from basic-50 to premium-100 including a conflicting
// request while the change is in flight.
func TestScenario_UpgradeBasicToPremium(t *testing.T) {
	rec := &recorder{}
	m, fake, mc := stableMachine(t, WithTransitionHandler(rec.handle))
	ctx := context.Background()

	require.NoError(t, m.RequestChange(ctx, "premium-100"))
	require.Equal(t, []providertest.ChangeCall{{ServiceID: "svc-1", TargetPlanID: "premium-100"}}, fake.ChangeCalls())

	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.Equal(t, "basic-50", s.ActivePlanID)
	assert.Equal(t, "premium-100", s.TargetPlanID)
	assert.Equal(t, testStart.Add(45*time.Second), s.NextPollAt)

	// no overlapping writes, including a repeat of the pending target
	for _, plan := range []string{"basic-50", "premium-100", "ultra-250"} {
		err := m.RequestChange(ctx, plan)
		assert.ErrorIs(t, err, provider.ErrConflict, plan)
		assert.Equal(t, s, m.Snapshot(), plan)
	}
	assert.Len(t, fake.ChangeCalls(), 1)

	fake.QueueStatus(providertest.Status("basic-50", "premium-100"))
	for i := 1; i <= 3; i++ {
		mc.Advance(45 * time.Second)
		require.NoError(t, m.Poll(ctx))
		s = m.Snapshot()
		assert.Equal(t, PhaseChangePending, s.Phase, "pending poll %d", i)
		assert.Equal(t, "premium-100", s.TargetPlanID, "pending poll %d", i)
		assert.Equal(t, mc.Now().Add(45*time.Second), s.NextPollAt, "pending poll %d", i)
	}

	mc.Advance(45 * time.Second)
	fake.QueueStatus(providertest.Status("premium-100", ""))
	require.NoError(t, m.Poll(ctx))

	s = m.Snapshot()
	assert.Equal(t, PhaseStable, s.Phase)
	assert.Equal(t, "premium-100", s.ActivePlanID)
	assert.Empty(t, s.TargetPlanID)
	assert.True(t, s.PendingSince.IsZero())
	assert.Equal(t, mc.Now().Add(10*time.Minute), s.NextPollAt)

	transitions := rec.all()
	require.Len(t, transitions, 3)
	assert.Equal(t, "initial status", transitions[0].Reason)

	assert.Equal(t, PhaseStable, transitions[1].From)
	assert.Equal(t, PhaseChangePending, transitions[1].To)
	assert.Equal(t, "premium-100", transitions[1].TargetPlanID)
	assert.NotEmpty(t, transitions[1].RequestID)

	assert.Equal(t, PhaseChangePending, transitions[2].From)
	assert.Equal(t, PhaseStable, transitions[2].To)
	assert.Equal(t, "change confirmed", transitions[2].Reason)
}

func TestPoll_CompletionRequiresNoPending(t *testing.T) {
	m, fake, _ := stableMachine(t)
	ctx := context.Background()
	require.NoError(t, m.RequestChange(ctx, "premium-100"))

	// current already shows the target but the provider still reports a
	// pending plan, so the change is not complete
	fake.QueueStatus(providertest.Status("premium-100", "ultra-250"))
	require.NoError(t, m.Poll(ctx))

	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.Equal(t, "ultra-250", s.TargetPlanID)
}

func TestPoll_AdoptsExternalChange(t *testing.T) {
	m, fake, _ := stableMachine(t)

	fake.QueueStatus(providertest.Status("premium-100", ""))
	require.NoError(t, m.Poll(context.Background()))

	s := m.Snapshot()
	assert.Equal(t, PhaseStable, s.Phase)
	assert.Equal(t, "premium-100", s.ActivePlanID)
}

func TestPoll_ExternalPendingEntersChangePending(t *testing.T) {
	m, fake, _ := stableMachine(t)

	fake.QueueStatus(providertest.Status("basic-50", "ultra-250"))
	require.NoError(t, m.Poll(context.Background()))

	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.Equal(t, "ultra-250", s.TargetPlanID)
}

func TestPoll_AdoptsProviderPendingTarget(t *testing.T) {
	m, fake, _ := stableMachine(t)
	ctx := context.Background()
	require.NoError(t, m.RequestChange(ctx, "premium-100"))

	fake.QueueStatus(providertest.Status("basic-50", "ultra-250"))
	require.NoError(t, m.Poll(ctx))

	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.Equal(t, "ultra-250", s.TargetPlanID)
}

func TestPoll_FailureKeepsPendingTarget(t *testing.T) {
	tests := []struct {
		name string
		kind provider.Kind
		want ErrorKind
	}{
		{"transient", provider.KindTransient, ErrorTransient},
		{"protocol", provider.KindProtocol, ErrorProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fake, _ := stableMachine(t)
			ctx := context.Background()
			require.NoError(t, m.RequestChange(ctx, "premium-100"))

			fake.QueueStatus(providertest.Failure(tt.kind))
			require.NoError(t, m.Poll(ctx), "poll failures are absorbed")

			s := m.Snapshot()
			assert.Equal(t, PhaseChangePending, s.Phase)
			assert.Equal(t, "premium-100", s.TargetPlanID)
			assert.Equal(t, "basic-50", s.ActivePlanID)
			assert.Equal(t, 1, s.ConsecutiveFailureCount)
			assert.Equal(t, tt.want, s.LastError)
			assert.False(t, s.Degraded)
		})
	}
}

func TestPoll_InvalidStatusIsProtocolError(t *testing.T) {
	m, fake, _ := stableMachine(t)

	fake.QueueStatus(providertest.Status("basic-50", "basic-50"))
	require.NoError(t, m.Poll(context.Background()))

	s := m.Snapshot()
	assert.Equal(t, ErrorProtocol, s.LastError)
	assert.Equal(t, 1, s.ConsecutiveFailureCount)
	assert.Equal(t, "basic-50", s.ActivePlanID)
}

func TestPoll_DegradesAfterThresholdAndRecovers(t *testing.T) {
	m, fake, _ := stableMachine(t)
	ctx := context.Background()

	fake.QueueStatus(providertest.Failure(provider.KindTransient))
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Poll(ctx))
		assert.False(t, m.Snapshot().Degraded, "failure %d is within the threshold", i)
	}

	require.NoError(t, m.Poll(ctx))
	s := m.Snapshot()
	assert.True(t, s.Degraded)
	assert.Equal(t, 6, s.ConsecutiveFailureCount)
	assert.Equal(t, PhaseStable, s.Phase)
	assert.False(t, s.WritesAllowed())

	err := m.RequestChange(ctx, "premium-100")
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Empty(t, fake.ChangeCalls())

	// requesting the active plan stays a no-op even while degraded
	assert.NoError(t, m.RequestChange(ctx, "basic-50"))

	fake.QueueStatus(providertest.Status("basic-50", ""))
	require.NoError(t, m.Poll(ctx))

	s = m.Snapshot()
	assert.False(t, s.Degraded)
	assert.Zero(t, s.ConsecutiveFailureCount)
	assert.Equal(t, ErrorNone, s.LastError)
	assert.True(t, s.WritesAllowed())
}

func TestPoll_BackoffDoublesUpToCeiling(t *testing.T) {
	m, fake, mc := stableMachine(t)
	ctx := context.Background()
	require.NoError(t, m.RequestChange(ctx, "premium-100"))

	fake.QueueStatus(providertest.Failure(provider.KindTransient))
	want := []time.Duration{
		90 * time.Second,
		180 * time.Second,
		360 * time.Second,
		10 * time.Minute,
		10 * time.Minute,
	}
	for i, d := range want {
		require.NoError(t, m.Poll(ctx))
		assert.Equal(t, mc.Now().Add(d), m.Snapshot().NextPollAt, "failure %d", i+1)
	}

	// success resets the backoff
	fake.QueueStatus(providertest.Status("basic-50", "premium-100"), providertest.Failure(provider.KindTransient))
	require.NoError(t, m.Poll(ctx))
	assert.Equal(t, mc.Now().Add(45*time.Second), m.Snapshot().NextPollAt)

	require.NoError(t, m.Poll(ctx))
	assert.Equal(t, mc.Now().Add(90*time.Second), m.Snapshot().NextPollAt)
}

func TestPoll_StableBackoffStartsAtCeiling(t *testing.T) {
	m, fake, mc := stableMachine(t)

	fake.QueueStatus(providertest.Failure(provider.KindTransient))
	require.NoError(t, m.Poll(context.Background()))

	assert.Equal(t, mc.Now().Add(10*time.Minute), m.Snapshot().NextPollAt)
}

func TestPoll_PendingTimeout(t *testing.T) {
	m, fake, mc := stableMachine(t)
	ctx := context.Background()
	require.NoError(t, m.RequestChange(ctx, "premium-100"))

	mc.Advance(31 * time.Minute)
	fake.QueueStatus(providertest.Status("basic-50", "premium-100"))
	require.NoError(t, m.Poll(ctx))

	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.Equal(t, "premium-100", s.TargetPlanID, "target is kept after a timeout")
	assert.True(t, s.Degraded)
	assert.Equal(t, ErrorTimeout, s.LastError)
	assert.Equal(t, mc.Now().Add(10*time.Minute), s.NextPollAt)

	mc.Advance(10 * time.Minute)
	fake.QueueStatus(providertest.Status("premium-100", ""))
	require.NoError(t, m.Poll(ctx))

	s = m.Snapshot()
	assert.Equal(t, PhaseStable, s.Phase)
	assert.False(t, s.Degraded)
	assert.Equal(t, "premium-100", s.ActivePlanID)
	assert.Equal(t, ErrorNone, s.LastError)
}

func TestPoll_PendingTimeoutWithoutPendingPlan(t *testing.T) {
	m, fake, mc := stableMachine(t)
	ctx := context.Background()
	require.NoError(t, m.RequestChange(ctx, "premium-100"))

	// inside the window the machine keeps waiting
	mc.Advance(time.Minute)
	fake.QueueStatus(providertest.Status("basic-50", ""))
	require.NoError(t, m.Poll(ctx))
	assert.Equal(t, PhaseChangePending, m.Snapshot().Phase)
	assert.False(t, m.Snapshot().Degraded)

	// elapsed time never completes or drops the change
	mc.Advance(30 * time.Minute)
	require.NoError(t, m.Poll(ctx))

	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.True(t, s.Degraded)
	assert.Equal(t, ErrorTimeout, s.LastError)
	assert.Equal(t, "basic-50", s.ActivePlanID)
	assert.Equal(t, "premium-100", s.TargetPlanID)
	assert.False(t, s.WritesAllowed())

	mc.Advance(10 * time.Minute)
	fake.QueueStatus(providertest.Status("premium-100", ""))
	require.NoError(t, m.Poll(ctx))

	s = m.Snapshot()
	assert.Equal(t, PhaseStable, s.Phase)
	assert.False(t, s.Degraded)
	assert.Equal(t, "premium-100", s.ActivePlanID)
}

func TestPoll_PendingTimeoutOnFailure(t *testing.T) {
	tests := []struct {
		name          string
		earlyFailures int
	}{
		{"first failure after the window", 0},
		{"already degraded by failures", 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fake, mc := stableMachine(t)
			ctx := context.Background()
			require.NoError(t, m.RequestChange(ctx, "premium-100"))

			fake.QueueStatus(providertest.Failure(provider.KindTransient))
			for i := 0; i < tt.earlyFailures; i++ {
				mc.Advance(time.Minute)
				require.NoError(t, m.Poll(ctx))
				assert.Equal(t, ErrorTransient, m.Snapshot().LastError)
			}

			mc.Advance(31 * time.Minute)
			require.NoError(t, m.Poll(ctx))

			s := m.Snapshot()
			assert.Equal(t, PhaseChangePending, s.Phase)
			assert.True(t, s.Degraded)
			assert.Equal(t, ErrorTimeout, s.LastError)
			assert.Equal(t, "premium-100", s.TargetPlanID)
			assert.Equal(t, tt.earlyFailures+1, s.ConsecutiveFailureCount)
		})
	}
}

func TestPoll_DegradedWhilePendingRecovers(t *testing.T) {
	tests := []struct {
		name       string
		status     providertest.StatusResult
		wantPhase  Phase
		wantActive string
		wantTarget string
	}{
		{"change completed", providertest.Status("premium-100", ""), PhaseStable, "premium-100", ""},
		{"change still pending", providertest.Status("basic-50", "premium-100"), PhaseChangePending, "basic-50", "premium-100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fake, mc := stableMachine(t)
			ctx := context.Background()
			require.NoError(t, m.RequestChange(ctx, "premium-100"))

			fake.QueueStatus(providertest.Failure(provider.KindTransient))
			for i := 0; i < 6; i++ {
				mc.Advance(time.Minute)
				require.NoError(t, m.Poll(ctx))
			}
			degraded := m.Snapshot()
			require.True(t, degraded.Degraded)
			require.Equal(t, PhaseChangePending, degraded.Phase)

			err := m.RequestChange(ctx, "premium-100")
			assert.ErrorIs(t, err, provider.ErrConflict)
			assert.Equal(t, degraded, m.Snapshot())

			fake.QueueStatus(tt.status)
			require.NoError(t, m.Poll(ctx))

			s := m.Snapshot()
			assert.False(t, s.Degraded)
			assert.Zero(t, s.ConsecutiveFailureCount)
			assert.Equal(t, ErrorNone, s.LastError)
			assert.Equal(t, tt.wantPhase, s.Phase)
			assert.Equal(t, tt.wantActive, s.ActivePlanID)
			assert.Equal(t, tt.wantTarget, s.TargetPlanID)
		})
	}
}

func TestPoll_AuthHaltsUntilCredentialsUpdated(t *testing.T) {
	m, fake, mc := stableMachine(t)
	ctx := context.Background()

	fake.QueueStatus(providertest.Failure(provider.KindAuth))
	err := m.Poll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAuth)

	s := m.Snapshot()
	assert.True(t, s.AuthRequired)
	assert.True(t, s.Degraded)
	assert.Equal(t, ErrorAuth, s.LastError)
	assert.True(t, s.NextPollAt.IsZero())

	err = m.Poll(ctx)
	assert.ErrorIs(t, err, provider.ErrAuth)
	assert.Equal(t, 2, fake.FetchCalls(), "provider must not be contacted while halted")

	require.NoError(t, m.UpdateCredentials("user@example.com", "new-secret"))
	assert.Equal(t, 1, fake.CredentialUpdates())

	s = m.Snapshot()
	assert.False(t, s.AuthRequired)
	assert.True(t, s.Degraded, "degraded clears on the next successful poll")
	assert.Equal(t, mc.Now(), s.NextPollAt)

	fake.QueueStatus(providertest.Status("basic-50", ""))
	require.NoError(t, m.Poll(ctx))
	s = m.Snapshot()
	assert.False(t, s.Degraded)
	assert.Equal(t, ErrorNone, s.LastError)
}

type noCredsClient struct{ provider.Client }

func TestUpdateCredentials_Unsupported(t *testing.T) {
	m, err := New("svc-1", noCredsClient{providertest.NewFakeClient()})
	require.NoError(t, err)
	assert.Error(t, m.UpdateCredentials("u", "p"))
}

func TestRequestChange_RejectedLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		result providertest.ChangeResult
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not accepted",
			result: providertest.ChangeResult{Ack: provider.ChangeAck{Accepted: false}},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrRejected) },
		},
		{
			name:   "transient",
			result: providertest.ChangeResult{Err: provider.NewError(provider.KindTransient, "change", errors.New("timeout"))},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, provider.ErrTransient) },
		},
		{
			name:   "conflict",
			result: providertest.ChangeResult{Err: provider.NewError(provider.KindConflict, "change", errors.New("change in progress"))},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, provider.ErrConflict) },
		},
		{
			name:   "auth",
			result: providertest.ChangeResult{Err: provider.NewError(provider.KindAuth, "change", errors.New("login form"))},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, provider.ErrAuth) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fake, _ := stableMachine(t)
			before := m.Snapshot()
			fake.QueueChange(tt.result)

			err := m.RequestChange(context.Background(), "premium-100")
			require.Error(t, err)
			tt.check(t, err)

			assert.Equal(t, before, m.Snapshot())
			assert.Len(t, fake.ChangeCalls(), 1)
		})
	}
}

func TestClose_DiscardsInFlightPoll(t *testing.T) {
	fake := providertest.NewFakeClient()
	m, _ := newTestMachine(t, fake)
	fake.QueueStatus(providertest.Status("basic-50", ""))
	fake.Gate = make(chan struct{})
	fake.Entered = make(chan string, 1)

	done := make(chan error, 1)
	go func() { done <- m.Poll(context.Background()) }()

	require.Equal(t, "fetch", <-fake.Entered)
	m.Close()
	close(fake.Gate)

	require.NoError(t, <-done)
	s := m.Snapshot()
	assert.False(t, s.Ready, "result after close must be discarded")
	assert.True(t, s.LastPollAt.IsZero())

	// operations after close are silent no-ops
	assert.NoError(t, m.Poll(context.Background()))
	assert.NoError(t, m.RequestChange(context.Background(), "premium-100"))
	assert.NoError(t, m.UpdateCredentials("u", "p"))
	assert.Equal(t, 1, fake.FetchCalls())
}

func TestClose_DiscardsInFlightChange(t *testing.T) {
	m, fake, _ := stableMachine(t)
	fake.Gate = make(chan struct{})
	fake.Entered = make(chan string, 1)

	done := make(chan error, 1)
	go func() { done <- m.RequestChange(context.Background(), "premium-100") }()

	require.Equal(t, "change", <-fake.Entered)
	m.Close()
	close(fake.Gate)

	require.NoError(t, <-done)
	s := m.Snapshot()
	assert.Equal(t, PhaseStable, s.Phase)
	assert.Empty(t, s.TargetPlanID)
}

func TestOperationsAreSerialized(t *testing.T) {
	m, fake, _ := stableMachine(t)
	fake.QueueStatus(providertest.Status("basic-50", "premium-100"))
	fake.Gate = make(chan struct{})
	fake.Entered = make(chan string, 4)
	ctx := context.Background()

	changeDone := make(chan error, 1)
	go func() { changeDone <- m.RequestChange(ctx, "premium-100") }()
	require.Equal(t, "change", <-fake.Entered)

	pollDone := make(chan error, 1)
	go func() { pollDone <- m.Poll(ctx) }()

	// the poll waits for the change request to finish
	assert.Never(t, func() bool { return fake.FetchCalls() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// snapshots are served while the operation is in flight
	assert.Equal(t, PhaseStable, m.Snapshot().Phase)

	close(fake.Gate)
	require.NoError(t, <-changeDone)
	require.NoError(t, <-pollDone)

	assert.Equal(t, 2, fake.FetchCalls())
	s := m.Snapshot()
	assert.Equal(t, PhaseChangePending, s.Phase)
	assert.Equal(t, "premium-100", s.TargetPlanID)
}

func TestPoll_ContextCancelledIsTransient(t *testing.T) {
	m, fake, _ := stableMachine(t)
	fake.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Poll(ctx))
	s := m.Snapshot()
	assert.Equal(t, ErrorTransient, s.LastError)
	assert.Equal(t, 1, s.ConsecutiveFailureCount)
}
