package launtel

import (
	"context"
	"testing"
	"time"

	"launtelha/internal/api"
	"launtelha/internal/clock"
	"launtelha/internal/config"
	"launtelha/internal/entity"
	"launtelha/internal/ha"
	"launtelha/internal/metrics"
	"launtelha/internal/planmachine"
	"launtelha/internal/provider"
	"launtelha/internal/provider/providertest"
	"launtelha/internal/shadowstate"
	"launtelha/pkg/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func price(v float64) *float64 { return &v }

func testCatalog() provider.Catalog {
	return provider.Catalog{
		{ID: "2001", Label: "Home Basic (25/10)", PricePerDay: price(1.95)},
		{ID: "2002", Label: "Home Fast (100/20)", PricePerDay: price(2.50)},
		{ID: "2003", Label: "Superfast (250/25)"},
	}
}

type harness struct {
	manager *Manager
	portal  *providertest.FakeClient
	ha      *ha.MockClient
	clock   *clock.MockClock
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	portal := providertest.NewFakeClient()
	portal.SetServices(provider.Service{ID: "1234", DisplayName: "Home NBN"})
	portal.SetCatalog(testCatalog())
	portal.SetBalance(-3.4)
	portal.QueueStatus(providertest.StatusResult{Status: provider.PlanStatus{CurrentPlanID: "2002", CurrentPlanLabel: "Home Fast (100/20)"}})

	mockHA := ha.NewMockClient()
	mc := clock.NewMockClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()

	ctx := plugin.NewContext(mockHA, portal, cfg, zap.NewNop(), mc)
	ctx.Metrics = metrics.NewWithRegistry(reg, reg)

	m, err := NewManager(ctx)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return &harness{manager: m, portal: portal, ha: mockHA, clock: mc}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Start())
	require.Eventually(t, func() bool {
		v, ok := h.manager.Service("1234")
		return ok && v.State.Ready
	}, time.Second, 5*time.Millisecond)
}

func haState(mock *ha.MockClient, entityID string) string {
	s, err := mock.GetState(entityID)
	if err != nil || s == nil {
		return ""
	}
	return s.State
}

func TestManager_StartDiscoversServices(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.start(t)

	views := h.manager.Services()
	require.Len(t, views, 1)
	assert.Equal(t, "launtel_1234", views[0].Prefix)
	assert.Equal(t, "Home Fast (100/20)", views[0].Status.Value)
	assert.Equal(t, -3.4, views[0].Status.Attributes["balance"])
	assert.True(t, views[0].Selector.Enabled)

	assert.Eventually(t, func() bool {
		return haState(h.ha, "input_text.launtel_1234_status") == "Home Fast (100/20)"
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return haState(h.ha, "input_select.launtel_1234_plan") == "Home Fast (100/20)"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(h.manager.GetShadowState().Outputs.Services["1234"].Actions) > 0
	}, time.Second, 5*time.Millisecond)
	history := h.manager.GetShadowState().Outputs.Services["1234"]
	assert.Equal(t, "initial status", history.Actions[0].Reason)
}

func TestManager_ConfiguredServices(t *testing.T) {
	cfg := &config.Config{Services: []config.ServiceConfig{{ID: "1234", Prefix: "home_nbn", Debug: true}}}
	h := newHarness(t, cfg)
	h.portal.SetServices() // discovery must not be needed
	h.start(t)

	v, ok := h.manager.Service("1234")
	require.True(t, ok)
	assert.Equal(t, "home_nbn", v.Prefix)
	assert.Eventually(t, func() bool {
		return haState(h.ha, "input_text.home_nbn_status") == "Home Fast (100/20)"
	}, time.Second, 5*time.Millisecond)
}

func TestManager_StartWithoutServices(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.portal.SetServices()

	err := h.manager.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no services")
}

func TestManager_SelectPlan(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.start(t)

	require.NoError(t, h.manager.SelectPlan(context.Background(), "1234", "2003"))
	assert.Equal(t, []providertest.ChangeCall{{ServiceID: "1234", TargetPlanID: "2003"}}, h.portal.ChangeCalls())

	v, _ := h.manager.Service("1234")
	assert.Equal(t, planmachine.PhaseChangePending, v.State.Phase)
	assert.Equal(t, entity.ChangeInProgressValue, v.Status.Value)
	assert.Eventually(t, func() bool {
		return haState(h.ha, "input_text.launtel_1234_status") == entity.ChangeInProgressValue
	}, time.Second, 5*time.Millisecond)

	// a second selection conflicts with the pending change
	err := h.manager.SelectPlan(context.Background(), "1234", "2001")
	assert.ErrorIs(t, err, provider.ErrConflict)

	actions := h.manager.GetShadowState().Outputs.Services["1234"].Actions
	var selections []shadowstate.ActionRecord
	for _, a := range actions {
		if a.ActionType == shadowstate.ActionSelection {
			selections = append(selections, a)
		}
	}
	require.Len(t, selections, 2)
	assert.Equal(t, "accepted", selections[0].Reason)
	assert.Equal(t, "rejected", selections[1].Reason)
}

func TestManager_SelectPlanErrors(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.start(t)

	assert.ErrorIs(t, h.manager.SelectPlan(context.Background(), "9999", "2003"), api.ErrUnknownService)
	assert.ErrorIs(t, h.manager.SelectPlan(context.Background(), "1234", "9"), entity.ErrUnknownPlan)
	assert.ErrorIs(t, h.manager.Refresh("9999"), api.ErrUnknownService)
	assert.Empty(t, h.portal.ChangeCalls())
}

func TestManager_ReadOnly(t *testing.T) {
	h := newHarness(t, &config.Config{ReadOnly: true})
	h.start(t)

	assert.ErrorIs(t, h.manager.SelectPlan(context.Background(), "1234", "2003"), api.ErrReadOnly)
	assert.Empty(t, h.portal.ChangeCalls())
	assert.Empty(t, h.ha.GetServiceCalls(), "read-only mode makes no Home Assistant calls")
}

func TestManager_HomeAssistantSelection(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.start(t)
	require.Eventually(t, func() bool {
		return h.ha.SubscriberCount("input_select.launtel_1234_plan") == 1
	}, time.Second, 5*time.Millisecond)

	h.ha.SimulateStateChange("input_select.launtel_1234_plan", "Superfast (250/25)")

	require.Eventually(t, func() bool { return len(h.portal.ChangeCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "2003", h.portal.ChangeCalls()[0].TargetPlanID)

	require.Eventually(t, func() bool {
		for _, a := range h.manager.GetShadowState().Outputs.Services["1234"].Actions {
			if a.ActionType == shadowstate.ActionSelection && a.Details["source"] == sourceHomeAssistant {
				return a.Details["plan_id"] == "2003"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ResetPollsEveryService(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.start(t)
	calls := h.portal.FetchCalls()

	require.NoError(t, h.manager.Reset())
	assert.Eventually(t, func() bool { return h.portal.FetchCalls() > calls }, time.Second, 5*time.Millisecond)
}

func TestManager_UpdateCredentials(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.start(t)

	require.NoError(t, h.manager.UpdateCredentials("user", "new-password"))
	assert.Equal(t, 1, h.portal.CredentialUpdates())
}

func TestManager_StopIsIdempotent(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.start(t)

	h.manager.Stop()
	h.manager.Stop()
	assert.Zero(t, h.ha.SubscriberCount("input_select.launtel_1234_plan"))
}

func TestNewManager_RequiresPortal(t *testing.T) {
	_, err := NewManager(&plugin.Context{Config: &config.Config{}, Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestManager_InstanceLoggerDebugToggle(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m, err := NewManager(&plugin.Context{
		Portal: providertest.NewFakeClient(),
		Config: &config.Config{},
		Logger: zap.New(core),
	})
	require.NoError(t, err)

	m.instanceLogger(config.ServiceConfig{ID: "1", Debug: true}).Debug("verbose")
	quiet := m.instanceLogger(config.ServiceConfig{ID: "2"})
	quiet.Debug("hidden")
	quiet.Info("shown")

	assert.Equal(t, 1, logs.FilterMessage("verbose").Len())
	assert.Zero(t, logs.FilterMessage("hidden").Len())
	assert.Equal(t, 1, logs.FilterMessage("shown").Len())
}

func TestPluginRegistered(t *testing.T) {
	info := plugin.Get(PluginName)
	require.NotNil(t, info)
	assert.Equal(t, plugin.PriorityDefault, info.Priority)
}
