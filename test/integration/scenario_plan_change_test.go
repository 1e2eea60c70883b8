package integration

import (
	"fmt"
	"testing"

	"launtelha/internal/config"
	"launtelha/internal/entity"
	"launtelha/internal/planmachine"
	"launtelha/internal/provider"
	"launtelha/internal/provider/providertest"
	"launtelha/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario_PlanChangeFromHomeAssistant follows a change from the user's
// selection through the pending phase to completion.
func TestScenario_PlanChangeFromHomeAssistant(t *testing.T) {
	env := setupTest(t, &config.Config{})
	eventually(t, stateIs(env, planEntity, fast), "initial render")

	t.Log("GIVEN: the service is on Home Fast")
	t.Log("WHEN: the user picks Superfast in Home Assistant")
	env.Server.ChangeState(planEntity, superfast)

	t.Log("THEN: a change is requested from the portal")
	eventually(t, func() bool { return len(env.Portal.ChangeCalls()) == 1 }, "change requested")
	assert.Equal(t, providertest.ChangeCall{ServiceID: "1234", TargetPlanID: "2003"}, env.Portal.ChangeCalls()[0])

	eventually(t, stateIs(env, statusEntity, entity.ChangeInProgressValue), "status shows the pending change")
	eventually(t, stateIs(env, planEntity, fast), "selector stays on the confirmed plan")

	t.Log("WHEN: the portal reports the new plan and the user presses refresh")
	env.Portal.QueueStatus(providertest.StatusResult{Status: provider.PlanStatus{CurrentPlanID: "2003", CurrentPlanLabel: superfast}})
	env.Server.SetState(refreshEntity, "off", nil)
	env.Server.ChangeState(refreshEntity, "on")

	t.Log("THEN: the change completes and the refresh boolean is turned back off")
	eventually(t, stateIs(env, statusEntity, superfast), "status shows the new plan")
	eventually(t, stateIs(env, planEntity, superfast), "selector moves to the new plan")
	eventually(t, stateIs(env, refreshEntity, "off"), "refresh boolean reset")

	view, ok := env.Manager().Service("1234")
	require.True(t, ok)
	assert.Equal(t, planmachine.PhaseStable, view.State.Phase)
	assert.Equal(t, "2003", view.State.ActivePlanID)
}

// TestScenario_RejectedSelectionRevertsSelector checks a portal refusal
// leaves the selector on the active plan.
func TestScenario_RejectedSelectionRevertsSelector(t *testing.T) {
	env := setupTest(t, &config.Config{})
	env.Portal.QueueChange(providertest.ChangeResult{
		Err: provider.NewError(provider.KindConflict, "request change", fmt.Errorf("change already in progress")),
	})
	eventually(t, stateIs(env, planEntity, fast), "initial render")

	env.Server.ChangeState(planEntity, basic)

	eventually(t, func() bool { return len(env.Portal.ChangeCalls()) == 1 }, "change attempted")
	eventually(t, stateIs(env, planEntity, fast), "selector reverted")
	assert.Equal(t, fast, env.Server.StateValue(statusEntity))

	view, _ := env.Manager().Service("1234")
	assert.Equal(t, planmachine.PhaseStable, view.State.Phase)
}

// TestScenario_ReadOnlyMakesNoCalls verifies read-only mode leaves both Home
// Assistant and the portal untouched.
func TestScenario_ReadOnlyMakesNoCalls(t *testing.T) {
	env := setupTest(t, &config.Config{ReadOnly: true})
	eventually(t, func() bool {
		v, ok := env.Manager().Service("1234")
		return ok && v.State.Ready
	}, "first poll")

	env.Server.SetState(planEntity, superfast, nil)
	env.Server.SetState(refreshEntity, "on", nil)

	calls := env.Portal.FetchCalls()
	eventually(t, func() bool { return env.Portal.FetchCalls() > calls }, "refresh still polls")

	assert.Empty(t, env.Portal.ChangeCalls())
	assert.Empty(t, env.GetServiceCalls())
	assert.Equal(t, "on", env.Server.StateValue(refreshEntity))
}

// TestScenario_CustomPrefixAndRefreshBoolean uses configured entity names
func TestScenario_CustomPrefixAndRefreshBoolean(t *testing.T) {
	env := setupTest(t, &config.Config{
		Services:      []config.ServiceConfig{{ID: "1234", Prefix: "home_nbn"}},
		HomeAssistant: config.HomeAssistantConfig{RefreshBoolean: "nbn_refresh"},
	})

	eventually(t, stateIs(env, "input_text.home_nbn_status", fast), "status under the configured prefix")

	calls := env.Portal.FetchCalls()
	env.Server.SetState("input_boolean.nbn_refresh", "on", nil)

	eventually(t, func() bool { return env.Portal.FetchCalls() > calls }, "refresh polls the portal")
	eventually(t, stateIs(env, "input_boolean.nbn_refresh", "off"), "refresh boolean reset")
	assert.Nil(t, testutil.CallsFor(env.GetServiceCalls(), statusEntity), "default prefix unused")
}
