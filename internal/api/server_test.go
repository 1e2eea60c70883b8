package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"launtelha/internal/entity"
	"launtelha/internal/planmachine"
	"launtelha/internal/provider"
	"launtelha/internal/shadowstate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	views     map[string]ServiceView
	selectErr error
	selected  []string
	refreshed []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{views: map[string]ServiceView{
		"1234": {
			ServiceID: "1234",
			Prefix:    "launtel_1234",
			State:     planmachine.State{ServiceID: "1234", Phase: planmachine.PhaseStable, ActivePlanID: "2002", Ready: true},
			Status:    entity.StatusView{Value: "Home Fast (100/20)"},
			Selector:  entity.SelectorView{Enabled: true, Current: "2002"},
		},
	}}
}

func (b *fakeBackend) Services() []ServiceView {
	out := make([]ServiceView, 0, len(b.views))
	for _, v := range b.views {
		out = append(out, v)
	}
	return out
}

func (b *fakeBackend) Service(id string) (ServiceView, bool) {
	v, ok := b.views[id]
	return v, ok
}

func (b *fakeBackend) SelectPlan(_ context.Context, serviceID, planID string) error {
	if _, ok := b.views[serviceID]; !ok {
		return ErrUnknownService
	}
	if b.selectErr != nil {
		return b.selectErr
	}
	b.selected = append(b.selected, serviceID+"="+planID)
	return nil
}

func (b *fakeBackend) Refresh(serviceID string) error {
	if _, ok := b.views[serviceID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	b.refreshed = append(b.refreshed, serviceID)
	return nil
}

func newTestServer(b Backend, shadow *shadowstate.Tracker, metrics http.Handler) http.Handler {
	return NewServer(b, shadow, metrics, zap.NewNop(), 0).Handler()
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	w := serve(newTestServer(newFakeBackend(), nil, nil), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleListServices(t *testing.T) {
	w := serve(newTestServer(newFakeBackend(), nil, nil), http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusOK, w.Code)

	var views []ServiceView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, "1234", views[0].ServiceID)
	assert.Equal(t, "Home Fast (100/20)", views[0].Status.Value)
	assert.True(t, views[0].Selector.Enabled)
}

func TestHandleListServices_Empty(t *testing.T) {
	w := serve(newTestServer(&fakeBackend{}, nil, nil), http.MethodGet, "/api/services", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandleGetService(t *testing.T) {
	h := newTestServer(newFakeBackend(), nil, nil)

	w := serve(h, http.MethodGet, "/api/services/1234", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view ServiceView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, "2002", view.State.ActivePlanID)

	w = serve(h, http.MethodGet, "/api/services/9999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown service")
}

func TestHandleSelectPlan(t *testing.T) {
	tests := []struct {
		name       string
		serviceID  string
		body       string
		selectErr  error
		wantStatus int
	}{
		{"accepted", "1234", `{"plan_id":"2003"}`, nil, http.StatusOK},
		{"malformed body", "1234", `{`, nil, http.StatusBadRequest},
		{"missing plan", "1234", `{"plan_id":"  "}`, nil, http.StatusBadRequest},
		{"unknown plan", "1234", `{"plan_id":"9"}`, fmt.Errorf("select: %w", entity.ErrUnknownPlan), http.StatusBadRequest},
		{"unknown service", "9999", `{"plan_id":"2003"}`, nil, http.StatusNotFound},
		{"change pending", "1234", `{"plan_id":"2003"}`, provider.NewError(provider.KindConflict, "request change", nil), http.StatusConflict},
		{"degraded", "1234", `{"plan_id":"2003"}`, planmachine.ErrDegraded, http.StatusConflict},
		{"not ready", "1234", `{"plan_id":"2003"}`, planmachine.ErrNotReady, http.StatusConflict},
		{"rejected", "1234", `{"plan_id":"2003"}`, planmachine.ErrRejected, http.StatusConflict},
		{"read only", "1234", `{"plan_id":"2003"}`, ErrReadOnly, http.StatusForbidden},
		{"provider failure", "1234", `{"plan_id":"2003"}`, provider.NewError(provider.KindTransient, "request change", assert.AnError), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			b.selectErr = tt.selectErr

			w := serve(newTestServer(b, nil, nil), http.MethodPost, "/api/services/"+tt.serviceID+"/plan", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, []string{"1234=2003"}, b.selected)
			} else {
				assert.Empty(t, b.selected)
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestHandleRefresh(t *testing.T) {
	b := newFakeBackend()
	h := newTestServer(b, nil, nil)

	w := serve(h, http.MethodPost, "/api/services/1234/refresh", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"1234"}, b.refreshed)

	w = serve(h, http.MethodPost, "/api/services/9999/refresh", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleShadow(t *testing.T) {
	tracker := shadowstate.NewTracker()
	pt := shadowstate.NewPlanTracker("launtel", 0)
	pt.RecordSelection("1234", "api", "2003", nil)
	tracker.RegisterPluginProvider("launtel", func() shadowstate.PluginShadowState { return pt.GetState() })

	w := serve(newTestServer(newFakeBackend(), tracker, nil), http.MethodGet, "/api/shadow", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]struct {
		Outputs shadowstate.PlanOutputs `json:"outputs"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	actions := body["launtel"].Outputs.Services["1234"].Actions
	require.Len(t, actions, 1)
	assert.Equal(t, shadowstate.ActionSelection, actions[0].ActionType)
}

func TestHandleMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "launtel_plan_degraded 0\n")
	})

	w := serve(newTestServer(newFakeBackend(), nil, metrics), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "launtel_plan_degraded")
}

func TestHandleSitemap(t *testing.T) {
	h := newTestServer(newFakeBackend(), nil, nil)

	t.Run("root", func(t *testing.T) {
		w := serve(h, http.MethodGet, "/", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "/api/services/{id}/plan")
	})

	t.Run("unknown path", func(t *testing.T) {
		w := serve(h, http.MethodGet, "/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "Available endpoints")
	})

	t.Run("json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		var eps []Endpoint
		require.NoError(t, json.NewDecoder(w.Body).Decode(&eps))
		assert.Len(t, eps, len(endpoints))
	})
}
