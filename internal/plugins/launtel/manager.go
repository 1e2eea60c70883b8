// Package launtel runs one plan machine per service of a Launtel account and
// mirrors each into Home Assistant, metrics, events and the HTTP API.
package launtel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"launtelha/internal/api"
	"launtelha/internal/clock"
	"launtelha/internal/config"
	"launtelha/internal/coordinator"
	"launtelha/internal/entity"
	"launtelha/internal/events"
	"launtelha/internal/ha"
	"launtelha/internal/metrics"
	"launtelha/internal/planmachine"
	"launtelha/internal/shadowstate"
	"launtelha/pkg/plugin"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PluginName is the registry and shadow state name
const PluginName = "launtel"

const (
	startTimeout   = 2 * time.Minute
	requestTimeout = 60 * time.Second

	sourceAPI           = "api"
	sourceHomeAssistant = "home_assistant"
)

// instance is everything that exists for one managed service
type instance struct {
	id          string
	prefix      string
	machine     *planmachine.Machine
	coordinator *coordinator.Coordinator
	adapter     *entity.Adapter
	publisher   *entity.Publisher
}

// Manager owns the instances of one account
type Manager struct {
	portal   plugin.Portal
	haClient ha.HAClient
	cfg      *config.Config
	clock    clock.Clock
	logger   *zap.Logger
	readOnly bool

	metrics *metrics.Metrics
	events  *events.Publisher
	tracker *shadowstate.PlanTracker

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string
	balance   *float64
	looping   bool

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewManager creates a manager from the plugin context. Nothing talks to the
// portal until Start.
func NewManager(ctx *plugin.Context) (*Manager, error) {
	if ctx.Portal == nil {
		return nil, fmt.Errorf("%s plugin requires a portal client", PluginName)
	}
	if ctx.Config == nil {
		return nil, fmt.Errorf("%s plugin requires a config", PluginName)
	}
	clk := ctx.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Manager{
		portal:      ctx.Portal,
		haClient:    ctx.HAClient,
		cfg:         ctx.Config,
		clock:       clk,
		logger:      ctx.Logger.Named(PluginName),
		readOnly:    ctx.ReadOnly,
		metrics:     ctx.Metrics,
		events:      ctx.Events,
		tracker:     shadowstate.NewPlanTracker(PluginName, 0),
		instances:   make(map[string]*instance),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}, nil
}

// Start resolves the services to manage, fetches their catalogs and starts
// one coordinator per service.
func (m *Manager) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	ids, err := m.serviceIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no services found on the account")
	}

	m.refreshBalance(ctx)

	for _, id := range ids {
		inst, err := m.newInstance(ctx, m.cfg.Service(id))
		if err != nil {
			m.Stop()
			return fmt.Errorf("failed to set up service %s: %w", id, err)
		}
		m.mu.Lock()
		m.instances[id] = inst
		m.order = append(m.order, id)
		m.mu.Unlock()

		if inst.publisher != nil {
			if err := inst.publisher.Start(); err != nil {
				m.Stop()
				return fmt.Errorf("failed to publish entities for service %s: %w", id, err)
			}
		}
		if err := inst.coordinator.Start(); err != nil {
			m.Stop()
			return err
		}
	}

	m.mu.Lock()
	m.looping = true
	m.mu.Unlock()
	go m.balanceLoop()

	m.logger.Info("Launtel plugin started",
		zap.Strings("services", ids),
		zap.Bool("read_only", m.readOnly),
		zap.Bool("home_assistant", m.haClient != nil))
	return nil
}

// serviceIDs returns the configured services, or every service on the
// account when none are configured.
func (m *Manager) serviceIDs(ctx context.Context) ([]string, error) {
	if len(m.cfg.Services) > 0 {
		ids := make([]string, 0, len(m.cfg.Services))
		for _, svc := range m.cfg.Services {
			ids = append(ids, svc.ID)
		}
		return ids, nil
	}

	services, err := m.portal.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	ids := make([]string, 0, len(services))
	for _, svc := range services {
		m.logger.Info("Discovered service",
			zap.String("service_id", svc.ID),
			zap.String("name", svc.DisplayName))
		ids = append(ids, svc.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// instanceLogger tags logs with the service and keeps debug output for
// services that asked for it.
func (m *Manager) instanceLogger(svc config.ServiceConfig) *zap.Logger {
	logger := m.logger.With(zap.String("service_id", svc.ID))
	if !svc.Debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	return logger
}

func (m *Manager) newInstance(ctx context.Context, svc config.ServiceConfig) (*instance, error) {
	logger := m.instanceLogger(svc)

	catalog, err := m.portal.FetchCatalog(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch plan catalog: %w", err)
	}
	logger.Debug("Plan catalog loaded", zap.Strings("plans", catalog.Labels()))

	machine, err := planmachine.New(svc.ID, m.portal,
		planmachine.WithPolicy(m.cfg.Policy.Policy()),
		planmachine.WithClock(m.clock),
		planmachine.WithLogger(logger),
		planmachine.WithTransitionHandler(m.handleTransition),
	)
	if err != nil {
		return nil, err
	}

	inst := &instance{
		id:          svc.ID,
		prefix:      svc.EntityPrefix(),
		machine:     machine,
		coordinator: coordinator.New(machine, m.clock, logger),
		adapter:     entity.NewAdapter(machine, catalog, logger),
	}
	inst.coordinator.SetPollTimeout(requestTimeout)

	m.mu.RLock()
	if m.balance != nil {
		inst.adapter.SetBalance(*m.balance)
	}
	m.mu.RUnlock()

	if m.haClient != nil {
		inst.publisher = entity.NewPublisher(m.haClient, inst.adapter, inst.prefix, m.readOnly, logger)
		inst.publisher.OnSelection(func(label string, err error) {
			planID := label
			if plan, ok := catalog.LookupLabel(label); ok {
				planID = plan.ID
			}
			m.recordSelection(inst, sourceHomeAssistant, planID, err)
		})
	}

	inst.coordinator.AddListener(func(s planmachine.State) {
		if m.metrics != nil {
			m.metrics.ObserveState(s)
		}
		m.tracker.UpdateState(s)
		if inst.publisher != nil {
			inst.publisher.Render()
		}
	})
	return inst, nil
}

// handleTransition runs inside machine operations and must not call back
// into the machine.
func (m *Manager) handleTransition(t planmachine.Transition) {
	if m.metrics != nil {
		m.metrics.ObserveTransition(t)
	}
	if m.events != nil {
		m.events.HandleTransition(t)
	}
	m.tracker.RecordTransition(t)
}

// recordSelection notes the outcome of a selection and, when accepted,
// moves the coordinator onto the pending cadence.
func (m *Manager) recordSelection(inst *instance, source, planID string, err error) {
	m.tracker.RecordSelection(inst.id, source, planID, err)
	if err != nil {
		return
	}
	m.tracker.UpdateState(inst.machine.Snapshot())
	inst.coordinator.Reschedule()
}

// Stop stops every instance and the balance loop
func (m *Manager) Stop() {
	m.mu.Lock()
	select {
	case <-m.stopChan:
		m.mu.Unlock()
		return
	default:
		close(m.stopChan)
	}
	instances := make([]*instance, 0, len(m.order))
	for _, id := range m.order {
		instances = append(instances, m.instances[id])
	}
	looping := m.looping
	m.mu.Unlock()

	for _, inst := range instances {
		if inst.publisher != nil {
			inst.publisher.Stop()
		}
		inst.coordinator.Stop()
	}
	if looping {
		<-m.stoppedChan
	}
	m.logger.Info("Launtel plugin stopped", zap.Int("services", len(instances)))
}

// balanceLoop refreshes the account balance on the stable cadence
func (m *Manager) balanceLoop() {
	defer close(m.stoppedChan)
	interval := m.cfg.Policy.Policy().StableInterval

	for {
		select {
		case <-m.clock.After(interval):
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			m.refreshBalance(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) refreshBalance(ctx context.Context) {
	balance, ok, err := m.portal.FetchBalance(ctx)
	if err != nil {
		m.logger.Warn("Failed to fetch account balance", zap.Error(err))
		return
	}
	if !ok {
		m.logger.Debug("Portal shows no account balance")
		return
	}

	m.mu.Lock()
	m.balance = &balance
	instances := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetBalance(balance)
	}
	for _, inst := range instances {
		inst.adapter.SetBalance(balance)
	}
	m.logger.Debug("Account balance updated", zap.Float64("balance", balance))
}

// Reset polls every service now and re-reads the balance
func (m *Manager) Reset() error {
	m.logger.Info("Refreshing all services")
	for _, inst := range m.snapshotInstances() {
		inst.coordinator.Refresh()
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	m.refreshBalance(ctx)
	return nil
}

// UpdateCredentials hands fresh portal credentials to every service and
// resumes polling where it was halted by an authentication failure.
func (m *Manager) UpdateCredentials(username, password string) error {
	for _, inst := range m.snapshotInstances() {
		if err := inst.coordinator.UpdateCredentials(username, password); err != nil {
			return fmt.Errorf("failed to update credentials for service %s: %w", inst.id, err)
		}
	}
	m.logger.Info("Portal credentials updated")
	return nil
}

// GetShadowState returns the decision history of every service
func (m *Manager) GetShadowState() *shadowstate.PlanShadowState {
	return m.tracker.GetState()
}

func (m *Manager) snapshotInstances() []*instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*instance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id])
	}
	return out
}

func (m *Manager) instance(id string) (*instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

func (inst *instance) view() api.ServiceView {
	return api.ServiceView{
		ServiceID: inst.id,
		Prefix:    inst.prefix,
		State:     inst.machine.Snapshot(),
		Status:    inst.adapter.Status(),
		Selector:  inst.adapter.Selector(),
	}
}

// Services implements api.Backend
func (m *Manager) Services() []api.ServiceView {
	instances := m.snapshotInstances()
	views := make([]api.ServiceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, inst.view())
	}
	return views
}

// Service implements api.Backend
func (m *Manager) Service(id string) (api.ServiceView, bool) {
	inst, ok := m.instance(id)
	if !ok {
		return api.ServiceView{}, false
	}
	return inst.view(), true
}

// SelectPlan implements api.Backend
func (m *Manager) SelectPlan(ctx context.Context, serviceID, planID string) error {
	inst, ok := m.instance(serviceID)
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownService, serviceID)
	}
	if m.readOnly {
		m.logger.Info("READ-ONLY: would request plan change",
			zap.String("service_id", serviceID),
			zap.String("plan_id", planID))
		return api.ErrReadOnly
	}

	err := inst.adapter.Select(ctx, planID)
	m.recordSelection(inst, sourceAPI, planID, err)
	if inst.publisher != nil {
		inst.publisher.Render()
	}
	return err
}

// Refresh implements api.Backend
func (m *Manager) Refresh(serviceID string) error {
	inst, ok := m.instance(serviceID)
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownService, serviceID)
	}
	inst.coordinator.Refresh()
	return nil
}
