// Package launtel implements provider.Client by driving the Launtel
// residential customer portal. The portal has no API, so every operation is a
// sequence of page loads on a cookie session and the answers are scraped from
// the returned HTML.
package launtel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"launtelha/internal/provider"

	"go.uber.org/zap"
)

// DefaultBaseURL is the residential portal
const DefaultBaseURL = "https://residential.launtel.net.au"

// UnknownPlanID is reported as the pending plan when the portal shows a
// change in progress but the target cannot be worked out.
const UnknownPlanID = "unknown"

const maxBodyBytes = 4 << 20

// Config holds the portal connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// RequestObserver is called after every portal round trip.
type RequestObserver func(op string, statusCode int, duration time.Duration, err error)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Jar is replaced with a fresh
// cookie jar on every login.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRequestObserver registers a callback for request metrics.
func WithRequestObserver(o RequestObserver) Option {
	return func(c *Client) { c.observer = o }
}

// Client talks to the portal on behalf of one account.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	logger   *zap.Logger
	observer RequestObserver

	// sessionMu serializes logins and guards the credentials
	sessionMu sync.Mutex
	username  string
	password  string
	loggedIn  bool

	// mu guards the per-service caches
	mu        sync.Mutex
	services  map[string]provider.Service
	pages     map[string]planPage // keyed by AVC id
	requested map[string]string   // service id -> last requested psid
	last      map[string]provider.PlanStatus
}

// NewClient creates a portal client. Nothing is sent until the first call.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid portal url %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    logger.Named("launtel"),
		username:  cfg.Username,
		password:  cfg.Password,
		services:  make(map[string]provider.Service),
		pages:     make(map[string]planPage),
		requested: make(map[string]string),
		last:      make(map[string]provider.PlanStatus),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetCredentials replaces the account credentials and drops the session.
func (c *Client) SetCredentials(username, password string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.username = username
	c.password = password
	c.loggedIn = false
	c.logger.Info("Portal credentials replaced, session reset")
}

// Login authenticates against the portal if no session exists yet.
func (c *Client) Login(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}
	if c.username == "" || c.password == "" {
		return provider.NewError(provider.KindAuth, "login", errors.New("credentials not configured"))
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	c.http.Jar = jar

	form := url.Values{"username": {c.username}, "password": {c.password}}
	status, body, err := c.do(ctx, "login", http.MethodPost, c.endpoint("login", nil),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	if status >= 400 || containsLoginForm(body) {
		c.logger.Warn("Portal login rejected", zap.Int("status", status))
		return provider.NewError(provider.KindAuth, "login",
			fmt.Errorf("authentication failed with status %d", status))
	}

	c.loggedIn = true
	c.logger.Debug("Logged in to portal")
	return nil
}

// get loads a portal page, logging in first. A page that bounces back to the
// login form means the session expired; the client logs in again once.
func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	return c.fetch(ctx, op, http.MethodGet, path, query, nil)
}

func (c *Client) fetch(ctx context.Context, op, method, path string, query, form url.Values) ([]byte, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := c.loginLocked(ctx); err != nil {
			return nil, err
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		status, data, err := c.do(ctx, op, method, c.endpoint(path, query), body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden || containsLoginForm(data) {
			c.loggedIn = false
			if attempt == 0 {
				c.logger.Info("Portal session expired, logging in again", zap.String("op", op))
				continue
			}
			return nil, provider.NewError(provider.KindAuth, op,
				fmt.Errorf("portal returned the login form (status %d)", status))
		}
		if err := classifyStatus(op, status); err != nil {
			return nil, err
		}
		return data, nil
	}
}

func (c *Client) do(ctx context.Context, op, method, target string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, provider.NewError(provider.KindProtocol, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(op, 0, start, err)
		return 0, nil, provider.NewError(provider.KindTransient, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.observe(op, resp.StatusCode, start, err)
	if err != nil {
		return 0, nil, provider.NewError(provider.KindTransient, op, fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug("Portal request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp.StatusCode, data, nil
}

func (c *Client) observe(op string, status int, start time.Time, err error) {
	if c.observer != nil {
		c.observer(op, status, time.Since(start), err)
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// classifyStatus maps an HTTP status onto the provider error kinds.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 400:
		return nil
	case status == http.StatusConflict:
		return provider.NewError(provider.KindConflict, op, fmt.Errorf("portal returned status %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return provider.NewError(provider.KindTransient, op, fmt.Errorf("portal returned status %d", status))
	default:
		return provider.NewError(provider.KindProtocol, op, fmt.Errorf("portal returned status %d", status))
	}
}

// ListServices returns every service card on the account.
func (c *Client) ListServices(ctx context.Context) ([]provider.Service, error) {
	data, err := c.get(ctx, "list services", "services", nil)
	if err != nil {
		return nil, err
	}
	services, err := parseServices(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, s := range services {
		c.services[s.ID] = s
	}
	c.mu.Unlock()
	return services, nil
}

// FetchBalance returns the account balance. The boolean is false when the
// page carries no balance.
func (c *Client) FetchBalance(ctx context.Context) (float64, bool, error) {
	data, err := c.get(ctx, "fetch balance", "services", nil)
	if err != nil {
		return 0, false, err
	}
	return parseBalance(bytes.NewReader(data))
}

// FetchCatalog returns the plans offered for a service.
func (c *Client) FetchCatalog(ctx context.Context, serviceID string) (provider.Catalog, error) {
	svc, err := c.service(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	page, err := c.fetchPlanPage(ctx, svc.AVCID)
	if err != nil {
		return nil, err
	}
	return page.Catalog, nil
}

// FetchCatalogByAVC returns the plans and current plan id for an AVC id.
func (c *Client) FetchCatalogByAVC(ctx context.Context, avcID string) (provider.Catalog, string, error) {
	page, err := c.fetchPlanPage(ctx, avcID)
	if err != nil {
		return nil, "", err
	}
	return page.Catalog, page.CurrentPlanID, nil
}

func (c *Client) fetchPlanPage(ctx context.Context, avcID string) (planPage, error) {
	data, err := c.get(ctx, "fetch plans", "service", url.Values{"avcid": {avcID}})
	if err != nil {
		return planPage{}, err
	}
	page, err := parsePlanPage(bytes.NewReader(data))
	if err != nil {
		return planPage{}, err
	}
	if len(page.Catalog) == 0 {
		return planPage{}, provider.NewError(provider.KindProtocol, "fetch plans",
			fmt.Errorf("no plans listed for avc %s", avcID))
	}

	c.mu.Lock()
	c.pages[avcID] = page
	c.mu.Unlock()
	return page, nil
}

// service returns the card for serviceID, refreshing the service list when
// it has not been seen yet.
func (c *Client) service(ctx context.Context, serviceID string) (provider.Service, error) {
	c.mu.Lock()
	svc, ok := c.services[serviceID]
	c.mu.Unlock()
	if ok {
		return svc, nil
	}

	if _, err := c.ListServices(ctx); err != nil {
		return provider.Service{}, err
	}
	c.mu.Lock()
	svc, ok = c.services[serviceID]
	c.mu.Unlock()
	if !ok {
		return provider.Service{}, provider.NewError(provider.KindProtocol, "lookup service",
			fmt.Errorf("service %s not found on account", serviceID))
	}
	return svc, nil
}

// freshCard reloads the services page and returns the card for serviceID.
// The boolean is false when the card is currently missing from the page.
func (c *Client) freshCard(ctx context.Context, serviceID string) (provider.Service, bool, error) {
	services, err := c.ListServices(ctx)
	if err != nil {
		return provider.Service{}, false, err
	}
	for _, s := range services {
		if s.ID == serviceID {
			return s, true, nil
		}
	}
	return provider.Service{}, false, nil
}

// FetchStatus combines the service card and the modify page into a status.
func (c *Client) FetchStatus(ctx context.Context, serviceID string) (provider.PlanStatus, error) {
	card, found, err := c.freshCard(ctx, serviceID)
	if err != nil {
		return provider.PlanStatus{}, err
	}
	if !found {
		return c.missingCardStatus(serviceID)
	}

	page, err := c.fetchPlanPage(ctx, card.AVCID)
	if err == nil && page.CurrentPlanID == "" {
		err = provider.NewError(provider.KindProtocol, "fetch status",
			fmt.Errorf("current plan not found for service %s", serviceID))
	}
	if err != nil {
		// The modify page is often unusable while a change is applied.
		if card.ChangeInProgress && errors.Is(err, provider.ErrProtocol) {
			return c.changingStatus(serviceID, card, err)
		}
		return provider.PlanStatus{}, err
	}

	status := provider.PlanStatus{
		CurrentPlanID: page.CurrentPlanID,
		AsOf:          time.Now(),
	}
	if plan, ok := page.Catalog.Lookup(page.CurrentPlanID); ok {
		status.CurrentPlanLabel = plan.Label
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if card.ChangeInProgress {
		status.PendingPlanID = c.pendingTargetLocked(serviceID, card, page)
	} else {
		delete(c.requested, serviceID)
	}
	c.last[serviceID] = status
	return status, nil
}

// pendingTargetLocked works out where an in-progress change is heading: the
// plan this client last requested, or else the catalog plan matching the
// speed tier shown on the card.
func (c *Client) pendingTargetLocked(serviceID string, card provider.Service, page planPage) string {
	if target, ok := c.requested[serviceID]; ok && target != page.CurrentPlanID {
		return target
	}
	if speed := speedOf(card.SpeedLabel); speed != "" {
		for _, p := range page.Catalog {
			if p.Speed == speed && p.ID != page.CurrentPlanID {
				return p.ID
			}
		}
	}
	c.logger.Warn("Change in progress with unknown target", zap.String("service_id", serviceID))
	return UnknownPlanID
}

// changingStatus reports a change in progress from what was last known about
// the service when the modify page cannot be read.
func (c *Client) changingStatus(serviceID string, card provider.Service, cause error) (provider.PlanStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, havePage := c.pages[card.AVCID]
	if !havePage || cached.CurrentPlanID == "" {
		cached = planPage{}
	}
	status, ok := c.last[serviceID]
	if !ok {
		if cached.CurrentPlanID == "" {
			return provider.PlanStatus{}, provider.NewError(provider.KindTransient, "fetch status",
				fmt.Errorf("change in progress for service %s with no known plan: %w", serviceID, cause))
		}
		status = provider.PlanStatus{CurrentPlanID: cached.CurrentPlanID}
		if plan, ok := cached.Catalog.Lookup(cached.CurrentPlanID); ok {
			status.CurrentPlanLabel = plan.Label
		}
	}
	cached.CurrentPlanID = status.CurrentPlanID

	status.AsOf = time.Now()
	if status.PendingPlanID == "" || status.PendingPlanID == UnknownPlanID {
		status.PendingPlanID = c.pendingTargetLocked(serviceID, card, cached)
	}
	c.last[serviceID] = status
	c.logger.Debug("Modify page unusable, assuming change in progress",
		zap.String("service_id", serviceID),
		zap.String("pending_plan", status.PendingPlanID),
		zap.Error(cause))
	return status, nil
}

// missingCardStatus handles a service card that disappeared from the page,
// which the portal does while it applies a change.
func (c *Client) missingCardStatus(serviceID string) (provider.PlanStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[serviceID]
	if !ok {
		return provider.PlanStatus{}, provider.NewError(provider.KindTransient, "fetch status",
			fmt.Errorf("service %s missing from services page", serviceID))
	}

	status := last
	status.AsOf = time.Now()
	if status.PendingPlanID == "" {
		if target, ok := c.requested[serviceID]; ok && target != status.CurrentPlanID {
			status.PendingPlanID = target
		} else {
			status.PendingPlanID = UnknownPlanID
		}
	}
	c.logger.Debug("Service card missing, assuming change in progress",
		zap.String("service_id", serviceID),
		zap.String("pending_plan", status.PendingPlanID))
	return status, nil
}

// RequestChange submits a plan change through the portal's confirm flow.
func (c *Client) RequestChange(ctx context.Context, serviceID, targetPlanID string) (provider.ChangeAck, error) {
	card, found, err := c.freshCard(ctx, serviceID)
	if err != nil {
		return provider.ChangeAck{}, err
	}
	if !found {
		return provider.ChangeAck{}, provider.NewError(provider.KindTransient, "request change",
			fmt.Errorf("service %s missing from services page", serviceID))
	}

	if card.ChangeInProgress {
		c.mu.Lock()
		requested := c.requested[serviceID]
		c.mu.Unlock()
		if requested == targetPlanID {
			return provider.ChangeAck{Accepted: true, TargetPlanID: targetPlanID}, nil
		}
		return provider.ChangeAck{}, provider.NewError(provider.KindConflict, "request change",
			fmt.Errorf("service %s already has a change in progress", serviceID))
	}

	page, err := c.fetchPlanPage(ctx, card.AVCID)
	if err != nil {
		return provider.ChangeAck{}, err
	}
	if _, ok := page.Catalog.Lookup(targetPlanID); !ok {
		return provider.ChangeAck{}, provider.NewError(provider.KindProtocol, "request change",
			fmt.Errorf("plan %s is not offered for service %s", targetPlanID, serviceID))
	}

	query := url.Values{
		"userid":          {card.UserID},
		"psid":            {targetPlanID},
		"unpause":         {"0"},
		"service_id":      {serviceID},
		"upgrade_options": {""},
		"discount_code":   {""},
		"avcid":           {card.AVCID},
		"locid":           {page.LocID},
		"coat":            {"0"},
	}
	if _, err := c.get(ctx, "confirm change", "confirm_service", query); err != nil {
		return provider.ChangeAck{}, err
	}

	form := url.Values{
		"userid":                     {card.UserID},
		"psid":                       {targetPlanID},
		"locid":                      {page.LocID},
		"avcid":                      {card.AVCID},
		"unpause":                    {"0"},
		"scheduleddt":                {""},
		"coat":                       {"0"},
		"new_service_payment_option": {""},
	}
	if _, err := c.fetch(ctx, "submit change", http.MethodPost, "confirm_service",
		url.Values{"userid": {card.UserID}}, form); err != nil {
		return provider.ChangeAck{}, err
	}

	c.mu.Lock()
	c.requested[serviceID] = targetPlanID
	c.mu.Unlock()

	c.logger.Info("Plan change submitted",
		zap.String("service_id", serviceID),
		zap.String("target_plan", targetPlanID))
	return provider.ChangeAck{Accepted: true, TargetPlanID: targetPlanID}, nil
}
