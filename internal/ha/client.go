// Package ha is a minimal Home Assistant WebSocket API client: authenticate,
// call services, read states and follow state_changed events.
package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

// HAClient is the part of the Home Assistant API the integration uses
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	CallService(domain, service string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SetInputBoolean(name string, value bool) error
	SetInputText(name string, value string) error
	SetInputSelectOptions(name string, options []string) error
	SelectInputOption(name string, option string) error
}

// Client implements HAClient over a single WebSocket connection
type Client struct {
	url            string
	token          string
	logger         *zap.Logger
	requestTimeout time.Duration

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool
	ctx       context.Context
	cancel    context.CancelFunc

	// writeMu serializes frames; gorilla connections allow one writer
	writeMu sync.Mutex

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message

	subscribers *subscriberSet
}

// NewClient creates a client for the given ws:// or wss:// URL
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:            url,
		token:          token,
		logger:         logger.Named("ha"),
		requestTimeout: defaultRequestTimeout,
		pending:        make(map[int]chan Message),
		subscribers:    newSubscriberSet(),
		ctx:            ctx,
		cancel:         cancel,
		reconnect:      true,
	}
}

// SetRequestTimeout changes how long a command waits for its result
func (c *Client) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		c.requestTimeout = d
	}
}

// Connect dials, authenticates and subscribes to state_changed events
func (c *Client) Connect() error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, err := c.handshake()
	if err != nil {
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages(conn)
	c.connMu.Unlock()

	if err := c.subscribeToStateChanges(); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	return nil
}

// handshake runs the auth_required / auth / auth_ok exchange
func (c *Client) handshake() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	fail := func(err error) (*websocket.Conn, error) {
		conn.Close()
		return nil, err
	}

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return fail(fmt.Errorf("failed to read auth_required: %w", err))
	}
	if hello.Type != "auth_required" {
		return fail(fmt.Errorf("expected auth_required, got %s", hello.Type))
	}

	c.writeMu.Lock()
	err = conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fail(fmt.Errorf("failed to send auth: %w", err))
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return fail(fmt.Errorf("failed to read auth response: %w", err))
	}
	switch reply.Type {
	case "auth_ok":
		return conn, nil
	case "auth_invalid":
		return fail(fmt.Errorf("authentication failed: invalid token"))
	default:
		return fail(fmt.Errorf("expected auth_ok, got %s", reply.Type))
	}
}

// Disconnect closes the connection and drops all subscriptions
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()
	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.subscribers.clear()
	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected reports whether the connection is up
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// send writes a command and waits for the matching result frame
func (c *Client) send(id int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	conn, ctx := c.conn, c.ctx
	connected := c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(c.requestTimeout):
		return nil, fmt.Errorf("timeout waiting for response to message %d", id)
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.connMu.RLock()
			closing := !c.reconnect
			c.connMu.RUnlock()
			if !closing {
				c.logger.Error("Failed to read message", zap.Error(err))
			}
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var data StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}
	c.subscribers.notify(data.EntityID, data.OldState, data.NewState)
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	reconnect := c.reconnect
	ctx := c.ctx
	c.connMu.Unlock()

	if !reconnect {
		return
	}
	c.logger.Warn("Connection lost, reconnecting")
	go c.attemptReconnect(ctx)
}

// attemptReconnect retries Connect with exponential backoff until it
// succeeds or the client is disconnected.
func (c *Client) attemptReconnect(ctx context.Context) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)

	err := backoff.RetryNotify(func() error {
		c.connMu.RLock()
		stop := !c.reconnect
		c.connMu.RUnlock()
		if stop {
			return backoff.Permanent(fmt.Errorf("reconnect cancelled"))
		}
		return c.Connect()
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		c.logger.Warn("Reconnection failed", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		c.logger.Info("Gave up reconnecting", zap.Error(err))
		return
	}
	c.logger.Info("Reconnected successfully")
}

func (c *Client) subscribeToStateChanges() error {
	id := c.nextMsgID()
	_, err := c.send(id, &SubscribeEventsRequest{ID: id, Type: "subscribe_events", EventType: "state_changed"})
	return err
}

// GetState returns the state of one entity
func (c *Client) GetState(entityID string) (*State, error) {
	id := c.nextMsgID()
	resp, err := c.send(id, &GetStatesRequest{ID: id, Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	for _, s := range states {
		if s.EntityID == entityID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("entity %s not found", entityID)
}

// CallService calls a Home Assistant service
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	id := c.nextMsgID()
	_, err := c.send(id, &CallServiceRequest{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to call %s.%s: %w", domain, service, err)
	}
	return nil
}

// SubscribeStateChanges registers handler for changes of entityID
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return c.subscribers.add(entityID, handler), nil
}

// SetInputBoolean turns input_boolean.<name> on or off
func (c *Client) SetInputBoolean(name string, value bool) error {
	return c.CallService("input_boolean", inputBooleanService(value), map[string]interface{}{
		"entity_id": "input_boolean." + name,
	})
}

// SetInputText sets input_text.<name>
func (c *Client) SetInputText(name string, value string) error {
	return c.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": "input_text." + name,
		"value":     truncateInputText(value),
	})
}

// SetInputSelectOptions replaces the options of input_select.<name>
func (c *Client) SetInputSelectOptions(name string, options []string) error {
	return c.CallService("input_select", "set_options", map[string]interface{}{
		"entity_id": "input_select." + name,
		"options":   options,
	})
}

// SelectInputOption selects an option of input_select.<name>
func (c *Client) SelectInputOption(name string, option string) error {
	return c.CallService("input_select", "select_option", map[string]interface{}{
		"entity_id": "input_select." + name,
		"option":    option,
	})
}

func inputBooleanService(on bool) string {
	if on {
		return "turn_on"
	}
	return "turn_off"
}

// input_text entities reject values longer than 255 characters
const maxInputTextLen = 255

func truncateInputText(v string) string {
	r := []rune(v)
	if len(r) <= maxInputTextLen {
		return v
	}
	return string(r[:maxInputTextLen])
}
