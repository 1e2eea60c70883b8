// Package events publishes plan machine transitions to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"launtelha/internal/planmachine"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured
const DefaultSubjectPrefix = "launtel"

// Conn is the part of *nats.Conn the publisher needs
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	IsClosed() bool
}

// Publisher sends each transition as JSON on
// <prefix>.<service_id>.transition.
type Publisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// Connect dials the NATS server at url and keeps reconnecting forever
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	logger = logger.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher wraps conn. An empty prefix falls back to DefaultSubjectPrefix.
func NewPublisher(conn Conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject transitions of serviceID are published on
func (p *Publisher) Subject(serviceID string) string {
	return p.prefix + "." + serviceID + ".transition"
}

// HandleTransition publishes t. It matches planmachine.TransitionHandler and
// never blocks on the network: nats buffers while disconnected.
func (p *Publisher) HandleTransition(t planmachine.Transition) {
	if err := p.Publish(t); err != nil {
		p.logger.Warn("Failed to publish transition",
			zap.String("service_id", t.ServiceID),
			zap.Error(err))
	}
}

// Publish encodes and sends a single transition
func (p *Publisher) Publish(t planmachine.Transition) error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transition: %w", err)
	}
	subject := p.Subject(t.ServiceID)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", subject, err)
	}
	p.logger.Debug("Published transition", zap.String("subject", subject))
	return nil
}

// Close drains outstanding messages and closes the connection
func (p *Publisher) Close() {
	if p.conn == nil || p.conn.IsClosed() {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}
}
