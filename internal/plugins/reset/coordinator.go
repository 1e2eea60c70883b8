// Package reset watches a Home Assistant input_boolean and asks every
// resettable plugin to re-read the portal when it is switched on.
package reset

import (
	"fmt"
	"sync"

	"launtelha/internal/ha"

	"go.uber.org/zap"
)

// DefaultEntity is the input_boolean name watched when none is configured
const DefaultEntity = "launtel_refresh"

// Resettable is an interface for plugins that can be reset
type Resettable interface {
	Reset() error
}

// PluginWithName pairs a resettable plugin with its name for logging
type PluginWithName struct {
	Name   string
	Plugin Resettable
}

// Coordinator watches the refresh boolean and orchestrates system-wide resets
type Coordinator struct {
	client       ha.HAClient
	name         string
	logger       *zap.Logger
	readOnly     bool
	plugins      []PluginWithName
	subscription ha.Subscription

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator for input_boolean.<name>
func NewCoordinator(client ha.HAClient, name string, logger *zap.Logger, readOnly bool, plugins []PluginWithName) *Coordinator {
	if name == "" {
		name = DefaultEntity
	}
	return &Coordinator{
		client:   client,
		name:     name,
		logger:   logger.Named("reset"),
		readOnly: readOnly,
		plugins:  plugins,
	}
}

// EntityID is the Home Assistant entity being watched
func (c *Coordinator) EntityID() string {
	return "input_boolean." + c.name
}

// Start begins monitoring the refresh boolean
func (c *Coordinator) Start() error {
	c.logger.Info("Starting Reset Coordinator",
		zap.String("entity_id", c.EntityID()),
		zap.Int("plugin_count", len(c.plugins)),
		zap.Bool("read_only", c.readOnly))

	sub, err := c.client.SubscribeStateChanges(c.EntityID(), c.handleChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.EntityID(), err)
	}
	c.subscription = sub

	c.logger.Info("Reset Coordinator started successfully")
	return nil
}

// Stop cleans up the coordinator and waits for a reset in progress
func (c *Coordinator) Stop() {
	if c.subscription != nil {
		if err := c.subscription.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
		c.subscription = nil
	}
	c.wg.Wait()
	c.logger.Info("Reset Coordinator stopped")
}

// handleChange runs on the Home Assistant event goroutine, which must not
// block on further Home Assistant calls.
func (c *Coordinator) handleChange(entityID string, oldState, newState *ha.State) {
	if newState == nil || newState.State != "on" {
		return
	}
	if oldState != nil && oldState.State == "on" {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.trigger()
	}()
}

func (c *Coordinator) trigger() {
	c.logger.Info("Refresh triggered - coordinating system-wide reset")

	// Turn it back off first so a slow reset cannot be triggered twice
	if !c.readOnly {
		if err := c.client.SetInputBoolean(c.name, false); err != nil {
			c.logger.Error("Failed to turn refresh boolean off", zap.Error(err))
		} else {
			c.logger.Info("Refresh boolean turned off")
		}
	} else {
		c.logger.Info("READ-ONLY: Would turn refresh boolean off")
	}

	c.executeReset()
}

// executeReset calls Reset() on all plugins in order
func (c *Coordinator) executeReset() {
	c.logger.Info("Executing reset on all plugins",
		zap.Int("plugin_count", len(c.plugins)))

	successCount := 0
	errorCount := 0

	for _, p := range c.plugins {
		if err := p.Plugin.Reset(); err != nil {
			c.logger.Error("Failed to reset plugin",
				zap.String("plugin", p.Name),
				zap.Error(err))
			errorCount++
			continue
		}
		c.logger.Debug("Successfully reset plugin", zap.String("plugin", p.Name))
		successCount++
	}

	c.logger.Info("Reset complete",
		zap.Int("success", successCount),
		zap.Int("errors", errorCount),
		zap.Int("total", len(c.plugins)))
}
