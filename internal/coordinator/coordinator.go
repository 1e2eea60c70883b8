// Package coordinator schedules polls for one plan machine. It sleeps until
// the machine's NextPollAt, polls, tells its listeners, and repeats until
// stopped. A manual refresh polls immediately; Reschedule only re-reads
// NextPollAt, which callers use after a plan change request moved it.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"launtelha/internal/clock"
	"launtelha/internal/planmachine"

	"go.uber.org/zap"
)

// DefaultPollTimeout bounds a single poll
const DefaultPollTimeout = 60 * time.Second

// Listener receives the machine state after every poll
type Listener func(planmachine.State)

// Coordinator drives a single machine
type Coordinator struct {
	machine     *planmachine.Machine
	clock       clock.Clock
	logger      *zap.Logger
	pollTimeout time.Duration

	listenersMu sync.RWMutex
	listeners   []Listener

	refreshChan    chan struct{}
	rescheduleChan chan struct{}
	stopChan       chan struct{}
	stoppedChan    chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// New creates a coordinator. Start must be called to begin polling.
func New(machine *planmachine.Machine, clk clock.Clock, logger *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		machine:        machine,
		clock:          clk,
		logger:         logger.Named("coordinator").With(zap.String("service_id", machine.ServiceID())),
		pollTimeout:    DefaultPollTimeout,
		refreshChan:    make(chan struct{}, 1),
		rescheduleChan: make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
		stoppedChan:    make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetPollTimeout overrides the per-poll timeout. Call before Start.
func (c *Coordinator) SetPollTimeout(d time.Duration) {
	if d > 0 {
		c.pollTimeout = d
	}
}

// Machine returns the coordinated machine
func (c *Coordinator) Machine() *planmachine.Machine {
	return c.machine
}

// AddListener registers a callback run after every poll.
func (c *Coordinator) AddListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start launches the polling goroutine. The first poll runs immediately.
func (c *Coordinator) Start() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started {
		return fmt.Errorf("coordinator for service %s already started", c.machine.ServiceID())
	}
	if c.stopped {
		return fmt.Errorf("coordinator for service %s already stopped", c.machine.ServiceID())
	}
	c.started = true

	go c.run()
	c.logger.Info("Coordinator started")
	return nil
}

// Stop cancels any in-flight poll, waits for the goroutine and closes the
// machine.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	c.machine.Close()
	c.cancel()

	if c.started {
		close(c.stopChan)
		<-c.stoppedChan
	}
	c.logger.Info("Coordinator stopped")
}

// Refresh requests an immediate poll. Requests made while one is already
// queued are merged.
func (c *Coordinator) Refresh() {
	select {
	case c.refreshChan <- struct{}{}:
	default:
	}
}

// Reschedule makes the loop recompute its wait from the machine's
// NextPollAt without polling.
func (c *Coordinator) Reschedule() {
	select {
	case c.rescheduleChan <- struct{}{}:
	default:
	}
}

// UpdateCredentials passes fresh credentials to the machine and polls.
func (c *Coordinator) UpdateCredentials(username, password string) error {
	if err := c.machine.UpdateCredentials(username, password); err != nil {
		return err
	}
	c.Refresh()
	return nil
}

func (c *Coordinator) run() {
	defer close(c.stoppedChan)

	for {
		var wait <-chan time.Time
		s := c.machine.Snapshot()
		if !s.AuthRequired && !s.NextPollAt.IsZero() {
			wait = c.clock.After(s.NextPollAt.Sub(c.clock.Now()))
		}

		select {
		case <-wait:
			c.poll("scheduled")
		case <-c.refreshChan:
			c.poll("refresh")
		case <-c.rescheduleChan:
		case <-c.stopChan:
			return
		}
	}
}

func (c *Coordinator) poll(trigger string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.pollTimeout)
	defer cancel()

	if err := c.machine.Poll(ctx); err != nil {
		c.logger.Warn("Poll halted", zap.String("trigger", trigger), zap.Error(err))
	}
	if c.machine.Closed() {
		return
	}

	s := c.machine.Snapshot()
	c.logger.Debug("Poll complete",
		zap.String("trigger", trigger),
		zap.String("phase", string(s.Phase)),
		zap.Bool("degraded", s.Degraded),
		zap.Time("next_poll_at", s.NextPollAt))

	c.listenersMu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMu.RUnlock()
	for _, l := range listeners {
		l(s)
	}
}
