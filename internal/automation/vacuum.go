// Package automation reacts to presence transitions. The vacuum controller
// starts a cleaning run a configurable delay after everyone leaves and
// cancels it if someone comes back first.
package automation

import (
	"strconv"
	"sync"
	"time"

	"homepresence/internal/clock"
	"homepresence/internal/ha"
	"homepresence/internal/notify"
	"homepresence/internal/presence"

	"go.uber.org/zap"
)

const defaultStartDelayMinutes = 10

// VacuumController starts the vacuum after a departure delay.
type VacuumController struct {
	manager  *presence.Manager
	hub      ha.Client
	notifier *notify.Notifier
	clock    clock.Clock
	logger   *zap.Logger
	entityID string
	readOnly bool

	mu      sync.Mutex
	pending clock.Timer
}

// NewVacuumController creates the controller. Call Start to hook it into
// the presence manager's transition callbacks.
func NewVacuumController(manager *presence.Manager, hub ha.Client, notifier *notify.Notifier, clk clock.Clock, logger *zap.Logger, entityID string, readOnly bool) *VacuumController {
	return &VacuumController{
		manager:  manager,
		hub:      hub,
		notifier: notifier,
		clock:    clk,
		logger:   logger.Named("vacuum"),
		entityID: entityID,
		readOnly: readOnly,
	}
}

// Start registers the departure and arrival callbacks.
func (c *VacuumController) Start() {
	c.manager.OnDeparture(c.onDeparture)
	c.manager.OnArrival(c.onArrival)
	c.logger.Info("Vacuum automation active", zap.String("entity_id", c.entityID))
}

// Stop cancels any pending cleaning run.
func (c *VacuumController) Stop() {
	c.cancelPending("shutdown")
}

func (c *VacuumController) onDeparture() {
	delay := c.startDelay()

	c.mu.Lock()
	if c.pending != nil {
		c.pending.Stop()
	}
	c.pending = c.clock.AfterFunc(delay, c.startVacuum)
	c.mu.Unlock()

	c.logger.Info("Departure detected, vacuum scheduled",
		zap.Duration("delay", delay))
}

func (c *VacuumController) onArrival() {
	c.cancelPending("arrival")
}

func (c *VacuumController) cancelPending(reason string) {
	c.mu.Lock()
	timer := c.pending
	c.pending = nil
	c.mu.Unlock()

	if timer != nil && timer.Stop() {
		c.logger.Info("Pending vacuum run cancelled", zap.String("reason", reason))
	}
}

// startDelay reads vacuum_start_delay (minutes) from settings, falling
// back to the default when the row is missing or unparseable.
func (c *VacuumController) startDelay() time.Duration {
	settings, err := c.manager.Settings()
	if err != nil {
		c.logger.Warn("Failed to read settings, using default delay", zap.Error(err))
		return defaultStartDelayMinutes * time.Minute
	}
	raw, ok := settings["vacuum_start_delay"]
	if !ok {
		return defaultStartDelayMinutes * time.Minute
	}
	minutes, err := strconv.ParseFloat(raw, 64)
	if err != nil || minutes < 0 {
		c.logger.Warn("Invalid vacuum_start_delay setting", zap.String("value", raw))
		return defaultStartDelayMinutes * time.Minute
	}
	return time.Duration(minutes * float64(time.Minute))
}

func (c *VacuumController) startVacuum() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	if c.readOnly {
		c.logger.Info("Read-only mode, would start vacuum",
			zap.String("entity_id", c.entityID))
		return
	}

	err := c.hub.CallService("vacuum", "start", map[string]interface{}{
		"entity_id": c.entityID,
	})
	if err != nil {
		c.logger.Error("Failed to start vacuum", zap.Error(err))
		c.notifier.SendAlert("Vacuum start failed", err.Error(), notify.SeverityWarning, map[string]interface{}{
			"entity_id": c.entityID,
		})
		return
	}

	c.logger.Info("Vacuum started", zap.String("entity_id", c.entityID))
	c.notifier.SendAlert("Vacuum started", "House is empty, cleaning began", notify.SeverityInfo, map[string]interface{}{
		"entity_id": c.entityID,
	})
}
