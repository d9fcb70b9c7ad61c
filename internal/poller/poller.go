// Package poller keeps the presence manager reconciled with the hub. It
// discovers trackers on startup, subscribes to their state changes for push
// updates, and runs a periodic sweep that re-syncs every tracker and expires
// stale manual overrides.
package poller

import (
	"fmt"
	"sync"
	"time"

	"homepresence/internal/ha"
	"homepresence/internal/presence"

	"go.uber.org/zap"
)

// Poller drives periodic and event-driven presence reconciliation.
type Poller struct {
	manager  *presence.Manager
	hub      ha.Client
	logger   *zap.Logger
	interval time.Duration

	mu            sync.Mutex
	subscriptions map[string]ha.Subscription
	stopChan      chan struct{}
	stoppedChan   chan struct{}
	running       bool
}

// NewPoller creates a poller running a sweep every interval.
func NewPoller(manager *presence.Manager, hub ha.Client, logger *zap.Logger, interval time.Duration) *Poller {
	return &Poller{
		manager:       manager,
		hub:           hub,
		logger:        logger.Named("poller"),
		interval:      interval,
		subscriptions: make(map[string]ha.Subscription),
	}
}

// Start discovers trackers, performs an initial sync, subscribes to tracker
// state changes, and launches the periodic sweep loop.
func (p *Poller) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.stoppedChan = make(chan struct{})
	p.mu.Unlock()

	p.manager.DiscoverHATrackers()
	synced := p.manager.SyncAllFromHA()
	p.logger.Info("Initial tracker sync complete", zap.Int("synced", synced))

	p.refreshSubscriptions()

	go p.run()
	return nil
}

// Stop terminates the sweep loop and drops all subscriptions.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopChan := p.stopChan
	stoppedChan := p.stoppedChan
	p.mu.Unlock()

	close(stopChan)
	<-stoppedChan

	p.mu.Lock()
	for entityID, sub := range p.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("Failed to unsubscribe tracker",
				zap.String("entity_id", entityID), zap.Error(err))
		}
	}
	p.subscriptions = make(map[string]ha.Subscription)
	p.mu.Unlock()

	p.logger.Info("Poller stopped")
}

func (p *Poller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(p.stoppedChan)

	p.logger.Info("Poller started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep is the periodic reconciliation pass.
func (p *Poller) sweep() {
	if err := p.manager.CheckOverrideExpiry(); err != nil {
		p.logger.Error("Override expiry check failed", zap.Error(err))
	}

	p.manager.SyncAllFromHA()

	// New trackers may have been registered through the API since the last
	// pass; subscribe to any we are not yet watching.
	p.refreshSubscriptions()
}

// refreshSubscriptions subscribes to state changes for every registered
// tracker that has no live subscription yet.
func (p *Poller) refreshSubscriptions() {
	trackers, err := p.manager.ListTrackers()
	if err != nil {
		p.logger.Error("Failed to list trackers for subscriptions", zap.Error(err))
		return
	}

	for _, tracker := range trackers {
		entityID := tracker.EntityID

		p.mu.Lock()
		_, exists := p.subscriptions[entityID]
		p.mu.Unlock()
		if exists {
			continue
		}

		sub, err := p.hub.SubscribeStateChanges(entityID, p.handleStateChange)
		if err != nil {
			p.logger.Warn("Failed to subscribe to tracker",
				zap.String("entity_id", entityID), zap.Error(err))
			continue
		}

		p.mu.Lock()
		p.subscriptions[entityID] = sub
		p.mu.Unlock()

		p.logger.Debug("Subscribed to tracker state changes",
			zap.String("entity_id", entityID))
	}
}

func (p *Poller) handleStateChange(entityID string, oldState, newState *ha.State) {
	if err := p.manager.ApplyHAState(entityID, newState); err != nil {
		p.logger.Error("Failed to apply tracker state change",
			zap.String("entity_id", entityID), zap.Error(err))
	}
}
