package automation

import (
	"testing"
	"time"

	"homepresence/internal/clock"
	"homepresence/internal/ha"
	"homepresence/internal/notify"
	"homepresence/internal/presence"
	"homepresence/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestController(t *testing.T, readOnly bool) (*VacuumController, *presence.Manager, *ha.MockClient, *clock.MockClock) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zap.NewNop()
	clk := clock.NewMockClock(time.Date(2025, 3, 4, 8, 15, 0, 0, time.UTC))
	hub := ha.NewMockClient()
	manager := presence.NewManager(st, hub, clk, logger)
	notifier := notify.NewNotifier(hub, logger, readOnly)

	c := NewVacuumController(manager, hub, notifier, clk, logger, "vacuum.robot", readOnly)
	c.Start()
	t.Cleanup(c.Stop)
	return c, manager, hub, clk
}

func depart(t *testing.T, manager *presence.Manager) {
	t.Helper()
	require.NoError(t, manager.SetPresenceState(presence.StateHome, "system", -1, true))
	require.NoError(t, manager.SetPresenceState(presence.StateAway, "system", -1, true))
}

func vacuumStarts(calls []ha.ServiceCall) int {
	count := 0
	for _, call := range calls {
		if call.Domain == "vacuum" && call.Service == "start" {
			count++
		}
	}
	return count
}

func TestVacuumStartsAfterDelay(t *testing.T) {
	_, manager, hub, clk := newTestController(t, false)

	depart(t, manager)
	assert.Zero(t, vacuumStarts(hub.ServiceCalls()))

	// Default delay is 10 minutes.
	clk.Advance(9 * time.Minute)
	assert.Zero(t, vacuumStarts(hub.ServiceCalls()))

	clk.Advance(1 * time.Minute)
	calls := hub.ServiceCalls()
	require.Equal(t, 1, vacuumStarts(calls))

	for _, call := range calls {
		if call.Domain == "vacuum" {
			assert.Equal(t, "vacuum.robot", call.Data["entity_id"])
		}
	}
}

func TestVacuumCancelledOnArrival(t *testing.T) {
	_, manager, hub, clk := newTestController(t, false)

	depart(t, manager)
	clk.Advance(5 * time.Minute)
	require.NoError(t, manager.SetPresenceState(presence.StateHome, "system", -1, true))

	clk.Advance(30 * time.Minute)
	assert.Zero(t, vacuumStarts(hub.ServiceCalls()))
}

func TestVacuumUsesConfiguredDelay(t *testing.T) {
	_, manager, hub, clk := newTestController(t, false)

	require.NoError(t, manager.SetSetting("vacuum_start_delay", "2"))
	depart(t, manager)

	clk.Advance(1 * time.Minute)
	assert.Zero(t, vacuumStarts(hub.ServiceCalls()))

	clk.Advance(1 * time.Minute)
	assert.Equal(t, 1, vacuumStarts(hub.ServiceCalls()))
}

func TestVacuumRescheduledOnSecondDeparture(t *testing.T) {
	_, manager, hub, clk := newTestController(t, false)

	depart(t, manager)
	clk.Advance(8 * time.Minute)

	// Back home briefly, then out again. The first schedule must not fire.
	require.NoError(t, manager.SetPresenceState(presence.StateHome, "system", -1, true))
	require.NoError(t, manager.SetPresenceState(presence.StateAway, "system", -1, true))

	clk.Advance(9 * time.Minute)
	assert.Zero(t, vacuumStarts(hub.ServiceCalls()))

	clk.Advance(1 * time.Minute)
	assert.Equal(t, 1, vacuumStarts(hub.ServiceCalls()))
}

func TestVacuumReadOnlyMode(t *testing.T) {
	_, manager, hub, clk := newTestController(t, true)

	depart(t, manager)
	clk.Advance(15 * time.Minute)
	assert.Empty(t, hub.ServiceCalls())
}

func TestVacuumNotifiesOnStart(t *testing.T) {
	_, manager, hub, clk := newTestController(t, false)

	depart(t, manager)
	clk.Advance(10 * time.Minute)

	var notified bool
	for _, call := range hub.ServiceCalls() {
		if call.Domain == "notify" {
			notified = true
			assert.Equal(t, "Vacuum started", call.Data["title"])
		}
	}
	assert.True(t, notified)
}

func TestVacuumStopCancelsPending(t *testing.T) {
	c, manager, hub, clk := newTestController(t, false)

	depart(t, manager)
	c.Stop()

	clk.Advance(30 * time.Minute)
	assert.Zero(t, vacuumStarts(hub.ServiceCalls()))
}
