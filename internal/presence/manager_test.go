package presence

import (
	"testing"
	"time"

	"homepresence/internal/clock"
	"homepresence/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testStart is a Tuesday at 08:15 UTC.
var testStart = time.Date(2025, 3, 4, 8, 15, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *clock.MockClock, *store.SQLiteStore) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(testStart)
	return NewManager(st, nil, clk, logger), clk, st
}

func f64(v float64) *float64 {
	return &v
}

func TestSetPresenceState_RejectsInvalidState(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	for _, state := range []string{"bogus", "", "HOME", "gone"} {
		err := mgr.SetPresenceState(state, SourceManual, 1.0, true)
		assert.Error(t, err, "state %q should be rejected", state)
	}

	for _, state := range []string{StateHome, StateAway, StateArriving, StateLeaving, StateUnknown} {
		err := mgr.SetPresenceState(state, SourceManual, 1.0, true)
		assert.NoError(t, err, "state %q should be accepted", state)
	}
}

func TestSetPresenceState_DefaultsConfidenceFromSource(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 0.95, state.Confidence)

	// Unlisted sources fall back to 0.5.
	require.NoError(t, mgr.SetPresenceState(StateAway, "mystery", -1, true))
	state, _ = mgr.GetPresenceState()
	assert.Equal(t, 0.5, state.Confidence)
}

func TestSetPresenceState_NoOpTransitionNotLogged(t *testing.T) {
	mgr, _, st := newTestManager(t)

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))
	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))

	entries, err := st.ListHistory(10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManualSetPresence_AlwaysLogsHistory(t *testing.T) {
	mgr, _, st := newTestManager(t)

	require.NoError(t, mgr.ManualSetPresence(StateAway, 0))
	require.NoError(t, mgr.ManualSetPresence(StateAway, 0))

	entries, err := st.ListHistory(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, SourceManual, e.Source)
		assert.Equal(t, 1.0, e.Confidence)
	}
}

func TestManualSetPresence_OverridesTrackerState(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))

	require.NoError(t, mgr.ManualSetPresence(StateAway, 0))

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	assert.Equal(t, StateAway, state.State)
	assert.Equal(t, SourceManual, state.Source)
	assert.Equal(t, 1.0, state.Confidence)
}

func TestManualSetPresence_DurationSetsExpiry(t *testing.T) {
	mgr, clk, _ := newTestManager(t)

	require.NoError(t, mgr.ManualSetPresence(StateAway, 30*time.Minute))

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	require.NotNil(t, state.ExpiresAt)
	assert.WithinDuration(t, clk.Now().Add(30*time.Minute), *state.ExpiresAt, time.Second)
}

func TestCheckOverrideExpiry(t *testing.T) {
	mgr, clk, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))
	require.NoError(t, mgr.ManualSetPresence(StateAway, 30*time.Minute))

	// Not yet expired.
	clk.Advance(10 * time.Minute)
	require.NoError(t, mgr.CheckOverrideExpiry())
	state, _ := mgr.GetPresenceState()
	assert.Equal(t, SourceManual, state.Source)

	// Past expiry: fusion recomputes from the cached router reading.
	clk.Advance(25 * time.Minute)
	require.NoError(t, mgr.CheckOverrideExpiry())
	state, _ = mgr.GetPresenceState()
	assert.Equal(t, SourceCombined, state.Source)
	assert.Equal(t, StateHome, state.State)
}

func TestClearManualOverride_NoReadingsResetsToUnknown(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	require.NoError(t, mgr.ManualSetPresence(StateAway, 0))
	require.NoError(t, mgr.ClearManualOverride())

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state.State)
	assert.Equal(t, 0.5, state.Confidence)
}

func TestUpdateFromTracker_AutoRegistersUnknown(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	require.NoError(t, mgr.UpdateFromTracker("device_tracker.mystery", "home", nil))

	tracker, err := mgr.GetTracker("device_tracker.mystery")
	require.NoError(t, err)
	require.NotNil(t, tracker)
	assert.Equal(t, SourceUnknown, tracker.SourceType)
	assert.Equal(t, 1, tracker.Priority)
	assert.True(t, tracker.Enabled)
	assert.Equal(t, StateHome, tracker.LastState)
}

func TestUpdateFromTracker_ArrivingThreshold(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.phone", SourceGPS, "", 0)
	require.NoError(t, err)

	t.Run("within arriving distance", func(t *testing.T) {
		require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "not_home", f64(400)))
		state, _ := mgr.GetPresenceState()
		assert.Equal(t, StateArriving, state.State)
	})

	t.Run("exactly at threshold", func(t *testing.T) {
		require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "not_home", f64(500)))
		state, _ := mgr.GetPresenceState()
		assert.Equal(t, StateArriving, state.State)
	})

	t.Run("beyond arriving distance", func(t *testing.T) {
		require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "not_home", f64(600)))
		state, _ := mgr.GetPresenceState()
		assert.Equal(t, StateAway, state.State)
	})

	t.Run("no distance supplied", func(t *testing.T) {
		require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "not_home", nil))
		state, _ := mgr.GetPresenceState()
		assert.Equal(t, StateAway, state.State)
	})
}

func TestUpdateFromTracker_UnrecognizedReadingCountsAsAway(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.phone", SourceGPS, "", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "office", nil))

	state, _ := mgr.GetPresenceState()
	assert.Equal(t, StateAway, state.State)
}

func TestFusion_Determinism(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "", 10)
	require.NoError(t, err)
	_, err = mgr.RegisterTracker("device_tracker.phone", SourceGPS, "", 5)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "away", nil))

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	assert.Equal(t, StateHome, state.State)
	assert.Equal(t, SourceCombined, state.Source)
	// home = 10*0.95 = 9.5, away = 5*0.80 = 4.0, total 13.5;
	// 9.5/13.5 = 0.7037, conflict penalty *0.8 = 0.5630.
	assert.InDelta(t, 9.5/13.5*0.8, state.Confidence, 1e-9)
}

func TestFusion_SingleSourceHighConfidence(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	assert.Equal(t, StateHome, state.State)
	assert.GreaterOrEqual(t, state.Confidence, 0.9)
}

func TestFusion_AgreementWithoutPenalty(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "", 10)
	require.NoError(t, err)
	_, err = mgr.RegisterTracker("device_tracker.phone", SourceGPS, "", 5)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "home", nil))

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	assert.Equal(t, StateHome, state.State)
	assert.GreaterOrEqual(t, state.Confidence, 0.95)
}

func TestFusion_TieFavorsAway(t *testing.T) {
	// Equal home and away weights: neither strict comparison wins, the
	// default branch picks away.
	state, confidence := fuse(map[string]reading{
		"a": {state: StateHome, sourceType: SourceRouter, priority: 10},
		"b": {state: StateAway, sourceType: SourceRouter, priority: 10},
	})
	assert.Equal(t, StateAway, state)
	assert.InDelta(t, 0.5*0.8, confidence, 1e-9)
}

func TestFusion_HomeArrivingTieFavorsAway(t *testing.T) {
	state, _ := fuse(map[string]reading{
		"a": {state: StateHome, sourceType: SourceGPS, priority: 5},
		"b": {state: StateArriving, sourceType: SourceGPS, priority: 5},
	})
	assert.Equal(t, StateAway, state)
}

func TestFusion_ArrivingWins(t *testing.T) {
	state, confidence := fuse(map[string]reading{
		"a": {state: StateArriving, sourceType: SourceGPS, priority: 5},
	})
	assert.Equal(t, StateArriving, state)
	assert.Equal(t, 1.0, confidence)
}

func TestFusion_NeverProducesLeaving(t *testing.T) {
	// Leaving is reachable only via manual override or a direct commit; a
	// cached leaving reading is counted in the away bucket.
	state, _ := fuse(map[string]reading{
		"a": {state: StateLeaving, sourceType: SourceRouter, priority: 10},
	})
	assert.Equal(t, StateAway, state)
}

func TestDisabledTrackerExcludedFromFusion(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "", 10)
	require.NoError(t, err)
	_, err = mgr.RegisterTracker("device_tracker.phone", SourceGPS, "", 5)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "away", nil))

	before, _ := mgr.GetPresenceState()
	assert.InDelta(t, 9.5/13.5*0.8, before.Confidence, 1e-9)

	affected, err := mgr.SetTrackerEnabled("device_tracker.phone", false)
	require.NoError(t, err)
	assert.True(t, affected)

	// The same raw reading is now dropped and no longer influences fusion.
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "away", nil))
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))

	after, _ := mgr.GetPresenceState()
	assert.Equal(t, StateHome, after.State)
	assert.Equal(t, 1.0, after.Confidence)
}

func TestCallbacks_DepartureAndArrival(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	var order []string
	mgr.OnDeparture(func() { order = append(order, "departure-1") })
	mgr.OnDeparture(func() { order = append(order, "departure-2") })
	mgr.OnArrival(func() { order = append(order, "arrival-1") })

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))
	assert.Empty(t, order)

	require.NoError(t, mgr.SetPresenceState(StateAway, SourceRouter, -1, true))
	assert.Equal(t, []string{"departure-1", "departure-2"}, order)

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))
	assert.Equal(t, []string{"departure-1", "departure-2", "arrival-1"}, order)
}

func TestCallbacks_LeavingCountsAsDeparture(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	fired := 0
	mgr.OnDeparture(func() { fired++ })

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))
	require.NoError(t, mgr.SetPresenceState(StateLeaving, SourceManual, -1, true))
	assert.Equal(t, 1, fired)
}

func TestCallbacks_NoFireOnNoOpTransition(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	fired := 0
	mgr.OnDeparture(func() { fired++ })

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))
	require.NoError(t, mgr.SetPresenceState(StateAway, SourceRouter, -1, true))
	require.NoError(t, mgr.SetPresenceState(StateAway, SourceRouter, -1, true))
	assert.Equal(t, 1, fired)
}

func TestCallbacks_PanicIsolated(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	var survived bool
	mgr.OnDeparture(func() { panic("subscriber blew up") })
	mgr.OnDeparture(func() { survived = true })

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))
	require.NoError(t, mgr.SetPresenceState(StateAway, SourceRouter, -1, true))

	assert.True(t, survived)

	// The commit itself is unaffected.
	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	assert.Equal(t, StateAway, state.State)
}

func TestPatternRecording_OnTransitions(t *testing.T) {
	mgr, clk, st := newTestManager(t)

	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))
	clk.Advance(5 * time.Minute) // 08:20 Tuesday
	require.NoError(t, mgr.SetPresenceState(StateAway, SourceRouter, -1, true))

	samples, err := st.ListPatternSamples(PatternDeparture, int(time.Tuesday), 20)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 8, samples[0].Hour)
	assert.Equal(t, 20, samples[0].Minute)

	clk.Advance(9 * time.Hour) // 17:20 Tuesday
	require.NoError(t, mgr.SetPresenceState(StateHome, SourceRouter, -1, true))

	arrivals, err := st.ListPatternSamples(PatternArrival, int(time.Tuesday), 20)
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, 17, arrivals[0].Hour)
	assert.Equal(t, 20, arrivals[0].Minute)
}

func TestPatternRecording_NotOnUnrelatedTransitions(t *testing.T) {
	mgr, _, st := newTestManager(t)

	require.NoError(t, mgr.SetPresenceState(StateAway, SourceRouter, -1, true))
	require.NoError(t, mgr.SetPresenceState(StateArriving, SourceRouter, -1, true))
	require.NoError(t, mgr.SetPresenceState(StateUnknown, sourceSystem, -1, true))

	for _, patternType := range []string{PatternDeparture, PatternArrival} {
		for day := 0; day < 7; day++ {
			samples, err := st.ListPatternSamples(patternType, day, 20)
			require.NoError(t, err)
			assert.Empty(t, samples)
		}
	}
}

func TestEndToEndScenario(t *testing.T) {
	mgr, _, st := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "Router", 10)
	require.NoError(t, err)
	_, err = mgr.RegisterTracker("device_tracker.phone", SourceGPS, "Phone", 5)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "home", nil))
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "home", nil))

	state, err := mgr.GetPresenceState()
	require.NoError(t, err)
	assert.Equal(t, StateHome, state.State)
	assert.GreaterOrEqual(t, state.Confidence, 0.95)
	assert.Equal(t, SourceCombined, state.Source)

	// Only the initial transition into home is logged.
	entries, err := st.ListHistory(10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, StateHome, entries[0].State)
}

func TestRegisterTracker_DefaultPriorities(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	cases := map[string]int{
		SourceManual:    15,
		SourceRouter:    10,
		SourceBluetooth: 8,
		SourceGPS:       5,
		SourcePattern:   2,
		SourceUnknown:   1,
	}
	for sourceType, want := range cases {
		tracker, err := mgr.RegisterTracker("device_tracker."+sourceType, sourceType, "", 0)
		require.NoError(t, err)
		assert.Equal(t, want, tracker.Priority, "source type %s", sourceType)
	}

	// Explicit priority wins over the default.
	tracker, err := mgr.RegisterTracker("device_tracker.custom", SourceGPS, "", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, tracker.Priority)
}

func TestRemoveTracker_DropsCachedReading(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.RegisterTracker("device_tracker.router", SourceRouter, "", 0)
	require.NoError(t, err)
	_, err = mgr.RegisterTracker("device_tracker.phone", SourceGPS, "", 0)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateFromTracker("device_tracker.router", "away", nil))
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "home", nil))

	removed, err := mgr.RemoveTracker("device_tracker.router")
	require.NoError(t, err)
	assert.True(t, removed)

	// Recomputing from the remaining reading no longer sees the router.
	require.NoError(t, mgr.UpdateFromTracker("device_tracker.phone", "home", nil))
	state, _ := mgr.GetPresenceState()
	assert.Equal(t, StateHome, state.State)
	assert.Equal(t, 1.0, state.Confidence)
}
