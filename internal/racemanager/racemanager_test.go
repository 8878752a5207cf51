package racemanager

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock/racecore/internal/broker"
	"github.com/paddock/racecore/internal/laps"
	"github.com/paddock/racecore/internal/persistence"
	"github.com/paddock/racecore/internal/persistence/memory"
	_ "github.com/paddock/racecore/internal/processor/mostlaps" // registers "most_laps"
	"github.com/paddock/racecore/internal/raceclock"
	"github.com/paddock/racecore/internal/racefmt"
	"github.com/paddock/racecore/internal/racestate"
)

func newTestManager(t *testing.T) (*Manager, *raceclock.Fake, *memory.Store) {
	t.Helper()
	clock := raceclock.NewFake()
	brk := broker.New(nil)
	machine := racestate.New(clock, brk, rand.New(rand.NewSource(1)))
	store := memory.New()
	return New(machine, store, nil), clock, store
}

func TestScheduleRaceRejectsUnknownProcessor(t *testing.T) {
	mgr, clock, _ := newTestManager(t)
	format := racefmt.Format{RaceTimeSec: 1, ProcessorID: "does-not-exist"}
	err := mgr.ScheduleRace(format, clock.Now()+1)
	require.Error(t, err)
	assert.Equal(t, racestate.Ready, mgr.Status())
}

func TestLapIngestionGatedByUnderway(t *testing.T) {
	mgr, clock, _ := newTestManager(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 5, OvertimeSec: -1, ProcessorID: "most_laps"}
	require.NoError(t, mgr.ScheduleRace(format, clock.Now()))

	_, ok := mgr.StatusAwareLapRecord(0, laps.Record{Timedelta: 1.0})
	assert.False(t, ok, "lap arriving before RACING must be discarded")

	clock.Advance(0) // -> STAGING
	clock.Advance(0) // -> RACING
	require.Equal(t, racestate.Racing, mgr.Status())

	_, ok = mgr.StatusAwareLapRecord(0, laps.Record{Timedelta: 1.0})
	assert.True(t, ok)

	clock.Advance(5 * time.Second) // -> OVERTIME (unlimited overtime, still UNDERWAY)
	require.NoError(t, mgr.StopRace())
	_, ok = mgr.StatusAwareLapRecord(0, laps.Record{Timedelta: 99.0})
	if mgr.Status() == racestate.Stopped {
		assert.False(t, ok, "lap arriving after STOPPED must be discarded")
	}
}

func TestSaveRaceDataOnlyPermittedWhenStopped(t *testing.T) {
	mgr, clock, store := newTestManager(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 1, OvertimeSec: 0, ProcessorID: "most_laps"}
	require.NoError(t, mgr.ScheduleRace(format, clock.Now()))

	err := mgr.SaveRaceData(context.Background())
	assert.Error(t, err)

	clock.Advance(0) // STAGING
	clock.Advance(0) // RACING
	mgr.StatusAwareLapRecord(0, laps.Record{Timedelta: 0.5})
	clock.Advance(1 * time.Second) // -> STOPPED (no overtime)
	require.Equal(t, racestate.Stopped, mgr.Status())

	require.NoError(t, mgr.SaveRaceData(context.Background()))
	assert.Len(t, store.Laps(), 1)
}

func TestResetClearsProcessorAndSignals(t *testing.T) {
	mgr, clock, _ := newTestManager(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 1, OvertimeSec: 0, ProcessorID: "most_laps"}
	require.NoError(t, mgr.ScheduleRace(format, clock.Now()))
	clock.Advance(0)
	clock.Advance(0)
	mgr.StatusAwareSignalRecord(0, 0, "t1", persistence.SignalPoint{Timedelta: 0.1, Value: -40})
	clock.Advance(1 * time.Second)
	require.Equal(t, racestate.Stopped, mgr.Status())

	require.NoError(t, mgr.Reset())
	assert.Equal(t, racestate.Ready, mgr.Status())
	assert.Nil(t, mgr.GetRaceResults())
	assert.Empty(t, mgr.signals)
}

func TestAddLapRecordOutsideUnderwayPanics(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	assert.Panics(t, func() { mgr.AddLapRecord(0, laps.Record{}) })
}

func TestRaceTimestampsDelegateToMachine(t *testing.T) {
	mgr, clock, _ := newTestManager(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 1, OvertimeSec: 0, ProcessorID: "most_laps"}
	require.NoError(t, mgr.ScheduleRace(format, clock.Now()))

	_, ok := mgr.RaceStartTime()
	assert.False(t, ok, "not RACING yet")
	_, ok = mgr.RaceFinishTime()
	assert.False(t, ok)
	_, ok = mgr.RaceStopTime()
	assert.False(t, ok)

	clock.Advance(0) // -> STAGING
	clock.Advance(0) // -> RACING
	start, ok := mgr.RaceStartTime()
	require.True(t, ok)

	clock.Advance(1 * time.Second) // -> STOPPED (no overtime)
	require.Equal(t, racestate.Stopped, mgr.Status())

	finish, ok := mgr.RaceFinishTime()
	require.True(t, ok)
	stop, ok := mgr.RaceStopTime()
	require.True(t, ok)
	assert.GreaterOrEqual(t, finish, start)
	assert.Equal(t, finish, stop, "no-overtime race finishes and stops at the same instant")
}

func TestStatusAwareLapRecordNeverPanicsAsRaceStops(t *testing.T) {
	mgr, clock, _ := newTestManager(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 1, OvertimeSec: 0, ProcessorID: "most_laps"}
	require.NoError(t, mgr.ScheduleRace(format, clock.Now()))
	clock.Advance(0) // -> STAGING
	clock.Advance(0) // -> RACING
	clock.Advance(1 * time.Second) // -> STOPPED (no overtime)
	require.Equal(t, racestate.Stopped, mgr.Status())

	assert.NotPanics(t, func() {
		_, ok := mgr.StatusAwareLapRecord(0, laps.Record{Timedelta: 0.1})
		assert.False(t, ok, "lap delivered after the race stopped must be a silent no-op")
	})
}
