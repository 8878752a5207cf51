package racestate

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock/racecore/internal/broker"
	"github.com/paddock/racecore/internal/raceclock"
	"github.com/paddock/racecore/internal/raceevents"
	"github.com/paddock/racecore/internal/racefmt"
)

func newTestMachine(t *testing.T) (*Machine, *raceclock.Fake, *broker.Subscription) {
	t.Helper()
	clock := raceclock.NewFake()
	brk := broker.New(nil)
	sub := brk.Subscribe()
	t.Cleanup(sub.Close)
	m := New(clock, brk, rand.New(rand.NewSource(1)))
	return m, clock, sub
}

func drainNames(t *testing.T, sub *broker.Subscription, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		evt, ok := sub.Recv(ctx)
		require.True(t, ok, "expected event %d, got %d", n, i)
		out = append(out, evt.Event.Name)
	}
	return out
}

// TestFullLifecycleWithBoundedOvertime walks a full race through every
// stage with bounded overtime: stage=3, race_time=5, overtime=2,
// scheduled 1s out.
func TestFullLifecycleWithBoundedOvertime(t *testing.T) {
	m, clock, sub := newTestMachine(t)
	format := racefmt.Format{StageTimeSec: 3, RaceTimeSec: 5, OvertimeSec: 2, ProcessorID: "most_laps"}

	require.NoError(t, m.ScheduleRace(format, clock.Now()+1.0))
	assert.Equal(t, Scheduled, m.Status())

	clock.Advance(1 * time.Second)
	assert.Equal(t, Staging, m.Status())

	clock.Advance(3 * time.Second)
	assert.Equal(t, Racing, m.Status())

	clock.Advance(5 * time.Second)
	assert.Equal(t, Overtime, m.Status())

	clock.Advance(2 * time.Second)
	assert.Equal(t, Stopped, m.Status())

	names := drainNames(t, sub, 5)
	assert.Equal(t, []string{
		raceevents.RaceSchedule.Name,
		raceevents.RaceStage.Name,
		raceevents.RaceStart.Name,
		raceevents.RaceFinish.Name,
		raceevents.RaceStop.Name,
	}, names)
}

// TestZeroOvertimeGoesStraightToStopped: overtime=0 goes straight
// RACING -> STOPPED.
func TestZeroOvertimeGoesStraightToStopped(t *testing.T) {
	m, clock, sub := newTestMachine(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 2, OvertimeSec: 0, ProcessorID: "most_laps"}

	require.NoError(t, m.ScheduleRace(format, clock.Now()))
	clock.Advance(0)
	assert.Equal(t, Staging, m.Status())
	clock.Advance(0)
	assert.Equal(t, Racing, m.Status())

	clock.Advance(2 * time.Second)
	assert.Equal(t, Stopped, m.Status())

	names := drainNames(t, sub, 5)
	assert.Contains(t, names, raceevents.RaceFinish.Name)
	assert.Contains(t, names, raceevents.RaceStop.Name)
}

// TestStopDuringStagingReturnsToReady: stop between STAGING and RACING
// returns to READY with no RACE_FINISH.
func TestStopDuringStagingReturnsToReady(t *testing.T) {
	m, clock, sub := newTestMachine(t)
	format := racefmt.Format{StageTimeSec: 3, RaceTimeSec: 5, OvertimeSec: 2, ProcessorID: "most_laps"}

	require.NoError(t, m.ScheduleRace(format, clock.Now()))
	clock.Advance(0)
	require.Equal(t, Staging, m.Status())

	require.NoError(t, m.StopRace())
	assert.Equal(t, Ready, m.Status())
	assert.Empty(t, m.Record())

	names := drainNames(t, sub, 2)
	assert.NotContains(t, names, raceevents.RaceFinish.Name)

	// Advancing the clock further must not resurrect the cancelled timers.
	clock.Advance(10 * time.Second)
	assert.Equal(t, Ready, m.Status())
}

// TestPauseFreezesRaceTimeThenResumeContinuesToOvertime: race_time=5;
// pause 2s in, resume later, auto-transitions to OVERTIME 3s after
// resume.
func TestPauseFreezesRaceTimeThenResumeContinuesToOvertime(t *testing.T) {
	m, clock, sub := newTestMachine(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 5, OvertimeSec: 2, ProcessorID: "most_laps"}

	require.NoError(t, m.ScheduleRace(format, clock.Now()))
	clock.Advance(0) // -> STAGING
	clock.Advance(0) // -> RACING
	require.Equal(t, Racing, m.Status())

	clock.Advance(2 * time.Second)
	require.NoError(t, m.PauseRace())
	assert.Equal(t, Paused, m.Status())
	assert.InDelta(t, 2.0, m.RaceTime(), 0.001)

	clock.Advance(100 * time.Second) // arbitrary wait while paused
	assert.InDelta(t, 2.0, m.RaceTime(), 0.001, "race_time frozen while PAUSED")

	require.NoError(t, m.ResumeRace())
	assert.Equal(t, Racing, m.Status())

	clock.Advance(3 * time.Second) // 2s + 3s = 5s = race_time_sec
	assert.Equal(t, Overtime, m.Status())

	names := drainNames(t, sub, 6)
	assert.Contains(t, names, raceevents.RacePause.Name)
	assert.Contains(t, names, raceevents.RaceResume.Name)
}

func TestPauseFromNonUnderwayIsSilentNoOp(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.NoError(t, m.PauseRace())
	assert.Equal(t, Ready, m.Status())
}

func TestResumeFromNonPausedIsSilentNoOp(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.NoError(t, m.ResumeRace())
	assert.Equal(t, Ready, m.Status())
}

func TestResetFromNonStoppedIsSilentNoOp(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.NoError(t, m.Reset())
	assert.Equal(t, Ready, m.Status())
}

func TestScheduleRaceRejectsPastDeadline(t *testing.T) {
	m, clock, _ := newTestMachine(t)
	clock.Advance(5 * time.Second)
	format := racefmt.Format{RaceTimeSec: 1, ProcessorID: "most_laps"}
	err := m.ScheduleRace(format, 1.0)
	assert.Error(t, err)
}

func TestScheduleRaceRejectsWrongState(t *testing.T) {
	m, clock, _ := newTestMachine(t)
	format := racefmt.Format{RaceTimeSec: 1, ProcessorID: "most_laps"}
	require.NoError(t, m.ScheduleRace(format, clock.Now()+1))
	err := m.ScheduleRace(format, clock.Now()+1)
	assert.Error(t, err)
}

func TestResetAfterStopClearsEverything(t *testing.T) {
	m, clock, _ := newTestMachine(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 1, OvertimeSec: 0, ProcessorID: "most_laps"}
	require.NoError(t, m.ScheduleRace(format, clock.Now()))
	clock.Advance(0)
	clock.Advance(0)
	clock.Advance(1 * time.Second)
	require.Equal(t, Stopped, m.Status())

	require.NoError(t, m.Reset())
	assert.Equal(t, Ready, m.Status())
	assert.Empty(t, m.Record())
	_, ok := m.Format()
	assert.False(t, ok)
}

func TestGetRaceFinishTimeWhenResumeLandsDirectlyInOvertime(t *testing.T) {
	m, clock, _ := newTestMachine(t)
	format := racefmt.Format{StageTimeSec: 0, RaceTimeSec: 5, OvertimeSec: -1, ProcessorID: "most_laps"}
	require.NoError(t, m.ScheduleRace(format, clock.Now()))
	clock.Advance(0) // -> STAGING
	clock.Advance(0) // -> RACING
	clock.Advance(2 * time.Second)
	require.NoError(t, m.PauseRace())
	require.Equal(t, Paused, m.Status())

	// Simulate the accumulated race_time having already reached
	// race_time_sec by the time the resume call lands -- the race between
	// the wall-clock auto-stop and an operator's concurrent pause that
	// ResumeRace's direct PAUSED -> OVERTIME branch exists to handle.
	m.mu.Lock()
	m.record[len(m.record)-1].Timestamp = float64(format.RaceTimeSec)
	m.mu.Unlock()

	require.NoError(t, m.ResumeRace())
	assert.Equal(t, Overtime, m.Status())

	finish, ok := m.GetRaceFinishTime()
	require.True(t, ok, "resume landing straight in OVERTIME must report a finish time")
	assert.Equal(t, m.record[len(m.record)-1].Timestamp, finish)
}
