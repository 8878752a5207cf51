package racestate

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paddock/racecore/internal/broker"
	"github.com/paddock/racecore/internal/raceclock"
	"github.com/paddock/racecore/internal/raceevents"
	"github.com/paddock/racecore/internal/racefmt"
	"github.com/paddock/racecore/pkg/raceerrors"
)

// Machine is the mutable per-server race state singleton. It owns the race
// record, the active format, and the single pending wall-clock timer —
// never more than one transition outstanding at a time.
type Machine struct {
	clock  raceclock.Clock
	broker *broker.Broker
	rng    *rand.Rand

	mu     sync.Mutex
	status Status
	record []Entry

	format        *racefmt.Format
	assignedStart float64
	stagingEndsAt float64 // scheduled instant STAGING -> RACING fires

	raceStarted     bool // RACE_START already emitted this schedule
	pausedFromRacing bool // true if the underway run paused out of RACING, not OVERTIME

	pendingTimer raceclock.Timer
}

// New constructs a Machine in the READY state. rng may be nil, in which
// case a process-seeded source is used.
func New(clock raceclock.Clock, brk *broker.Broker, rng *rand.Rand) *Machine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Machine{
		clock:  clock,
		broker: brk,
		rng:    rng,
		status: Ready,
	}
}

// Status returns the machine's current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Record returns a copy of the race record accumulated since the last
// schedule_race/reset.
func (m *Machine) Record() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.record))
	copy(out, m.record)
	return out
}

// Format returns the active format and whether one is set: absent iff
// status is READY.
func (m *Machine) Format() (racefmt.Format, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.format == nil {
		return racefmt.Format{}, false
	}
	return *m.format, true
}

// RaceTime returns the current race-time arithmetic: zero in PRERACE, monotonic while UNDERWAY,
// constant while PAUSED or STOPPED.
func (m *Machine) RaceTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raceTimeLocked(m.clock.Now())
}

func (m *Machine) raceTimeLocked(now float64) float64 {
	total := 0.0
	counting := false
	var segStart float64

	for i, e := range m.record {
		switch e.Status {
		case Racing:
			counting = true
			segStart = e.Timestamp
		case Overtime:
			precededByRacing := i > 0 && m.record[i-1].Status == Racing
			if !precededByRacing {
				counting = true
				segStart = e.Timestamp
			}
		case Paused, Stopped:
			if counting {
				total += e.Timestamp - segStart
				counting = false
			}
		}
	}
	if counting {
		total += now - segStart
	}
	return total
}

// IfUnderway calls fn while holding the machine's lock, but only if status
// is currently UNDERWAY, and reports whether fn ran. Callers that need to
// gate an action on UNDERWAY without a separate, racing status check (a
// lap or signal delivered by a consumer goroutine right as the race
// stops) should use this instead of Status() followed by a second call.
func (m *Machine) IfUnderway(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.IsUnderway() {
		return false
	}
	fn()
	return true
}

// GetRaceStartTime returns the monotonic timestamp of the first RACING
// entry, if the race has started. It scans the race record rather than
// tracking a side flag, so it stays correct no matter which transition
// path produced the entry.
func (m *Machine) GetRaceStartTime() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.record {
		if e.Status == Racing {
			return e.Timestamp, true
		}
	}
	return 0, false
}

// GetRaceFinishTime returns the monotonic timestamp of the first entry in
// FINISHED = {OVERTIME, STOPPED}, if the race has reached it. Scanning the
// record (rather than a manually-set flag) means a resume that lands
// straight in OVERTIME is reported correctly, since it appends an entry
// the scan finds without any other code path having to remember to set
// anything.
func (m *Machine) GetRaceFinishTime() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.record {
		if e.Status.IsFinished() {
			return e.Timestamp, true
		}
	}
	return 0, false
}

// GetRaceStopTime returns the monotonic timestamp the race entered
// STOPPED, if it has.
func (m *Machine) GetRaceStopTime() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.record {
		if e.Status == Stopped {
			return e.Timestamp, true
		}
	}
	return 0, false
}

func durationFromSeconds(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}

func (m *Machine) appendLocked(status Status, ts float64) {
	m.record = append(m.record, Entry{Status: status, Timestamp: ts})
	m.status = status
}

func (m *Machine) cancelPendingLocked() {
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
		m.pendingTimer = nil
	}
}

// ScheduleRace transitions READY -> SCHEDULED, drawing the random stage
// delay and arming the STAGING timer. It fails with BadTime if
// assignedStart has already passed, or BadState if not currently READY.
func (m *Machine) ScheduleRace(format racefmt.Format, assignedStart float64) error {
	if err := format.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != Ready {
		return raceerrors.BadStateErr("schedule_race", m.status.String())
	}
	now := m.clock.Now()
	if assignedStart < now {
		return raceerrors.BadTimeErr(assignedStart, now)
	}

	// The delay is always drawn, even when the width is zero, so a
	// zero-width configuration still yields a deterministic zero rather
	// than skipping the draw entirely.
	d := m.rng.Intn(format.RandomStageDelayMS + 1)

	f := format
	m.format = &f
	m.assignedStart = assignedStart
	m.stagingEndsAt = assignedStart + float64(format.StageTimeSec) + float64(d)/1000.0
	m.raceStarted = false
	m.pausedFromRacing = false
	m.record = nil

	m.appendLocked(Scheduled, now)
	m.broker.Trigger(raceevents.RaceSchedule, map[string]any{"assigned_start": assignedStart}, uuid.Nil)

	m.pendingTimer = m.clock.AfterFunc(durationFromSeconds(assignedStart-now), m.onStagingDeadline)
	return nil
}

func (m *Machine) onStagingDeadline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != Scheduled {
		return
	}
	now := m.clock.Now()
	m.pendingTimer = nil
	m.appendLocked(Staging, now)
	m.broker.Trigger(raceevents.RaceStage, nil, uuid.Nil)

	m.pendingTimer = m.clock.AfterFunc(durationFromSeconds(m.stagingEndsAt-now), m.onRaceStartDeadline)
}

func (m *Machine) onRaceStartDeadline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != Staging {
		return
	}
	now := m.clock.Now()
	m.pendingTimer = nil
	m.appendLocked(Racing, now)
	if !m.raceStarted {
		m.broker.Trigger(raceevents.RaceStart, nil, uuid.Nil)
		m.raceStarted = true
	}
	m.scheduleRaceEndLocked(now)
}

// scheduleRaceEndLocked arms the timer that fires when the RACING phase's
// race_time budget is exhausted. It is a no-op when the format disables
// the automatic edge (unlimited_time).
func (m *Machine) scheduleRaceEndLocked(now float64) {
	if m.format.UnlimitedTime {
		return
	}
	remaining := float64(m.format.RaceTimeSec) - m.raceTimeLocked(now)
	m.pendingTimer = m.clock.AfterFunc(durationFromSeconds(remaining), m.onRaceTimeElapsed)
}

func (m *Machine) onRaceTimeElapsed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != Racing {
		return
	}
	now := m.clock.Now()
	m.pendingTimer = nil

	m.broker.Trigger(raceevents.RaceFinish, nil, uuid.Nil)

	if m.format.HasNoOvertime() {
		m.appendLocked(Stopped, now)
		m.broker.Trigger(raceevents.RaceStop, nil, uuid.Nil)
		return
	}

	m.appendLocked(Overtime, now)
	if m.format.HasBoundedOvertime() {
		m.pendingTimer = m.clock.AfterFunc(durationFromSeconds(float64(m.format.OvertimeSec)), m.onOvertimeElapsed)
	}
	// Unbounded overtime: no automatic edge; only an operator stop ends it.
}

func (m *Machine) onOvertimeElapsed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != Overtime {
		return
	}
	now := m.clock.Now()
	m.pendingTimer = nil
	m.appendLocked(Stopped, now)
	m.broker.Trigger(raceevents.RaceStop, nil, uuid.Nil)
}

// StopRace forces the race to STOPPED (or, from any PRERACE status, back
// to READY with the record cleared).
func (m *Machine) StopRace() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.cancelPendingLocked()

	switch {
	case m.status.IsPrerace():
		m.status = Ready
		m.record = nil
		m.format = nil
	case m.status == Racing:
		m.broker.Trigger(raceevents.RaceFinish, nil, uuid.Nil)
		m.appendLocked(Stopped, now)
		m.broker.Trigger(raceevents.RaceStop, nil, uuid.Nil)
	case m.status == Overtime:
		m.appendLocked(Stopped, now)
		m.broker.Trigger(raceevents.RaceStop, nil, uuid.Nil)
	case m.status == Paused:
		if m.pausedFromRacing {
			m.broker.Trigger(raceevents.RaceFinish, nil, uuid.Nil)
		}
		m.appendLocked(Stopped, now)
		m.broker.Trigger(raceevents.RaceStop, nil, uuid.Nil)
	default:
		// Already STOPPED: no-op.
	}
	return nil
}

// PauseRace transitions RACING or OVERTIME to PAUSED, cancelling the
// pending timer. A pause from any other status is a silent no-op.
func (m *Machine) PauseRace() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.status.IsUnderway() {
		return nil
	}
	now := m.clock.Now()
	m.cancelPendingLocked()
	m.pausedFromRacing = m.status == Racing
	m.appendLocked(Paused, now)
	m.broker.Trigger(raceevents.RacePause, nil, uuid.Nil)
	return nil
}

// ResumeRace transitions PAUSED back to RACING or OVERTIME, depending on
// whether the accumulated race_time has already reached race_time_sec. A
// resume from any other status is a silent no-op.
func (m *Machine) ResumeRace() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != Paused {
		return nil
	}
	now := m.clock.Now()
	rt := m.raceTimeLocked(now)

	if !m.format.UnlimitedTime && rt >= float64(m.format.RaceTimeSec) {
		m.appendLocked(Overtime, now)
		m.broker.Trigger(raceevents.RaceResume, nil, uuid.Nil)
		if m.format.HasBoundedOvertime() {
			elapsedOvertime := rt - float64(m.format.RaceTimeSec)
			remaining := float64(m.format.OvertimeSec) - elapsedOvertime
			m.pendingTimer = m.clock.AfterFunc(durationFromSeconds(remaining), m.onOvertimeElapsed)
		}
		return nil
	}

	m.appendLocked(Racing, now)
	m.broker.Trigger(raceevents.RaceResume, nil, uuid.Nil)
	m.scheduleRaceEndLocked(now)
	return nil
}

// Reset tears the race down from STOPPED back to READY, clearing the
// format and race record so Format() reports absent again. A reset from
// any other status is a silent no-op.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != Stopped {
		return nil
	}
	m.status = Ready
	m.record = nil
	m.format = nil
	m.raceStarted = false
	m.pausedFromRacing = false
	return nil
}
