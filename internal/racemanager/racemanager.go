// Package racemanager implements the race control facade: it binds the
// race state machine to the active processor and the signal buffer, and
// exposes the operator-command surface.
package racemanager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/paddock/racecore/internal/laps"
	"github.com/paddock/racecore/internal/persistence"
	"github.com/paddock/racecore/internal/processor"
	"github.com/paddock/racecore/internal/racefmt"
	"github.com/paddock/racecore/internal/racestate"
	"github.com/paddock/racecore/pkg/raceerrors"
	"github.com/paddock/racecore/pkg/racelog"
)

type signalSubKey struct {
	TimerIndex      int
	TimerIdentifier string
}

// Manager binds the state machine to a pluggable processor and the
// in-progress signal buffer, and is the sole caller of the persistence
// collaborator.
type Manager struct {
	machine *racestate.Machine
	store   persistence.Store
	log     *racelog.Logger

	// saveMu is the one exclusive lock in the core: it serializes Reset against
	// SaveRaceData so a reset can never race a save.
	saveMu sync.Mutex

	procMu sync.Mutex
	proc   processor.RaceProcessor

	signalMu sync.Mutex
	signals  map[int]map[signalSubKey][]persistence.SignalPoint
}

// New constructs a Manager bound to machine and store.
func New(machine *racestate.Machine, store persistence.Store, log *racelog.Logger) *Manager {
	if log == nil {
		log = racelog.NewDefault("racemanager")
	}
	return &Manager{
		machine: machine,
		store:   store,
		log:     log,
		signals: make(map[int]map[signalSubKey][]persistence.SignalPoint),
	}
}

// Status returns the underlying state machine's current status.
func (m *Manager) Status() racestate.Status {
	return m.machine.Status()
}

// RaceStartTime returns the monotonic timestamp RACING first began, if it
// has; the timer-interface manager uses it to convert raw device
// timestamps into seconds-since-race-start.
func (m *Manager) RaceStartTime() (float64, bool) {
	return m.machine.GetRaceStartTime()
}

// RaceFinishTime returns the monotonic timestamp the race first reached
// FINISHED = {OVERTIME, STOPPED}, if it has.
func (m *Manager) RaceFinishTime() (float64, bool) {
	return m.machine.GetRaceFinishTime()
}

// RaceStopTime returns the monotonic timestamp the race entered STOPPED,
// if it has.
func (m *Manager) RaceStopTime() (float64, bool) {
	return m.machine.GetRaceStopTime()
}

// ScheduleRace looks up the processor registered under format.ProcessorID,
// constructs it, and forwards to the state machine. It fails with
// UnknownProcessor before touching the state machine if the id is
// unregistered.
func (m *Manager) ScheduleRace(format racefmt.Format, assignedStart float64) error {
	factory, ok := processor.GetFactory(format.ProcessorID)
	if !ok {
		return raceerrors.UnknownProcessorErr(format.ProcessorID)
	}
	newProc := factory(format)

	if err := m.machine.ScheduleRace(format, assignedStart); err != nil {
		return err
	}

	m.procMu.Lock()
	m.proc = newProc
	m.procMu.Unlock()

	m.signalMu.Lock()
	m.signals = make(map[int]map[signalSubKey][]persistence.SignalPoint)
	m.signalMu.Unlock()

	return nil
}

// StopRace delegates to the state machine.
func (m *Manager) StopRace() error { return m.machine.StopRace() }

// PauseRace delegates to the state machine.
func (m *Manager) PauseRace() error { return m.machine.PauseRace() }

// ResumeRace delegates to the state machine.
func (m *Manager) ResumeRace() error { return m.machine.ResumeRace() }

// Reset delegates to the state machine and, if it actually transitioned
// (i.e. status was STOPPED), clears the processor and signal buffers. It
// is guarded by saveMu so it cannot race SaveRaceData.
func (m *Manager) Reset() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if m.machine.Status() != racestate.Stopped {
		return nil
	}
	if err := m.machine.Reset(); err != nil {
		return err
	}

	m.procMu.Lock()
	m.proc = nil
	m.procMu.Unlock()

	m.signalMu.Lock()
	m.signals = make(map[int]map[signalSubKey][]persistence.SignalPoint)
	m.signalMu.Unlock()

	return nil
}

// AddLapRecord forwards record to the active processor. It is a
// programmer error to call this outside UNDERWAY; callers that cannot
// guarantee that should use StatusAwareLapRecord instead.
func (m *Manager) AddLapRecord(slot int, record laps.Record) (int, bool) {
	if !m.machine.Status().IsUnderway() {
		panic(fmt.Sprintf("racemanager: add_lap_record called outside UNDERWAY (status=%s)", m.machine.Status()))
	}
	m.procMu.Lock()
	defer m.procMu.Unlock()
	if m.proc == nil {
		panic("racemanager: add_lap_record called with no active processor")
	}
	return m.proc.AddLapRecord(slot, record)
}

// StatusAwareLapRecord is the gated variant the timer manager's consumer
// goroutines call: a no-op outside UNDERWAY, so a lap delivered after
// STOPPED is silently discarded. The status check and the processor call
// run under the machine's own lock via IfUnderway, so a StopRace racing
// against a consumer goroutine can never land between the check and the
// call and turn the no-op into AddLapRecord's outside-UNDERWAY panic.
func (m *Manager) StatusAwareLapRecord(slot int, record laps.Record) (int, bool) {
	var key int
	var ok bool
	ran := m.machine.IfUnderway(func() {
		m.procMu.Lock()
		defer m.procMu.Unlock()
		if m.proc == nil {
			panic("racemanager: add_lap_record called with no active processor")
		}
		key, ok = m.proc.AddLapRecord(slot, record)
	})
	if !ran {
		return 0, false
	}
	return key, ok
}

// RemoveLapRecord forwards to the active processor; it panics if key is
// unknown, mirroring the processor's own contract.
func (m *Manager) RemoveLapRecord(slot int, key int) {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	if m.proc == nil {
		panic("racemanager: remove_lap_record called with no active processor")
	}
	m.proc.RemoveLapRecord(slot, key)
}

// GetRaceResults returns the active processor's current ranking, or nil
// if no race is scheduled (none yet, or none since the last Reset).
func (m *Manager) GetRaceResults() []processor.SlotResult {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	if m.proc == nil {
		return nil
	}
	return m.proc.GetRaceResults()
}

// AddSignalRecord appends a signal sample into the 3-deep nested
// container keyed by (node_index) -> (timer_index, timer_identifier) ->
// samples. It is not status-gated.
func (m *Manager) AddSignalRecord(nodeIndex, timerIndex int, timerIdentifier string, point persistence.SignalPoint) {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	byKey, ok := m.signals[nodeIndex]
	if !ok {
		byKey = make(map[signalSubKey][]persistence.SignalPoint)
		m.signals[nodeIndex] = byKey
	}
	key := signalSubKey{TimerIndex: timerIndex, TimerIdentifier: timerIdentifier}
	byKey[key] = append(byKey[key], point)
}

// StatusAwareSignalRecord is the gated variant used by timer consumer
// goroutines: a no-op outside UNDERWAY.
func (m *Manager) StatusAwareSignalRecord(nodeIndex, timerIndex int, timerIdentifier string, point persistence.SignalPoint) {
	if !m.machine.Status().IsUnderway() {
		return
	}
	m.AddSignalRecord(nodeIndex, timerIndex, timerIdentifier, point)
}

// SaveRaceData is permitted only in STOPPED; under saveMu, it appends
// every processor lap and then every signal history to storage. The two
// appends are separate store calls with no transaction spanning both, so
// a failure in the second leaves the laps already written.
func (m *Manager) SaveRaceData(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if m.machine.Status() != racestate.Stopped {
		return raceerrors.BadStateErr("save_race_data", m.machine.Status().String())
	}

	m.procMu.Lock()
	var lapEntries []processor.LapEntry
	if m.proc != nil {
		lapEntries = m.proc.GetLaps()
	}
	m.procMu.Unlock()

	lapAppends := make([]persistence.LapAppend, len(lapEntries))
	for i, e := range lapEntries {
		lapAppends[i] = persistence.LapAppend{
			SlotID:           e.SlotNum,
			TimeDeltaSeconds: e.Record.Timedelta,
			TimerIndex:       e.Record.TimerIndex,
			TimerIdentifier:  e.Record.TimerIdentifier,
		}
	}

	m.signalMu.Lock()
	var historyAppends []persistence.SignalHistoryAppend
	for nodeIndex, byKey := range m.signals {
		for key, points := range byKey {
			sorted := make([]persistence.SignalPoint, len(points))
			copy(sorted, points)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timedelta < sorted[j].Timedelta })
			historyAppends = append(historyAppends, persistence.SignalHistoryAppend{
				SlotID:          nodeIndex,
				TimerIndex:      key.TimerIndex,
				TimerIdentifier: key.TimerIdentifier,
				History:         sorted,
			})
		}
	}
	m.signalMu.Unlock()

	if err := m.store.AppendLaps(ctx, lapAppends); err != nil {
		return fmt.Errorf("racemanager: save_race_data: append laps: %w", err)
	}
	if err := m.store.AppendSignalHistory(ctx, historyAppends); err != nil {
		return fmt.Errorf("racemanager: save_race_data: append signal histories: %w", err)
	}
	return nil
}
