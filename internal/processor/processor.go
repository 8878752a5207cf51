// Package processor defines the pluggable race-scoring contract (spec
// section 4.4) and the process-wide registry concrete rulesets install
// themselves into.
package processor

import (
	"fmt"
	"sync"

	"github.com/paddock/racecore/internal/laps"
	"github.com/paddock/racecore/internal/racefmt"
)

// SlotResult is one slot's position in the current ranking, plus any
// ruleset-specific extras (e.g. total lap count).
type SlotResult struct {
	SlotNum  int
	Position int
	Extras   map[string]any
}

// LapEntry pairs an accepted lap record with the slot it was scored
// against, for persistence.
type LapEntry struct {
	SlotNum int
	Record  laps.Record
}

// RaceProcessor is the capability set every scoring ruleset implements.
// Concrete processors are constructed fresh per race via a Factory
// registered under a stable uid.
type RaceProcessor interface {
	// AddLapRecord scores record for slot, returning an opaque ascending
	// key, or ok=false if the record falls outside the scoring window.
	AddLapRecord(slot int, record laps.Record) (key int, ok bool)
	// RemoveLapRecord removes a previously accepted record. It panics if
	// key is unknown, mirroring the laps manager's own contract.
	RemoveLapRecord(slot int, key int)
	// IsSlotDone reports whether slot's race-time window has elapsed.
	IsSlotDone(slot int) bool
	// GetRaceResults returns every scored slot in ranked order.
	GetRaceResults() []SlotResult
	// GetSlotResult returns slot's current ranking, if it has any laps.
	GetSlotResult(slot int) (SlotResult, bool)
	// GetLaps returns every accepted lap record across all slots, for
	// persistence.
	GetLaps() []LapEntry
}

// Factory constructs a fresh RaceProcessor bound to format.
type Factory func(format racefmt.Format) RaceProcessor

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register installs factory under uid. It fails on a duplicate uid,
// mirroring the source's "register fails on duplicate uid" contract.
func Register(uid string, factory Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[uid]; exists {
		return fmt.Errorf("processor: uid %q already registered", uid)
	}
	registry[uid] = factory
	return nil
}

// GetFactory looks up a registered processor factory by uid.
func GetFactory(uid string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[uid]
	return f, ok
}

// New constructs a processor for uid, or an error if uid is unregistered.
func New(uid string, format racefmt.Format) (RaceProcessor, error) {
	factory, ok := GetFactory(uid)
	if !ok {
		return nil, fmt.Errorf("processor: unknown uid %q", uid)
	}
	return factory(format), nil
}
