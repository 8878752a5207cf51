// Package mostlaps implements the default "most-laps" race processor (spec
// section 4.4, "Default: most-laps processor"): pilots rank by completed
// primary lap count, tiebroken by split progress beyond the last gate and
// then by earliest crossing.
package mostlaps

import (
	"fmt"
	"sort"

	"github.com/paddock/racecore/internal/laps"
	"github.com/paddock/racecore/internal/processor"
	"github.com/paddock/racecore/internal/racefmt"
)

// UID is this processor's registry key.
const UID = "most_laps"

func init() {
	_ = processor.Register(UID, func(format racefmt.Format) processor.RaceProcessor {
		return New(format)
	})
}

// score is a slot's ranking key: more primary laps first, then the
// tiebreak index of the most recent split beyond the last primary
// crossing, then earlier last-crossing timestamps (stored negated so a
// plain descending sort on the tuple ranks earlier times higher).
type score struct {
	primaryLaps        int
	splitTiebreakIndex int
	negLastTimestamp   float64
}

// less reports whether a is a strictly lower score than b, i.e. a ranks
// behind b (earlier fields decide; later fields only break ties).
func (a score) less(b score) bool {
	if a.primaryLaps != b.primaryLaps {
		return a.primaryLaps < b.primaryLaps
	}
	if a.splitTiebreakIndex != b.splitTiebreakIndex {
		return a.splitTiebreakIndex < b.splitTiebreakIndex
	}
	return a.negLastTimestamp < b.negLastTimestamp
}

func (a score) equal(b score) bool {
	return a.primaryLaps == b.primaryLaps &&
		a.splitTiebreakIndex == b.splitTiebreakIndex &&
		a.negLastTimestamp == b.negLastTimestamp
}

// Processor is the default most-laps RaceProcessor.
type Processor struct {
	format racefmt.Format
	slots  map[int]*laps.Manager
	order  []int // slot numbers in first-seen order, for deterministic iteration

	nextKey  int
	keySlots map[int]int // key -> slot, for RemoveLapRecord/panics

	cache    []processor.SlotResult
	cacheSet bool
}

// New constructs a fresh most-laps processor for format.
func New(format racefmt.Format) *Processor {
	return &Processor{
		format:   format,
		slots:    make(map[int]*laps.Manager),
		keySlots: make(map[int]int),
	}
}

func (p *Processor) slot(n int) *laps.Manager {
	m, ok := p.slots[n]
	if !ok {
		m = laps.New()
		p.slots[n] = m
		p.order = append(p.order, n)
	}
	return m
}

// AddLapRecord rejects records at or past race_time_sec when overtime is
// disabled; otherwise it assigns an ascending key and
// invalidates the ranking cache.
func (p *Processor) AddLapRecord(slotNum int, record laps.Record) (int, bool) {
	if p.format.HasNoOvertime() && record.Timedelta >= float64(p.format.RaceTimeSec) {
		return 0, false
	}

	key := p.nextKey
	p.nextKey++
	p.slot(slotNum).AddLap(key, record)
	p.keySlots[key] = slotNum
	p.cacheSet = false
	return key, true
}

// RemoveLapRecord removes a previously accepted record. It panics on an
// unknown key, mirroring laps.Manager.RemoveLap's contract.
func (p *Processor) RemoveLapRecord(slotNum int, key int) {
	owner, ok := p.keySlots[key]
	if !ok || owner != slotNum {
		panic(fmt.Sprintf("mostlaps: remove_lap_record on unknown key %d for slot %d", key, slotNum))
	}
	p.slots[slotNum].RemoveLap(key)
	delete(p.keySlots, key)
	p.cacheSet = false
}

// IsSlotDone reports whether slot's newest primary lap has exceeded
// race_time_sec.
func (p *Processor) IsSlotDone(slotNum int) bool {
	m, ok := p.slots[slotNum]
	if !ok {
		return false
	}
	last, ok := m.GetLastPrimaryLap()
	if !ok {
		return false
	}
	return last.Timedelta > float64(p.format.RaceTimeSec)
}

func (p *Processor) slotScore(slotNum int) score {
	m := p.slots[slotNum]

	var s score
	last, ok := m.GetLastPrimaryLap()
	if ok {
		s.primaryLaps = m.TotalPrimaryLaps()
		s.negLastTimestamp = -last.Timedelta
	}

	if lastSplit, ok := m.GetLastSplitLap(); ok && lastSplit.Timedelta > -s.negLastTimestamp {
		s.splitTiebreakIndex = lastSplit.TimerIndex
		s.negLastTimestamp = -lastSplit.Timedelta
	}

	return s
}

// rebuild computes the ranked result cache using dense-tie ("1224"-style)
// ranking: ties share a position, and the position after a group of k ties
// advances by k.
func (p *Processor) rebuild() {
	type row struct {
		slot int
		sc   score
	}
	rows := make([]row, 0, len(p.order))
	for _, slotNum := range p.order {
		rows = append(rows, row{slot: slotNum, sc: p.slotScore(slotNum)})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[j].sc.less(rows[i].sc) // descending: higher score first
	})

	results := make([]processor.SlotResult, 0, len(rows))
	pos, advance := 0, 1
	var lastScore score
	haveLast := false
	for _, r := range rows {
		if haveLast && r.sc.equal(lastScore) {
			advance++
		} else {
			pos += advance
			advance = 1
		}
		lastScore = r.sc
		haveLast = true

		results = append(results, processor.SlotResult{
			SlotNum:  r.slot,
			Position: pos,
			Extras:   map[string]any{"total_laps": p.slots[r.slot].TotalPrimaryLaps()},
		})
	}

	p.cache = results
	p.cacheSet = true
}

// GetRaceResults returns every scored slot in ranked order.
func (p *Processor) GetRaceResults() []processor.SlotResult {
	if !p.cacheSet {
		p.rebuild()
	}
	out := make([]processor.SlotResult, len(p.cache))
	copy(out, p.cache)
	return out
}

// GetSlotResult returns slot's current ranking, if it has recorded laps.
func (p *Processor) GetSlotResult(slotNum int) (processor.SlotResult, bool) {
	if !p.cacheSet {
		p.rebuild()
	}
	for _, r := range p.cache {
		if r.SlotNum == slotNum {
			return r, true
		}
	}
	return processor.SlotResult{}, false
}

// GetLaps returns every accepted lap record across all slots.
func (p *Processor) GetLaps() []processor.LapEntry {
	out := make([]processor.LapEntry, 0)
	for _, slotNum := range p.order {
		for _, rec := range p.slots[slotNum].AllLaps() {
			out = append(out, processor.LapEntry{SlotNum: slotNum, Record: rec})
		}
	}
	return out
}
