// Package persistence defines the bulk-append collaborator surface (spec
// section 6, "Persisted bulk-append surface"): the core never persists
// live race progress, only a post-race append of laps and then signal
// histories on save_race_data. The interface offers no transaction
// spanning both appends.
package persistence

import "context"

// LapAppend is one row of the lap batch-append surface.
type LapAppend struct {
	SlotID          int
	TimeDeltaSeconds float64
	TimerIndex      int
	TimerIdentifier string
}

// SignalPoint is one (timedelta, value) sample within a signal history.
type SignalPoint struct {
	Timedelta float64
	Value     float64
}

// SignalHistoryAppend is one row of the signal-history batch-append
// surface; History is sorted by Timedelta before being handed to the
// store (sorted on persistence, not on insert).
type SignalHistoryAppend struct {
	SlotID          int
	TimerIndex      int
	TimerIdentifier string
	History         []SignalPoint
}

// Batch sizes: 25 laps per append batch, 5 signal histories per append
// batch.
const (
	LapBatchSize           = 25
	SignalHistoryBatchSize = 5
)

// Store is the external persistence collaborator. The core only ever
// performs a post-race bulk append; it holds no other dependency on
// storage.
type Store interface {
	AppendLaps(ctx context.Context, laps []LapAppend) error
	AppendSignalHistory(ctx context.Context, histories []SignalHistoryAppend) error
}
