// Package memory provides an in-memory persistence.Store for tests and
// local demos; it keeps every appended batch in order, with no actual
// durability.
package memory

import (
	"context"
	"sync"

	"github.com/paddock/racecore/internal/persistence"
)

// Store accumulates every appended lap and signal-history batch in
// memory.
type Store struct {
	mu         sync.Mutex
	laps       []persistence.LapAppend
	signalRows []persistence.SignalHistoryAppend
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{}
}

// AppendLaps appends laps to the in-memory log.
func (s *Store) AppendLaps(ctx context.Context, laps []persistence.LapAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.laps = append(s.laps, laps...)
	return nil
}

// AppendSignalHistory appends signal histories to the in-memory log.
func (s *Store) AppendSignalHistory(ctx context.Context, histories []persistence.SignalHistoryAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalRows = append(s.signalRows, histories...)
	return nil
}

// Laps returns a copy of every lap appended so far (test/demo inspection).
func (s *Store) Laps() []persistence.LapAppend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persistence.LapAppend, len(s.laps))
	copy(out, s.laps)
	return out
}

// SignalHistories returns a copy of every signal history appended so far.
func (s *Store) SignalHistories() []persistence.SignalHistoryAppend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persistence.SignalHistoryAppend, len(s.signalRows))
	copy(out, s.signalRows)
	return out
}
