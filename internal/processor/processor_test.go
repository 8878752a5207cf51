package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock/racecore/internal/laps"
	"github.com/paddock/racecore/internal/racefmt"
)

type stubProcessor struct{}

func (stubProcessor) AddLapRecord(slot int, record laps.Record) (int, bool) { return 0, true }
func (stubProcessor) RemoveLapRecord(slot int, key int)                    {}
func (stubProcessor) IsSlotDone(slot int) bool                             { return false }
func (stubProcessor) GetRaceResults() []SlotResult                         { return nil }
func (stubProcessor) GetSlotResult(slot int) (SlotResult, bool)            { return SlotResult{}, false }
func (stubProcessor) GetLaps() []LapEntry                                  { return nil }

func TestRegisterDuplicateUIDFails(t *testing.T) {
	uid := "test-stub-duplicate"
	require.NoError(t, Register(uid, func(racefmt.Format) RaceProcessor { return stubProcessor{} }))
	err := Register(uid, func(racefmt.Format) RaceProcessor { return stubProcessor{} })
	assert.Error(t, err)
}

func TestNewUnknownUIDFails(t *testing.T) {
	_, err := New("does-not-exist", racefmt.Format{})
	assert.Error(t, err)
}

func TestNewConstructsRegisteredProcessor(t *testing.T) {
	uid := "test-stub-constructs"
	require.NoError(t, Register(uid, func(racefmt.Format) RaceProcessor { return stubProcessor{} }))

	p, err := New(uid, racefmt.Format{})
	require.NoError(t, err)
	assert.NotNil(t, p)
}
