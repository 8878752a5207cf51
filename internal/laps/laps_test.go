package laps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLapSortsByTimedelta(t *testing.T) {
	m := New()
	m.AddLap(3, Record{Timedelta: 5.0})
	m.AddLap(1, Record{Timedelta: 1.0})
	m.AddLap(2, Record{Timedelta: 3.0})

	last, ok := m.GetLastPrimaryLap()
	require.True(t, ok)
	assert.Equal(t, 5.0, last.Timedelta)
	assert.Equal(t, 3, m.TotalPrimaryLaps())
}

func TestRemoveUnknownKeyPanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.RemoveLap(42) })
}

func TestRemoveLapRestoresState(t *testing.T) {
	m := New()
	m.AddLap(1, Record{Timedelta: 1.0})
	m.AddLap(2, Record{Timedelta: 2.0})
	m.RemoveLap(2)

	assert.Equal(t, 1, m.TotalPrimaryLaps())
	last, ok := m.GetLastPrimaryLap()
	require.True(t, ok)
	assert.Equal(t, 1.0, last.Timedelta)
}

func TestGetFastestTimeNoHoleshot(t *testing.T) {
	m := New()
	m.AddLap(1, Record{Timedelta: 2.0}) // gap from 0: 2.0
	m.AddLap(2, Record{Timedelta: 3.5}) // gap: 1.5
	m.AddLap(3, Record{Timedelta: 6.5}) // gap: 3.0

	fastest, ok := m.GetFastestTime(false)
	require.True(t, ok)
	assert.Equal(t, 1.5, fastest)
}

func TestGetFastestTimeHoleshotRequiresTwoLaps(t *testing.T) {
	m := New()
	m.AddLap(1, Record{Timedelta: 2.0})

	_, ok := m.GetFastestTime(true)
	assert.False(t, ok)

	m.AddLap(2, Record{Timedelta: 3.5})
	fastest, ok := m.GetFastestTime(true)
	require.True(t, ok)
	assert.Equal(t, 1.5, fastest)
}

func TestGetFastestConsecutiveTimePartialThenFull(t *testing.T) {
	m := New()
	m.AddLap(1, Record{Timedelta: 1.0}) // gap 1.0
	used, total, ok := m.GetFastestConsecutiveTime(2, false)
	require.True(t, ok)
	assert.Equal(t, 1, used)
	assert.Equal(t, 1.0, total)

	m.AddLap(2, Record{Timedelta: 3.0}) // gap 2.0 -> window [1.0,2.0]=3.0
	m.AddLap(3, Record{Timedelta: 4.5}) // gap 1.5 -> window [2.0,1.5]=3.5

	used, total, ok = m.GetFastestConsecutiveTime(2, false)
	require.True(t, ok)
	assert.Equal(t, 2, used)
	assert.Equal(t, 3.0, total)
}

func TestCacheInvalidatedOnMutation(t *testing.T) {
	m := New()
	m.AddLap(1, Record{Timedelta: 1.0})
	m.AddLap(2, Record{Timedelta: 3.0})

	first, _ := m.GetFastestTime(false)
	assert.Equal(t, 1.0, first)

	m.AddLap(3, Record{Timedelta: 1.2})
	second, _ := m.GetFastestTime(false)
	assert.InDelta(t, 0.2, second, 1e-9)
}

func TestSplitLapsTrackedSeparately(t *testing.T) {
	m := New()
	m.AddLap(1, Record{Timedelta: 1.0, TimerIndex: 0})
	m.AddLap(2, Record{Timedelta: 1.5, TimerIndex: 1})

	assert.Equal(t, 1, m.TotalPrimaryLaps())
	lastSplit, ok := m.GetLastSplitLap()
	require.True(t, ok)
	assert.Equal(t, 1.5, lastSplit.Timedelta)
}
