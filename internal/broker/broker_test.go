package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock/racecore/internal/raceevents"
)

func recvAll(t *testing.T, sub *Subscription, n int) []raceevents.QueuedEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make([]raceevents.QueuedEvent, 0, n)
	for i := 0; i < n; i++ {
		evt, ok := sub.Recv(ctx)
		require.True(t, ok, "expected event %d", i)
		out = append(out, evt)
	}
	return out
}

func TestSubscribePriorityThenSequenceOrdering(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(raceevents.PilotAdd, map[string]any{"n": 1}, uuid.Nil)
	b.Publish(raceevents.RaceStart, nil, uuid.Nil)
	b.Publish(raceevents.PilotAdd, map[string]any{"n": 2}, uuid.Nil)
	b.Publish(raceevents.PilotAdd, map[string]any{"n": 3}, uuid.Nil)

	got := recvAll(t, sub, 4)

	// RACE_START (Highest) sorts before every PILOT_ADD (Medium),
	// regardless of publish order; ties among PILOT_ADD preserve FIFO.
	assert.Equal(t, raceevents.RaceStart.Name, got[0].Event.Name)
	assert.Equal(t, raceevents.PilotAdd.Name, got[1].Event.Name)
	assert.Equal(t, 1, got[1].Payload["n"])
	assert.Equal(t, 2, got[2].Payload["n"])
	assert.Equal(t, 3, got[3].Payload["n"])
}

func TestSubscribeIndependentFanOut(t *testing.T) {
	b := New(nil)
	a := b.Subscribe()
	defer a.Close()
	c := b.Subscribe()
	defer c.Close()

	b.Publish(raceevents.RaceStart, nil, uuid.Nil)

	recvAll(t, a, 1)
	recvAll(t, c, 1)
}

func TestSubscriptionCloseRemovesFromFanOut(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// Publish after close must not block or panic.
	b.Publish(raceevents.RaceStart, nil, uuid.Nil)
}

func TestTriggerRunsCallbacksInPriorityOrder(t *testing.T) {
	b := New(nil)

	var order []string
	var mu sync.Mutex
	record := func(name string) Callback {
		return func(ctx context.Context, kwargs map[string]any) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	b.RegisterEventCallback(raceevents.RaceStart, record("low"), raceevents.Low, nil)
	b.RegisterEventCallback(raceevents.RaceStart, record("high"), raceevents.High, nil)
	b.RegisterEventCallback(raceevents.RaceStart, record("high-2"), raceevents.High, nil)

	b.Trigger(raceevents.RaceStart, nil, uuid.Nil)
	require.NoError(t, b.Shutdown(context.Background()))

	assert.Equal(t, []string{"high", "high-2", "low"}, order)
}

func TestTriggerSurvivesCallbackPanicAndError(t *testing.T) {
	b := New(nil)

	var ranAfter bool
	b.RegisterEventCallback(raceevents.RaceStart, func(ctx context.Context, kwargs map[string]any) error {
		panic("boom")
	}, raceevents.Highest, nil)
	b.RegisterEventCallback(raceevents.RaceStart, func(ctx context.Context, kwargs map[string]any) error {
		ranAfter = true
		return nil
	}, raceevents.Low, nil)

	b.Trigger(raceevents.RaceStart, nil, uuid.Nil)
	err := b.Shutdown(context.Background())

	require.Error(t, err)
	assert.True(t, ranAfter)
}

func TestTriggerMergesDefaultsAndPayloadPayloadWins(t *testing.T) {
	b := New(nil)

	var seen map[string]any
	b.RegisterEventCallback(raceevents.RaceStart, func(ctx context.Context, kwargs map[string]any) error {
		seen = kwargs
		return nil
	}, raceevents.Medium, map[string]any{"slot": -1, "default_only": true})

	b.Trigger(raceevents.RaceStart, map[string]any{"slot": 3}, uuid.Nil)
	require.NoError(t, b.Shutdown(context.Background()))

	require.NotNil(t, seen)
	assert.Equal(t, 3, seen["slot"])
	assert.Equal(t, true, seen["default_only"])
}

func TestUnregisterUnknownCallbackFails(t *testing.T) {
	b := New(nil)
	err := b.UnregisterEventCallback(raceevents.RaceStart, func(ctx context.Context, kwargs map[string]any) error { return nil })
	require.Error(t, err)
}
