package heartbeat

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

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Trigger(evt raceevents.Event, payload map[string]any, id uuid.UUID) raceevents.QueuedEvent {
	p.mu.Lock()
	p.events = append(p.events, evt.Name)
	p.mu.Unlock()
	return raceevents.NewQueuedEvent(evt, payload, id)
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func TestStartTriggersStartupImmediately(t *testing.T) {
	pub := &recordingPublisher{}
	job := New(pub, nil, time.Hour)
	require.NoError(t, job.Start())
	defer job.Stop(context.Background())

	assert.Contains(t, pub.names(), "STARTUP")
}

func TestHeartbeatFiresOnSchedule(t *testing.T) {
	pub := &recordingPublisher{}
	job := New(pub, nil, 1100*time.Millisecond)
	require.NoError(t, job.Start())
	defer job.Stop(context.Background())

	require.Eventually(t, func() bool {
		for _, name := range pub.names() {
			if name == "HEARTBEAT" {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStopTriggersShutdown(t *testing.T) {
	pub := &recordingPublisher{}
	job := New(pub, nil, time.Hour)
	require.NoError(t, job.Start())

	job.Stop(context.Background())
	assert.Contains(t, pub.names(), "SHUTDOWN")
}
