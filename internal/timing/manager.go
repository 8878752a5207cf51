package timing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/paddock/racecore/internal/laps"
	"github.com/paddock/racecore/internal/persistence"
	"github.com/paddock/racecore/pkg/raceerrors"
	"github.com/paddock/racecore/pkg/racelog"
)

// defaultSignalRate/defaultSignalBurst bound how fast a single timer
// interface's signal samples are drained into the sink; an RSSI-streaming
// driver can otherwise flood the manager far faster than anything
// downstream needs (signal history is sampled, not authoritative).
const (
	defaultSignalRate  = 100
	defaultSignalBurst = 200
)

// RaceSink is the subset of racemanager.Manager the timer manager routes
// ingested data into; a narrow interface so this package doesn't need a
// direct dependency on the full race manager.
type RaceSink interface {
	StatusAwareLapRecord(slot int, record laps.Record) (int, bool)
	StatusAwareSignalRecord(nodeIndex, timerIndex int, timerIdentifier string, point persistence.SignalPoint)
	RaceStartTime() (float64, bool)
}

type instance struct {
	id     uuid.UUID
	driver Driver
	mode   Mode
	index  int

	lapQueue      chan TimerData
	signalQueue   chan TimerData
	signalLimiter *rate.Limiter
	cancel        context.CancelFunc
}

// Manager registers timer driver classes, instantiates connections to
// devices, and drains their queues into a RaceSink.
type Manager struct {
	sink RaceSink
	log  *racelog.Logger

	mu        sync.Mutex
	drivers   map[string]Factory
	instances map[uuid.UUID]*instance

	wg sync.WaitGroup
}

// New constructs a Manager that routes ingested data into sink.
func New(sink RaceSink, log *racelog.Logger) *Manager {
	if log == nil {
		log = racelog.NewDefault("timing")
	}
	return &Manager{
		sink:      sink,
		log:       log,
		drivers:   make(map[string]Factory),
		instances: make(map[uuid.UUID]*instance),
	}
}

// Register installs factory under identifier. It fails on a duplicate
// identifier.
func (m *Manager) Register(identifier string, factory Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.drivers[identifier]; exists {
		return fmt.Errorf("timing: driver identifier %q already registered", identifier)
	}
	m.drivers[identifier] = factory
	return nil
}

// Unregister removes identifier. It fails if unknown.
func (m *Manager) Unregister(identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.drivers[identifier]; !exists {
		return raceerrors.NotFoundErr("timer_driver", identifier)
	}
	delete(m.drivers, identifier)
	return nil
}

// InstantiateInterface constructs a driver registered under identifier and
// assigns it mode and index. If id is uuid.Nil, one is generated. Fails on
// an unknown identifier or a duplicate id.
func (m *Manager) InstantiateInterface(identifier string, mode Mode, index int, id uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	factory, ok := m.drivers[identifier]
	if !ok {
		return uuid.Nil, raceerrors.NotFoundErr("timer_driver", identifier)
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	if _, exists := m.instances[id]; exists {
		return uuid.Nil, fmt.Errorf("timing: interface uuid %s already instantiated", id)
	}

	driver := factory()
	inst := &instance{
		id:            id,
		driver:        driver,
		mode:          mode,
		index:         index,
		lapQueue:      make(chan TimerData, 256),
		signalQueue:   make(chan TimerData, 256),
		signalLimiter: rate.NewLimiter(rate.Limit(defaultSignalRate), defaultSignalBurst),
	}
	driver.Subscribe(inst.lapQueue, inst.signalQueue)
	m.instances[id] = inst
	return id, nil
}

// DecommissionInterface shuts down the driver and drops the instance.
func (m *Manager) DecommissionInterface(id uuid.UUID) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return raceerrors.NotFoundErr("timer_interface", id.String())
	}
	delete(m.instances, id)
	m.mu.Unlock()

	if inst.cancel != nil {
		inst.cancel()
	}
	inst.driver.Shutdown()
	return nil
}

// Start spawns two consumer goroutines per active instance, draining its
// lap and signal queues forever and routing into the sink.
func (m *Manager) Start() {
	m.mu.Lock()
	instances := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	for _, inst := range instances {
		m.startConsumers(inst)
	}
}

func (m *Manager) startConsumers(inst *instance) {
	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel

	m.wg.Add(2)
	go m.consumeLaps(ctx, inst)
	go m.consumeSignals(ctx, inst)
}

func (m *Manager) timedelta(ts float64) float64 {
	if start, ok := m.sink.RaceStartTime(); ok {
		return ts - start
	}
	return ts
}

func (m *Manager) consumeLaps(ctx context.Context, inst *instance) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-inst.lapQueue:
			if !ok {
				return
			}
			record := laps.Record{
				Timedelta:       m.timedelta(data.Timestamp),
				NodeIndex:       data.NodeIndex,
				TimerIdentifier: data.TimerIdentifier,
				TimerIndex:      inst.index,
			}
			if _, ok := m.sink.StatusAwareLapRecord(data.NodeIndex, record); !ok {
				m.log.WithField("node_index", data.NodeIndex).Debug("lap record discarded outside UNDERWAY")
			}
		}
	}
}

func (m *Manager) consumeSignals(ctx context.Context, inst *instance) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-inst.signalQueue:
			if !ok {
				return
			}
			if err := inst.signalLimiter.Wait(ctx); err != nil {
				return
			}
			m.sink.StatusAwareSignalRecord(data.NodeIndex, inst.index, data.TimerIdentifier, persistence.SignalPoint{
				Timedelta: m.timedelta(data.Timestamp),
				Value:     data.Value,
			})
		}
	}
}

// Shutdown decommissions every active interface and waits up to timeout
// for the consumer goroutines to drain before giving up.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.DecommissionInterface(id); err != nil {
			m.log.WithField("error", err).Warn("error decommissioning timer interface during shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timing: shutdown timed out after %s waiting for consumers", timeout)
	}
}
