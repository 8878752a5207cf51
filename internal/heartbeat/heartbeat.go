// Package heartbeat restores the original source's periodic liveness
// signal: a cron job that triggers HEARTBEAT with host CPU/memory figures
// attached, and STARTUP/SHUTDOWN around the job's own lifecycle (spec
// section 5.4).
package heartbeat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/paddock/racecore/internal/broker"
	"github.com/paddock/racecore/internal/raceevents"
	"github.com/paddock/racecore/pkg/racelog"
)

// Publisher is the subset of broker.Broker the heartbeat job drives.
type Publisher interface {
	Trigger(evt raceevents.Event, payload map[string]any, id uuid.UUID) raceevents.QueuedEvent
}

// Job runs a cron schedule that triggers HEARTBEAT at a fixed interval.
type Job struct {
	pub      Publisher
	log      *racelog.Logger
	interval time.Duration
	cron     *cron.Cron
	entryID  cron.EntryID
}

// New constructs a Job that triggers HEARTBEAT every interval; a
// non-positive interval becomes one second. interval is passed to cron
// unchanged, and cron's "@every" schedule drops any sub-second part (an
// interval under one second runs every second).
func New(pub Publisher, log *racelog.Logger, interval time.Duration) *Job {
	if log == nil {
		log = racelog.NewDefault("heartbeat")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Job{
		pub:      pub,
		log:      log,
		interval: interval,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start triggers STARTUP once and schedules the recurring HEARTBEAT job.
func (j *Job) Start() error {
	j.pub.Trigger(raceevents.Startup, nil, uuid.Nil)

	spec := secondsToCronSpec(j.interval)
	id, err := j.cron.AddFunc(spec, j.fire)
	if err != nil {
		return err
	}
	j.entryID = id
	j.cron.Start()
	return nil
}

// Stop triggers SHUTDOWN and stops the cron scheduler, waiting for any
// in-flight run to finish or ctx to expire.
func (j *Job) Stop(ctx context.Context) {
	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	j.pub.Trigger(raceevents.Shutdown, nil, uuid.Nil)
}

func (j *Job) fire() {
	payload := map[string]any{
		"cpu_percent":    sampleCPUPercent(),
		"memory_percent": sampleMemoryPercent(),
	}
	j.pub.Trigger(raceevents.Heartbeat, payload, uuid.Nil)
}

func sampleCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func sampleMemoryPercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil {
		return 0
	}
	return vm.UsedPercent
}

// secondsToCronSpec builds a "@every" spec, which robfig/cron accepts
// alongside the 6-field grammar WithSeconds() enables.
func secondsToCronSpec(d time.Duration) string {
	return "@every " + d.String()
}
