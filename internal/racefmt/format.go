// Package racefmt defines the race format value type and its validation.
package racefmt

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Format controls a race's timing envelope.
type Format struct {
	// StageTimeSec is the duration of the staging phase before RACING.
	StageTimeSec int `json:"stage_time_sec" validate:"gte=0"`
	// RandomStageDelayMS is the width, in milliseconds, of the random
	// delay added on top of StageTimeSec. A value of zero still draws
	// from rand but always yields an exactly zero-width window.
	RandomStageDelayMS int `json:"random_stage_delay_ms" validate:"gte=0"`
	// UnlimitedTime disables the automatic RACING -> OVERTIME/STOPPED
	// transition entirely; only an operator stop/pause ends the race.
	UnlimitedTime bool `json:"unlimited_time"`
	// RaceTimeSec is the duration of the RACING phase. Required (> 0)
	// unless UnlimitedTime is set.
	RaceTimeSec int `json:"race_time_sec" validate:"required_if=UnlimitedTime false,omitempty,gt=0"`
	// OvertimeSec: negative means unlimited overtime, zero means no
	// overtime (RACING ends straight to STOPPED), positive is a bounded
	// overtime window in seconds.
	OvertimeSec int `json:"overtime_sec"`
	// ProcessorID is the registry key of the scoring rule to use.
	ProcessorID string `json:"processor_id" validate:"required"`
}

// Validate checks Format's field constraints; it does not check
// processor_id against the registry — that is racemanager.Manager.
// ScheduleRace's job, since only it has a registry handle.
func (f Format) Validate() error {
	return validate.Struct(f)
}

// HasBoundedOvertime reports whether OvertimeSec describes a bounded
// overtime window (> 0).
func (f Format) HasBoundedOvertime() bool { return f.OvertimeSec > 0 }

// HasUnboundedOvertime reports whether OvertimeSec describes unlimited
// overtime (< 0).
func (f Format) HasUnboundedOvertime() bool { return f.OvertimeSec < 0 }

// HasNoOvertime reports whether OvertimeSec is exactly zero.
func (f Format) HasNoOvertime() bool { return f.OvertimeSec == 0 }
