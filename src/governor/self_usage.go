// Package governor decides when live conditions should take precedence over
// the price schedule.
package governor

import (
	"time"
)

// SelfUsageMode is the externally visible state of the self-usage machine
type SelfUsageMode int

const (
	SelfUsageInactive SelfUsageMode = iota
	SelfUsagePending
	SelfUsageActive
)

func (m SelfUsageMode) String() string {
	switch m {
	case SelfUsageInactive:
		return "inactive"
	case SelfUsagePending:
		return "pending"
	case SelfUsageActive:
		return "active"
	default:
		return "unknown"
	}
}

// SelfUsageConfig holds the thresholds for the self-usage triggers
type SelfUsageConfig struct {
	Delay                time.Duration `mapstructure:"delay"`                  // how long a trigger must hold before activating
	ReleaseDelay         time.Duration `mapstructure:"release_delay"`          // how long all triggers must be off before deactivating
	SolarFloorW          float64       `mapstructure:"solar_floor_w"`          // trigger A: solar above this counts as surplus
	HighSoCFraction      float64       `mapstructure:"high_soc_fraction"`      // fraction of max SoC splitting trigger A from trigger B
	BatteryPowerFraction float64       `mapstructure:"battery_power_fraction"` // trigger C: fraction of the weekly peak battery power, 0 disables
}

// DefaultSelfUsageConfig returns the defaults used when nothing is configured
func DefaultSelfUsageConfig() SelfUsageConfig {
	return SelfUsageConfig{
		Delay:           120 * time.Second,
		ReleaseDelay:    120 * time.Second,
		SolarFloorW:     100,
		HighSoCFraction: 0.9,
	}
}

// SelfUsageReading is one snapshot of live values.
// SoC is nil when the battery sensor is unavailable.
type SelfUsageReading struct {
	SolarW       float64
	ConsumptionW float64
	BatteryW     float64
	SoC          *float64
	MaxSoC       float64
	Charging     bool
	Discharging  bool
}

// DebounceTimer reports true once a condition has held continuously for a delay
type DebounceTimer struct {
	since time.Time
	held  bool
}

// Update feeds the current condition and returns whether it has held long enough
func (d *DebounceTimer) Update(now time.Time, condition bool, delay time.Duration) bool {
	if !condition {
		d.held = false
		return false
	}
	if !d.held {
		d.held = true
		d.since = now
	}
	return now.Sub(d.since) >= delay
}

// Since returns when the condition started holding, and whether it currently holds
func (d *DebounceTimer) Since() (time.Time, bool) {
	return d.since, d.held
}

// Reset clears the timer
func (d *DebounceTimer) Reset() {
	d.held = false
}

// SelfUsage decides whether direct solar self-consumption should take
// precedence over the schedule. It is an OR of independently debounced
// triggers, forced off while charging or while the schedule is idle.
type SelfUsage struct {
	config SelfUsageConfig

	solarSurplus  DebounceTimer // trigger A
	solarOverLoad DebounceTimer // trigger B
	batteryPeak   DebounceTimer // trigger C
	release       DebounceTimer

	peakPower *RollingMinMax

	active       bool
	conditionMet bool
	lastChange   time.Time

	// set by Override, cleared once conditionMet moves away from latchedMet
	overridden bool
	latchedMet bool
}

// NewSelfUsage creates an inactive state machine
func NewSelfUsage(config SelfUsageConfig) *SelfUsage {
	return &SelfUsage{
		config:    config,
		peakPower: NewRollingMinMax(7*24*time.Hour, time.Hour),
	}
}

// SetConfig replaces the thresholds without resetting the timers
func (s *SelfUsage) SetConfig(config SelfUsageConfig) {
	s.config = config
}

// Active reports the current output
func (s *SelfUsage) Active() bool {
	return s.active
}

// LastChange returns when the output last flipped
func (s *SelfUsage) LastChange() time.Time {
	return s.lastChange
}

// Mode returns Active, Pending (some trigger is timing) or Inactive,
// with the time the earliest pending trigger started.
func (s *SelfUsage) Mode() (SelfUsageMode, time.Time) {
	if s.active {
		return SelfUsageActive, s.lastChange
	}
	var earliest time.Time
	pending := false
	for _, d := range []*DebounceTimer{&s.solarSurplus, &s.solarOverLoad, &s.batteryPeak} {
		if since, held := d.Since(); held && (!pending || since.Before(earliest)) {
			earliest = since
			pending = true
		}
	}
	if pending {
		return SelfUsagePending, earliest
	}
	return SelfUsageInactive, time.Time{}
}

// Update evaluates one tick and returns the new output
func (s *SelfUsage) Update(now time.Time, r SelfUsageReading) bool {
	if r.BatteryW > 0 {
		s.peakPower.UpdateAt(r.BatteryW, now)
	}

	// Never while charging, and never while the schedule has the battery idle
	if r.Charging || !r.Discharging {
		s.resetTriggers()
		s.overridden = false
		s.conditionMet = false
		s.set(now, false)
		return s.active
	}

	cfg := s.config
	var condA, condB, condC bool
	if r.SoC != nil {
		high := *r.SoC >= cfg.HighSoCFraction*r.MaxSoC
		condA = !high && r.SolarW > cfg.SolarFloorW
		condB = high && r.SolarW > r.ConsumptionW
	}
	if cfg.BatteryPowerFraction > 0 {
		peak := s.peakPower.Max()
		condC = peak > 0 && r.BatteryW >= cfg.BatteryPowerFraction*peak
	}

	met := condA || condB || condC
	if s.overridden {
		if met == s.latchedMet {
			s.conditionMet = met
			return s.active
		}
		s.overridden = false
	}

	firedA := s.solarSurplus.Update(now, condA, cfg.Delay)
	firedB := s.solarOverLoad.Update(now, condB, cfg.Delay)
	firedC := s.batteryPeak.Update(now, condC, cfg.Delay)
	s.conditionMet = met

	if firedA || firedB || firedC {
		s.release.Reset()
		s.set(now, true)
		return s.active
	}

	// Stay on until every trigger has been off for the release delay
	if s.active && s.release.Update(now, !s.conditionMet, cfg.ReleaseDelay) {
		s.set(now, false)
	}
	return s.active
}

// Override forces the output, e.g. from a manual switch. It holds until the
// trigger condition next changes, after which the triggers must hold for the
// full delay again before they act. Charging or an idle schedule still force
// the output off.
func (s *SelfUsage) Override(now time.Time, active bool) {
	s.resetTriggers()
	s.overridden = true
	s.latchedMet = s.conditionMet
	s.set(now, active)
}

// ConditionMet reports whether any trigger condition held at the last tick
func (s *SelfUsage) ConditionMet() bool {
	return s.conditionMet
}

func (s *SelfUsage) set(now time.Time, active bool) {
	if s.active != active {
		s.active = active
		s.lastChange = now
	}
}

func (s *SelfUsage) resetTriggers() {
	s.solarSurplus.Reset()
	s.solarOverLoad.Reset()
	s.batteryPeak.Reset()
	s.release.Reset()
}
