package model

import (
	"fmt"
	"math"
	"time"
)

// IntervalUnit is the unit of a refill interval.
type IntervalUnit string

const (
	UnitSeconds IntervalUnit = "seconds"
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
	UnitWeeks   IntervalUnit = "weeks"
	UnitMonths  IntervalUnit = "months"
)

// Month is the fixed length of a refill month.
const Month = 30 * 24 * time.Hour

var unitDurations = map[IntervalUnit]time.Duration{
	UnitSeconds: time.Second,
	UnitMinutes: time.Minute,
	UnitHours:   time.Hour,
	UnitDays:    24 * time.Hour,
	UnitWeeks:   7 * 24 * time.Hour,
	UnitMonths:  Month,
}

// Valid reports whether u is a known unit.
func (u IntervalUnit) Valid() bool {
	_, ok := unitDurations[u]
	return ok
}

// Base returns the length of one unit, or zero for unknown units.
func (u IntervalUnit) Base() time.Duration {
	return unitDurations[u]
}

// MaxValue returns the largest interval value that fits a time.Duration,
// or zero for unknown units.
func (u IntervalUnit) MaxValue() int64 {
	base := u.Base()
	if base <= 0 {
		return 0
	}
	return math.MaxInt64 / int64(base)
}

// Duration returns value units as a duration. Unknown units and
// non-positive values yield zero; values past MaxValue saturate.
func (u IntervalUnit) Duration(value int64) time.Duration {
	if value <= 0 || !u.Valid() {
		return 0
	}
	if value > u.MaxValue() {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(value) * u.Base()
}

// ParseIntervalUnit accepts the canonical unit names plus their singular forms.
func ParseIntervalUnit(s string) (IntervalUnit, error) {
	u := IntervalUnit(s)
	if u.Valid() {
		return u, nil
	}
	plural := IntervalUnit(s + "s")
	if plural.Valid() {
		return plural, nil
	}
	return "", fmt.Errorf("%w: unknown interval unit %q", ErrInvalidRequest, s)
}
