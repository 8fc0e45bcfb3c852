// Package rtc models the real-time clock that holds local wall time for the display.
package rtc

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DateTime is the register layout of a typical RTC.  Weekday runs from 1 (Monday) to 7
// (Sunday).  Values are not range-checked.
type DateTime struct {
	Year, Month, Day int
	Weekday          int
	Hour, Minute     int
	Second           int
	Subsecond        int // nanoseconds
}

// FromTime decomposes the wall-clock reading of t.
func FromTime(t time.Time) DateTime {
	return DateTime{
		Year:      t.Year(),
		Month:     int(t.Month()),
		Day:       t.Day(),
		Weekday:   weekday(t.Weekday()),
		Hour:      t.Hour(),
		Minute:    t.Minute(),
		Second:    t.Second(),
		Subsecond: t.Nanosecond(),
	}
}

// weekday converts Go's Sunday-based weekday to 0-based Monday, plus one.
func weekday(d time.Weekday) int { return (int(d)+6)%7 + 1 }

// Time reassembles the reading as a time.Time in UTC.  The RTC has no notion of zone, so the
// result carries the wall-clock fields only.
func (d DateTime) Time() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, d.Second, d.Subsecond, time.UTC)
}

// RTC is a settable clock.
type RTC interface {
	Set(DateTime) error
	Read() (DateTime, error)
}

// Soft is an RTC that keeps a displacement from an underlying clock, so it runs at the rate of
// that clock from whatever value it was last set to.
type Soft struct {
	clock clockwork.Clock

	mu    sync.Mutex
	delta time.Duration // must hold mu
}

// NewSoft returns a Soft RTC that initially reads the same as clock (in UTC).
func NewSoft(clock clockwork.Clock) *Soft {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Soft{clock: clock}
}

// Set implements RTC.
func (s *Soft) Set(d DateTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delta = d.Time().Sub(s.clock.Now())
	return nil
}

// Read implements RTC.
func (s *Soft) Read() (DateTime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FromTime(s.clock.Now().UTC().Add(s.delta)), nil
}
