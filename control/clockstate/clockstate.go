// Package clockstate holds the clock's model of time: what the RTC says, which offset is applied
// to it, and when it was last set from the network.
package clockstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/meter-clock/control/offset"
	"github.com/jrockway/meter-clock/control/rtc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var (
	appliedOffsetMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "applied_offset_minutes",
		Help: "timezone offset currently applied to the rtc, in minutes",
	})
	lastSyncMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "last_sync_timestamp_seconds",
		Help: "unix time of the last successful network synchronization",
	})
)

// LocalTime is a reading of the RTC together with the offset it was set with.
type LocalTime struct {
	rtc.DateTime
	Offset offset.Offset
}

// Time returns the reading as an instant in a fixed zone named after the offset, so that its
// wall-clock fields match the RTC.
func (l LocalTime) Time() time.Time {
	return l.DateTime.Time().Add(-l.Offset.Duration()).In(l.zone())
}

func (l LocalTime) zone() *time.Location {
	return time.FixedZone(l.Offset.String(), int(l.Offset.Duration()/time.Second))
}

// Snapshot is a consistent copy of the state.
type Snapshot struct {
	AppliedOffset offset.Offset
	LastSync      time.Time // zero if never synchronized
}

// Synced reports whether the clock was ever set from the network.
func (s Snapshot) Synced() bool { return !s.LastSync.IsZero() }

// State is the clock's model of time.  It has one writer (the sync controller) and any number of
// readers.
type State struct {
	rtc   rtc.RTC
	clock clockwork.Clock
	// StepSystem, if set, is called with the UTC instant of every successful sync.
	StepSystem func(time.Time) error

	mu       sync.RWMutex
	applied  offset.Offset // must hold mu
	lastSync time.Time     // must hold mu
}

// New returns an unsynchronized State around r.
func New(r rtc.RTC, clock clockwork.Clock) *State {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &State{rtc: r, clock: clock}
}

// Apply sets the RTC to instant+o and records that a network sync happened now.
func (s *State) Apply(instant time.Time, o offset.Offset) error {
	// Step first: an RTC that counts from the system clock would otherwise move with the step.
	if s.StepSystem != nil {
		if err := s.StepSystem(instant); err != nil {
			// The display only depends on the RTC, so this is not fatal.
			log.Warn().Err(err).Msg("clockstate: step system clock")
		}
	}
	local := instant.UTC().Add(o.Duration())
	if err := s.rtc.Set(rtc.FromTime(local)); err != nil {
		return fmt.Errorf("set rtc: %w", err)
	}
	now := s.clock.Now()
	s.mu.Lock()
	s.applied = o
	s.lastSync = now
	s.mu.Unlock()
	appliedOffsetMetric.Set(float64(o))
	lastSyncMetric.Set(float64(now.Unix()))
	return nil
}

// Shift moves the RTC by the difference between o and the applied offset, without a network
// time.  The last sync instant is left alone.  It returns the RTC readings before and after.
func (s *State) Shift(o offset.Offset) (before, after rtc.DateTime, err error) {
	before, err = s.rtc.Read()
	if err != nil {
		return before, after, fmt.Errorf("read rtc: %w", err)
	}
	s.mu.RLock()
	old := s.applied
	s.mu.RUnlock()

	after = rtc.FromTime(before.Time().Add((o - old).Duration()))
	if err := s.rtc.Set(after); err != nil {
		return before, after, fmt.Errorf("set rtc: %w", err)
	}
	s.mu.Lock()
	s.applied = o
	s.mu.Unlock()
	appliedOffsetMetric.Set(float64(o))
	return before, after, nil
}

// CurrentLocalTime reads the RTC.
func (s *State) CurrentLocalTime() (LocalTime, error) {
	d, err := s.rtc.Read()
	if err != nil {
		return LocalTime{}, fmt.Errorf("read rtc: %w", err)
	}
	return LocalTime{DateTime: d, Offset: s.AppliedOffset()}, nil
}

// AppliedOffset returns the offset currently in effect.
func (s *State) AppliedOffset() offset.Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// LastSync returns the instant of the last successful network sync, and false if there has been
// none.
func (s *State) LastSync() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync, !s.lastSync.IsZero()
}

// Snapshot returns a consistent copy of the offset and last sync.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{AppliedOffset: s.applied, LastSync: s.lastSync}
}
