// Package clock samples the clock state and moves the meters when the seconds change.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/meter-clock/control/clockstate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var (
	missedSecondsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missed_seconds",
		Help: "count of seconds that passed without being shown on the meters",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_delay",
		Help:    "amount of time between the seconds changing and the meters being updated, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 20),
	})

	writesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meter_writes",
		Help: "count of frames written to the meters",
	})
)

// DefaultPollInterval is the idle time between ticks.
const DefaultPollInterval = 20 * time.Millisecond

// Frame is what the meters show.
type Frame struct {
	Hours, Minutes, Seconds int
}

// FrameOf extracts the displayed fields of a local time.
func FrameOf(lt clockstate.LocalTime) Frame {
	return Frame{Hours: lt.Hour, Minutes: lt.Minute, Seconds: lt.Second}
}

func clamp(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

// Fractions returns the needle positions for the hours, minutes and seconds meters, each in
// [0,1].  The hours meter is a 12-hour dial.
func (f Frame) Fractions() (h, m, s float64) {
	h = clamp(float64(f.Hours%12) / 12)
	m = clamp(float64(f.Minutes) / 60)
	s = clamp(float64(f.Seconds) / 60)
	return
}

func (f Frame) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", f.Hours, f.Minutes, f.Seconds)
}

// LocalClock reads the current local time.  *clockstate.State implements it.
type LocalClock interface {
	CurrentLocalTime() (clockstate.LocalTime, error)
}

// Resyncer is asked on every tick whether the clock needs resynchronizing.  *syncer.Controller
// implements it.
type Resyncer interface {
	CheckAndResync(ctx context.Context, now time.Time)
}

// Display shows a frame.  *meters.Meters implements it.
type Display interface {
	Show(Frame) error
}

// Scheduler is the display loop.
type Scheduler struct {
	State        LocalClock
	Sync         Resyncer
	Display      Display
	Clock        clockwork.Clock
	PollInterval time.Duration

	shown      bool
	lastSecond int
}

func (s *Scheduler) clock() clockwork.Clock {
	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}
	return s.Clock
}

// Tick runs one iteration of the display loop: it reads the local time, updates the meters if
// the seconds changed since the last write, and gives the sync controller a chance to act.  It
// reports whether the meters were written.
func (s *Scheduler) Tick(ctx context.Context) bool {
	wrote := false
	lt, err := s.State.CurrentLocalTime()
	if err != nil {
		log.Error().Err(err).Msg("clock: read local time; skipping tick")
	} else if !s.shown || lt.Second != s.lastSecond {
		if s.shown && lt.Second != (s.lastSecond+1)%60 {
			missedSecondsCounter.Inc()
		}
		s.shown = true
		s.lastSecond = lt.Second
		f := FrameOf(lt)
		if err := s.Display.Show(f); err != nil {
			log.Error().Err(err).Stringer("frame", f).Msg("clock: update meters")
		} else {
			wrote = true
			writesCounter.Inc()
			tickDelayMetric.Observe(float64(lt.Subsecond))
		}
	}
	if s.Sync != nil {
		s.Sync.CheckAndResync(ctx, s.clock().Now())
	}
	return wrote
}

// Run ticks every PollInterval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := s.clock().NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return fmt.Errorf("display loop: %w", ctx.Err())
		case <-ticker.Chan():
		}
	}
}
