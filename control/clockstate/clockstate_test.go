package clockstate

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/meter-clock/control/offset"
	"github.com/jrockway/meter-clock/control/rtc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenRTC struct{}

func (brokenRTC) Set(rtc.DateTime) error { return errors.New("i2c nak") }
func (brokenRTC) Read() (rtc.DateTime, error) { return rtc.DateTime{}, errors.New("i2c nak") }

func TestApply(t *testing.T) {
	boot := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(boot)
	var stepped time.Time
	s := New(rtc.NewSoft(clock), clock)
	s.StepSystem = func(t time.Time) error { stepped = t; return nil }

	_, ok := s.LastSync()
	require.False(t, ok, "new state should be unsynchronized")
	require.False(t, s.Snapshot().Synced())

	utc := time.Date(2024, 7, 4, 16, 0, 0, 0, time.UTC)
	require.NoError(t, s.Apply(utc, 120))

	lt, err := s.CurrentLocalTime()
	require.NoError(t, err)
	assert.Equal(t, 18, lt.Hour)
	assert.Equal(t, 0, lt.Minute)
	assert.Equal(t, offset.Offset(120), lt.Offset)
	assert.True(t, lt.Time().Equal(utc), "local time should name the same instant: %v", lt.Time())
	assert.Equal(t, "+02:00", lt.Time().Location().String())

	last, ok := s.LastSync()
	require.True(t, ok)
	assert.Equal(t, boot, last)
	assert.Equal(t, utc, stepped)
	assert.Equal(t, offset.Offset(120), s.AppliedOffset())
}

func TestShift(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(rtc.NewSoft(clock), clock)
	utc := time.Date(2024, 10, 27, 0, 30, 0, 0, time.UTC)
	require.NoError(t, s.Apply(utc, 120))
	synced, _ := s.LastSync()

	clock.Advance(time.Hour)
	before, after, err := s.Shift(60)
	require.NoError(t, err)
	assert.Equal(t, 3, before.Hour)
	assert.Equal(t, 30, before.Minute)
	assert.Equal(t, 2, after.Hour)
	assert.Equal(t, offset.Offset(60), s.AppliedOffset())

	last, _ := s.LastSync()
	assert.Equal(t, synced, last, "shift must not count as a sync")

	lt, err := s.CurrentLocalTime()
	require.NoError(t, err)
	assert.True(t, lt.Time().Equal(utc.Add(time.Hour)), "shifted time should name the same instant: %v", lt.Time())
}

func TestBrokenRTC(t *testing.T) {
	s := New(brokenRTC{}, clockwork.NewFakeClock())
	assert.Error(t, s.Apply(time.Now(), 60))
	_, ok := s.LastSync()
	assert.False(t, ok, "failed apply must not record a sync")
	assert.Equal(t, offset.Offset(0), s.AppliedOffset())

	_, _, err := s.Shift(60)
	assert.Error(t, err)
	_, err = s.CurrentLocalTime()
	assert.Error(t, err)
}

func TestApplyStepsSystemClockFirst(t *testing.T) {
	utc := time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)
	// The system clock is an hour slow until it is stepped.
	clock := clockwork.NewFakeClockAt(utc.Add(-time.Hour))
	s := New(rtc.NewSoft(clock), clock)
	s.StepSystem = func(t time.Time) error {
		clock.Advance(t.Sub(clock.Now()))
		return nil
	}

	require.NoError(t, s.Apply(utc, 120))
	lt, err := s.CurrentLocalTime()
	require.NoError(t, err)
	if got, want := lt.DateTime.Time(), utc.Add(2*time.Hour); !got.Equal(want) {
		t.Errorf("rtc after apply:\n  got: %v\n want: %v", got, want)
	}
	last, _ := s.LastSync()
	assert.Equal(t, utc, last)
}
