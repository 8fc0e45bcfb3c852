package clock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/meter-clock/control/clockstate"
	"github.com/jrockway/meter-clock/control/rtc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDisplay struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (d *fakeDisplay) Show(f Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.frames = append(d.frames, f)
	return nil
}

func (d *fakeDisplay) Frames() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Frame(nil), d.frames...)
}

type countingSync struct {
	mu    sync.Mutex
	calls int
	last  time.Time
}

func (c *countingSync) CheckAndResync(ctx context.Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = now
}

func (c *countingSync) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type brokenClock struct{}

func (brokenClock) CurrentLocalTime() (clockstate.LocalTime, error) {
	return clockstate.LocalTime{}, errors.New("i2c nak")
}

func TestFractions(t *testing.T) {
	testData := []struct {
		frame   Frame
		h, m, s float64
	}{
		{Frame{0, 0, 0}, 0, 0, 0},
		{Frame{13, 59, 0}, 1.0 / 12, 59.0 / 60, 0},
		{Frame{12, 30, 30}, 0, 0.5, 0.5},
		{Frame{23, 0, 59}, 11.0 / 12, 0, 59.0 / 60},
		{Frame{-1, 75, -5}, 0, 1, 0},
	}
	for _, test := range testData {
		h, m, s := test.frame.Fractions()
		if h != test.h || m != test.m || s != test.s {
			t.Errorf("fractions of %v:\n  got: %v %v %v\n want: %v %v %v", test.frame, h, m, s, test.h, test.m, test.s)
		}
	}
}

func TestFractionsInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := Frame{
			Hours:   rapid.IntRange(0, 23).Draw(t, "hours"),
			Minutes: rapid.IntRange(0, 59).Draw(t, "minutes"),
			Seconds: rapid.IntRange(0, 59).Draw(t, "seconds"),
		}
		h, m, s := f.Fractions()
		for _, x := range []float64{h, m, s} {
			if x < 0 || x >= 1 {
				t.Fatalf("fraction %v out of range for %v", x, f)
			}
		}
		if got, want := h, float64(f.Hours%12)/12; got != want {
			t.Fatalf("hours:\n  got: %v\n want: %v", got, want)
		}
	})
}

func newScheduler(clock clockwork.Clock, d Display, s Resyncer) (*Scheduler, *clockstate.State) {
	state := clockstate.New(rtc.NewSoft(clock), clock)
	return &Scheduler{State: state, Sync: s, Display: d, Clock: clock, PollInterval: 20 * time.Millisecond}, state
}

func TestTickWritesOncePerSecond(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 7, 4, 13, 59, 58, 0, time.UTC))
	d := &fakeDisplay{}
	rs := &countingSync{}
	s, _ := newScheduler(clock, d, rs)

	writes := 0
	for i := 0; i < 100; i++ {
		if s.Tick(ctx) {
			writes++
		}
		clock.Advance(20 * time.Millisecond)
	}
	// 2 seconds of ticks span seconds 58 and 59.
	assert.Equal(t, 2, writes)
	assert.Equal(t, []Frame{{13, 59, 58}, {13, 59, 59}}, d.Frames())
	assert.Equal(t, 100, rs.Calls(), "the sync controller is consulted on every tick")

	require.True(t, s.Tick(ctx))
	assert.Equal(t, Frame{14, 0, 0}, d.Frames()[2])
}

func TestTickReadError(t *testing.T) {
	d := &fakeDisplay{}
	rs := &countingSync{}
	s := &Scheduler{State: brokenClock{}, Sync: rs, Display: d, Clock: clockwork.NewFakeClock()}
	assert.False(t, s.Tick(context.Background()))
	assert.Empty(t, d.Frames())
	assert.Equal(t, 1, rs.Calls())
}

func TestTickDisplayError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &fakeDisplay{err: errors.New("pwm busy")}
	s, _ := newScheduler(clock, d, nil)
	assert.False(t, s.Tick(context.Background()))
	// The failed second is not retried.
	assert.False(t, s.Tick(context.Background()))
	d.err = nil
	clock.Advance(time.Second)
	assert.True(t, s.Tick(context.Background()))
}

func TestTickFollowsState(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &fakeDisplay{}
	s, state := newScheduler(clock, d, nil)
	require.NoError(t, state.Apply(time.Date(2024, 7, 4, 16, 20, 5, 0, time.UTC), -300))
	require.True(t, s.Tick(context.Background()))
	assert.Equal(t, []Frame{{11, 20, 5}}, d.Frames())
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDisplay{}
	rs := &countingSync{}
	s, _ := newScheduler(clockwork.NewRealClock(), d, rs)
	s.PollInterval = time.Millisecond

	errch := make(chan error)
	go func() {
		errch <- s.Run(ctx)
		close(errch)
	}()

	deadline := time.After(5 * time.Second)
	for rs.Calls() < 10 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for ticks")
		case err := <-errch:
			t.Fatalf("unexpected error while running: %v", err)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cancel")
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	}
	assert.NotEmpty(t, d.Frames())
}
