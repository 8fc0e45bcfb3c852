package meters

import (
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jrockway/meter-clock/control/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

// pwmPin records the last duty cycle it was asked for.
type pwmPin struct {
	gpiotest.Pin
	duty gpio.Duty
	freq physic.Frequency
	err  error
}

func (p *pwmPin) PWM(d gpio.Duty, f physic.Frequency) error {
	if p.err != nil {
		return p.err
	}
	p.duty, p.freq = d, f
	return nil
}

type recorder struct {
	fractions []float64
}

func (r *recorder) SetDutyFraction(f float64) error {
	r.fractions = append(r.fractions, f)
	return nil
}

func TestPWMChannel(t *testing.T) {
	p := &pwmPin{Pin: gpiotest.Pin{N: "PWM0", Num: -1}}
	c := &PWMChannel{Pin: p, FullScale: 0.5, Frequency: DefaultFrequency}

	testData := []struct {
		fraction float64
		want     gpio.Duty
	}{
		{0, 0},
		{1, gpio.Duty(0.5 * float64(gpio.DutyMax))},
		{0.5, gpio.Duty(0.25 * float64(gpio.DutyMax))},
		{2, gpio.Duty(0.5 * float64(gpio.DutyMax))},
		{-1, 0},
	}
	for _, test := range testData {
		require.NoError(t, c.SetDutyFraction(test.fraction))
		if got, want := p.duty, test.want; got != want {
			t.Errorf("duty for %v:\n  got: %v\n want: %v", test.fraction, got, want)
		}
		assert.Equal(t, DefaultFrequency, p.freq)
	}

	p.err = errors.New("not a pwm pin")
	require.ErrorIs(t, c.SetDutyFraction(0.1), p.err)
}

func TestNewPWMChannel(t *testing.T) {
	require.NoError(t, gpioreg.Register(&gpiotest.Pin{N: "TEST_METER_PWM", Num: -1}))
	c, err := NewPWMChannel("TEST_METER_PWM", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "TEST_METER_PWM", c.Pin.Name())
	assert.Equal(t, 1.0, c.FullScale)
	assert.Equal(t, DefaultFrequency, c.Frequency)

	_, err = NewPWMChannel("TEST_METER_MISSING", 1, 0)
	assert.Error(t, err)
}

func TestShow(t *testing.T) {
	h, m, s := &recorder{}, &recorder{}, &recorder{}
	meters := New(h, m, s)
	require.NoError(t, meters.Show(clock.Frame{Hours: 13, Minutes: 30, Seconds: 15}))
	assert.Equal(t, []float64{1.0 / 12}, h.fractions)
	assert.Equal(t, []float64{0.5}, m.fractions)
	assert.Equal(t, []float64{0.25}, s.fractions)

	require.NoError(t, meters.Zero())
	assert.Equal(t, []float64{1.0 / 12, 0}, h.fractions)
}

func TestShowErrors(t *testing.T) {
	bad := &pwmPin{Pin: gpiotest.Pin{N: "PWM1", Num: -1}, err: errors.New("busy")}
	good := &recorder{}
	meters := New(&PWMChannel{Pin: bad, FullScale: 1}, good, Discard)
	err := meters.Show(clock.Frame{Minutes: 6})
	require.ErrorIs(t, err, bad.err)
	assert.Contains(t, err.Error(), "hours")
	// The other meters still move.
	assert.Equal(t, []float64{0.1}, good.fractions)
}

func TestServeHTTP(t *testing.T) {
	meters := New(Discard, Discard, Discard)
	require.NoError(t, meters.Show(clock.Frame{Hours: 9, Minutes: 41}))

	rec := httptest.NewRecorder()
	meters.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/meters.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("content-type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, previewWidth, img.Bounds().Dx())
	assert.Equal(t, 4*previewRow, img.Bounds().Dy())
}
