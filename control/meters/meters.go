// Package meters drives the three panel meters, and retains a picture of them for debugging the
// rest of the program without the meters attached.
package meters

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"sync"

	"github.com/jrockway/meter-clock/control/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

const (
	// DefaultFrequency is the PWM carrier.  Moving-coil meters integrate it; anything well above
	// the needle's response works.
	DefaultFrequency = 20 * physic.KiloHertz

	previewWidth  = 320
	previewRow    = 24 // Height of one meter in the preview.
	previewLabel  = 24 // Width of the label column.
	previewMargin = 4
)

// Channel is one analog output.
type Channel interface {
	// SetDutyFraction moves the needle to fraction of full scale.
	SetDutyFraction(fraction float64) error
}

// PWMChannel is a meter on a PWM-capable pin.  FullScale calibrates the meter: it is the
// fraction of the maximum duty cycle that puts the needle at the end of the scale.
type PWMChannel struct {
	Pin       gpio.PinOut
	FullScale float64
	Frequency physic.Frequency
}

// NewPWMChannel looks up a pin by name.
func NewPWMChannel(name string, fullScale float64, f physic.Frequency) (*PWMChannel, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no pin named %q", name)
	}
	if fullScale <= 0 {
		fullScale = 1
	}
	if f == 0 {
		f = DefaultFrequency
	}
	return &PWMChannel{Pin: p, FullScale: fullScale, Frequency: f}, nil
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

// Duty returns the duty cycle that shows fraction.
func (c *PWMChannel) Duty(fraction float64) gpio.Duty {
	return gpio.Duty(clamp(fraction) * clamp(c.FullScale) * float64(gpio.DutyMax))
}

// SetDutyFraction implements Channel.
func (c *PWMChannel) SetDutyFraction(fraction float64) error {
	d := c.Duty(fraction)
	if err := c.Pin.PWM(d, c.Frequency); err != nil {
		return fmt.Errorf("%s: set duty %v: %w", c.Pin, d, err)
	}
	return nil
}

type discard struct{}

func (discard) SetDutyFraction(float64) error { return nil }

// Discard is a Channel that goes nowhere, for running without meters attached.
var Discard Channel = discard{}

// Meters is the hours, minutes and seconds meters.
type Meters struct {
	Hours, Minutes, Seconds Channel

	imageMu sync.Mutex
	image   *image.NRGBA // must hold imageMu to read or write.
}

// New returns Meters driving the three channels.
func New(hours, minutes, seconds Channel) *Meters {
	m := &Meters{Hours: hours, Minutes: minutes, Seconds: seconds}
	m.updateCurrentImage(clock.Frame{}, 0, 0, 0)
	return m
}

// Show implements clock.Display.
func (m *Meters) Show(f clock.Frame) error {
	fh, fm, fs := f.Fractions()
	err := m.set(fh, fm, fs)
	m.updateCurrentImage(f, fh, fm, fs)
	if err != nil {
		return fmt.Errorf("show %v: %w", f, err)
	}
	return nil
}

// Zero parks every needle at the bottom of its scale.
func (m *Meters) Zero() error {
	if err := m.set(0, 0, 0); err != nil {
		return fmt.Errorf("zero meters: %w", err)
	}
	return nil
}

func (m *Meters) set(hours, minutes, seconds float64) error {
	var errs []error
	for _, c := range []struct {
		name string
		ch   Channel
		f    float64
	}{{"hours", m.Hours, hours}, {"minutes", m.Minutes, minutes}, {"seconds", m.Seconds, seconds}} {
		if c.ch == nil {
			continue
		}
		if err := c.ch.SetDutyFraction(c.f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// ServeHTTP serves the current image as a PNG.
func (m *Meters) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	m.imageMu.Lock()
	defer m.imageMu.Unlock()
	if err := png.Encode(w, m.image); err != nil {
		log.Error().Err(err).Msg("meters: encoding image")
	}
}

// updateCurrentImage draws a bar for each meter, labelled, with the time underneath.
func (m *Meters) updateCurrentImage(f clock.Frame, fractions ...float64) {
	img := image.NewNRGBA(image.Rect(0, 0, previewWidth, 4*previewRow))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	face := basicfont.Face7x13
	text := func(s string, x, y int) {
		d := &font.Drawer{Dst: img, Src: image.White, Face: face, Dot: fixed.P(x, y)}
		d.DrawString(s)
	}
	barWidth := previewWidth - previewLabel - previewMargin
	for i, label := range []string{"H", "M", "S"} {
		top := i * previewRow
		text(label, previewMargin, top+previewRow/2+face.Ascent/2)
		frame := image.Rect(previewLabel, top+previewMargin, previewLabel+barWidth, top+previewRow-previewMargin)
		draw.Draw(img, frame, image.NewUniform(color.Gray{Y: 0x40}), image.Point{}, draw.Src)
		fill := frame
		fill.Max.X = fill.Min.X + int(clamp(fractions[i])*float64(barWidth))
		draw.Draw(img, fill, image.NewUniform(color.NRGBA{R: 0xff, G: 0xb0, A: 0xff}), image.Point{}, draw.Src)
	}
	text(f.String(), previewLabel, 3*previewRow+previewRow/2+face.Ascent/2)

	m.imageMu.Lock()
	m.image = img
	m.imageMu.Unlock()
}
