package offset

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Pins names the GPIO lines the switches are wired to, using periph.io pin names.
type Pins struct {
	Sign        string    `yaml:"sign"`
	HourTens    [4]string `yaml:"h10"`
	HourOnes    [4]string `yaml:"h1"`
	FiveMinutes [4]string `yaml:"m5"`

	// NegativeHigh flips the sign switch: a high sign line selects a negative offset.
	NegativeHigh bool `yaml:"negative_high"`
}

// DefaultPins is the wiring of the front panel.
var DefaultPins = Pins{
	Sign:        "GPIO21",
	HourTens:    [4]string{"GPIO8", "GPIO9", "GPIO10", "GPIO11"},
	HourOnes:    [4]string{"GPIO12", "GPIO13", "GPIO14", "GPIO15"},
	FiveMinutes: [4]string{"GPIO19", "GPIO18", "GPIO17", "GPIO16"},
}

// Switches reads a Bank from real GPIO inputs.
type Switches struct {
	sign     gpio.PinIn
	hourTens [4]gpio.PinIn
	hourOnes [4]gpio.PinIn
	fiveMins [4]gpio.PinIn
}

// NewSwitches looks up every pin and configures it as a pulled-up input.
func NewSwitches(p Pins) (*Switches, error) {
	s := new(Switches)
	open := func(name string) (gpio.PinIn, error) {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("no gpio pin named %q", name)
		}
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("configure %s as input: %w", name, err)
		}
		return pin, nil
	}
	var err error
	if s.sign, err = open(p.Sign); err != nil {
		return nil, fmt.Errorf("sign switch: %w", err)
	}
	for i := 0; i < 4; i++ {
		if s.hourTens[i], err = open(p.HourTens[i]); err != nil {
			return nil, fmt.Errorf("tens of hours switch: %w", err)
		}
		if s.hourOnes[i], err = open(p.HourOnes[i]); err != nil {
			return nil, fmt.Errorf("hours switch: %w", err)
		}
		if s.fiveMins[i], err = open(p.FiveMinutes[i]); err != nil {
			return nil, fmt.Errorf("five minute switch: %w", err)
		}
	}
	return s, nil
}

// Read samples every line once.
func (s *Switches) Read() Bank {
	var b Bank
	b.Sign = bool(s.sign.Read())
	for i := 0; i < 4; i++ {
		b.HourTens[i] = bool(s.hourTens[i].Read())
		b.HourOnes[i] = bool(s.hourOnes[i].Read())
		b.FiveMinutes[i] = bool(s.fiveMins[i].Read())
	}
	return b
}
