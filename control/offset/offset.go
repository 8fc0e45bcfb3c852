// Package offset decodes the timezone offset selected on the front-panel switches.
//
// The panel has a sign switch and three BCD thumbwheels: tens of hours, hours, and a count of
// five-minute steps.  Every line is pulled up, so a closed switch reads low; a line that reads
// high is a logical 0.
package offset

import (
	"fmt"
	"strings"
	"time"
)

// Offset is a signed displacement from UTC in minutes.
type Offset int

// Duration returns the offset as a time.Duration.
func (o Offset) Duration() time.Duration { return time.Duration(o) * time.Minute }

// String formats the offset like a UTC offset, e.g. "+02:00" or "-05:30".
func (o Offset) String() string {
	sign := "+"
	m := int(o)
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%02d:%02d", sign, m/60, m%60)
}

// Nibble holds the raw line levels of one thumbwheel, most significant bit (weight 8) first.
type Nibble [4]bool

// Value returns the digit selected on the thumbwheel.  Combinations above 9 are returned as-is.
func (n Nibble) Value() int {
	var v int
	for i, level := range n {
		if !level {
			v += 8 >> i
		}
	}
	return v
}

// Bank is one reading of every switch on the panel, as raw line levels.
type Bank struct {
	Sign        bool
	HourTens    Nibble
	HourOnes    Nibble
	FiveMinutes Nibble
}

// Negative reports whether the sign switch selects a negative offset.
func (b Bank) Negative() bool { return !b.Sign }

// Valid reports whether every thumbwheel holds a decimal digit.
func (b Bank) Valid() bool {
	return b.HourTens.Value() <= 9 && b.HourOnes.Value() <= 9 && b.FiveMinutes.Value() <= 9
}

// String dumps the raw line levels, for debugging wiring problems.
func (b Bank) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, "sign:%d", level(b.Sign))
	for _, n := range []struct {
		name string
		bits Nibble
	}{{"h10", b.HourTens}, {"h1", b.HourOnes}, {"m5", b.FiveMinutes}} {
		for i, l := range n.bits {
			fmt.Fprintf(buf, " %s_%d:%d", n.name, 8>>i, level(l))
		}
	}
	return buf.String()
}

func level(l bool) int {
	if l {
		return 1
	}
	return 0
}

// Decode computes the offset selected by the switches.  It never fails; out-of-range digits
// produce a defined but meaningless offset.
func Decode(b Bank) Offset {
	sign := 1
	if b.Negative() {
		sign = -1
	}
	hours := 10*b.HourTens.Value() + b.HourOnes.Value()
	return Offset(sign * (hours*60 + 5*b.FiveMinutes.Value()))
}

// Reader produces the current switch readings.
type Reader interface {
	Read() Bank
}

// Decoder decodes the offset from a live switch bank.
type Decoder struct {
	Reader Reader

	// NegativeHigh is for panels whose sign line reads high for a negative offset.
	NegativeHigh bool
}

// Decode reads the switches and decodes them.
func (d *Decoder) Decode() (Offset, Bank) {
	b := d.Reader.Read()
	o := Decode(b)
	if d.NegativeHigh {
		o = -o
	}
	return o, b
}
