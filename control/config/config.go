// Package config loads the clock's configuration from a YAML file and its secrets from the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/jrockway/meter-clock/control/clock"
	"github.com/jrockway/meter-clock/control/network"
	"github.com/jrockway/meter-clock/control/offset"
	"github.com/jrockway/meter-clock/control/syncer"
	"github.com/jrockway/meter-clock/control/timesource"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Config is the whole configuration file.
type Config struct {
	NTP             NTPConfig     `yaml:"ntp"`
	Sync            SyncConfig    `yaml:"sync"`
	Network         NetworkConfig `yaml:"network"`
	Switches        offset.Pins   `yaml:"switches"`
	Meters          MetersConfig  `yaml:"meters"`
	Display         DisplayConfig `yaml:"display"`
	Journal         JournalConfig `yaml:"journal"`
	StepSystemClock bool          `yaml:"step_system_clock"`

	// Credentials come from the environment, never the file.
	Credentials network.Credentials `yaml:"-"`
}

// NTPConfig selects the time server.
type NTPConfig struct {
	Server  string        `yaml:"server"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the sync controller.
type SyncConfig struct {
	ResyncInterval time.Duration `yaml:"resync_interval"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxAttempts    int           `yaml:"max_attempts"` // 0 means retry forever
}

// NetworkConfig says how to wait for the network.
type NetworkConfig struct {
	Interface    string        `yaml:"interface"`
	PollAttempts int           `yaml:"poll_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MeterConfig is one meter.
type MeterConfig struct {
	Pin       string  `yaml:"pin"`
	FullScale float64 `yaml:"full_scale"`
}

// MetersConfig is the three meters and their shared PWM carrier.
type MetersConfig struct {
	Hours     MeterConfig `yaml:"hours"`
	Minutes   MeterConfig `yaml:"minutes"`
	Seconds   MeterConfig `yaml:"seconds"`
	Frequency string      `yaml:"frequency"`
}

// Carrier parses the PWM frequency, like "20kHz".
func (m MetersConfig) Carrier() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(m.Frequency); err != nil {
		return 0, fmt.Errorf("meters.frequency %q: %w", m.Frequency, err)
	}
	return f, nil
}

// DisplayConfig tunes the display loop.
type DisplayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// JournalConfig says where to record sync attempts; an empty path disables the journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when there is no file.
func Default() *Config {
	return &Config{
		NTP: NTPConfig{
			Server:  "pool.ntp.org:123",
			Timeout: timesource.DefaultTimeout,
		},
		Sync: SyncConfig{
			ResyncInterval: syncer.DefaultResyncInterval,
			Backoff:        syncer.DefaultBackoff,
			MaxAttempts:    10,
		},
		Network: NetworkConfig{
			PollAttempts: network.DefaultPollAttempts,
			PollInterval: network.DefaultPollInterval,
		},
		Switches: offset.DefaultPins,
		Meters: MetersConfig{
			Hours:     MeterConfig{Pin: "GPIO0", FullScale: 1},
			Minutes:   MeterConfig{Pin: "GPIO1", FullScale: 1},
			Seconds:   MeterConfig{Pin: "GPIO2", FullScale: 1},
			Frequency: "20kHz",
		},
		Display: DisplayConfig{
			PollInterval: clock.DefaultPollInterval,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then reads secrets from the
// environment.  An empty path means defaults only.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(c)
	if _, err := env.UnmarshalFromEnviron(&c.Credentials); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if _, err := c.Meters.Carrier(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyDefaults replaces values that were set to something unusable.
func applyDefaults(c *Config) {
	d := Default()
	if c.NTP.Server == "" {
		c.NTP.Server = d.NTP.Server
	}
	if c.NTP.Timeout <= 0 {
		c.NTP.Timeout = d.NTP.Timeout
	}
	if c.Sync.ResyncInterval <= 0 {
		c.Sync.ResyncInterval = d.Sync.ResyncInterval
	}
	if c.Sync.Backoff < 0 {
		c.Sync.Backoff = 0
	}
	if c.Sync.MaxAttempts < 0 {
		c.Sync.MaxAttempts = 0
	}
	if c.Network.PollAttempts <= 0 {
		c.Network.PollAttempts = d.Network.PollAttempts
	}
	if c.Network.PollInterval < 0 {
		c.Network.PollInterval = 0
	}
	if c.Switches.Sign == "" {
		c.Switches.Sign = d.Switches.Sign
	}
	for i := range c.Switches.HourTens {
		if c.Switches.HourTens[i] == "" {
			c.Switches.HourTens[i] = d.Switches.HourTens[i]
		}
		if c.Switches.HourOnes[i] == "" {
			c.Switches.HourOnes[i] = d.Switches.HourOnes[i]
		}
		if c.Switches.FiveMinutes[i] == "" {
			c.Switches.FiveMinutes[i] = d.Switches.FiveMinutes[i]
		}
	}
	for _, m := range []struct{ got, def *MeterConfig }{
		{&c.Meters.Hours, &d.Meters.Hours},
		{&c.Meters.Minutes, &d.Meters.Minutes},
		{&c.Meters.Seconds, &d.Meters.Seconds},
	} {
		if m.got.Pin == "" {
			m.got.Pin = m.def.Pin
		}
		if m.got.FullScale <= 0 || m.got.FullScale > 1 {
			m.got.FullScale = m.def.FullScale
		}
	}
	if c.Meters.Frequency == "" {
		c.Meters.Frequency = d.Meters.Frequency
	}
	if c.Display.PollInterval <= 0 {
		c.Display.PollInterval = d.Display.PollInterval
	}
}

// SyncerConfig returns the controller's settings.
func (c *Config) SyncerConfig() syncer.Config {
	return syncer.Config{
		ResyncInterval: c.Sync.ResyncInterval,
		Backoff:        c.Sync.Backoff,
		MaxAttempts:    c.Sync.MaxAttempts,
		Credentials:    c.Credentials,
		LinkAttempts:   c.Network.PollAttempts,
		LinkInterval:   c.Network.PollInterval,
	}
}
