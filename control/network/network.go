// Package network brings up the network connection needed before the clock can ask for the time.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/trace"
)

// ErrNotReady means the link did not come up within the allowed number of polls.
var ErrNotReady = errors.New("network connection failed")

// Defaults for WaitReady.
const (
	DefaultPollAttempts = 10
	DefaultPollInterval = 5 * time.Second
)

// Credentials are whatever the link needs to associate, typically a wifi network.
type Credentials struct {
	SSID     string `env:"METER_CLOCK_WIFI_SSID"`
	Password string `env:"METER_CLOCK_WIFI_PASSWORD"`
}

// Link is a network connection that can be asked to connect and then polled for readiness.
type Link interface {
	Connect(ctx context.Context, creds Credentials) error
	// Ready reports whether the link is usable, and its address if so.
	Ready() (string, bool)
}

// Interface is a Link backed by an operating-system network interface that something else
// (NetworkManager, wpa_supplicant, a cable) is responsible for associating.  It is ready once the
// interface is up and has a unicast address.
type Interface struct {
	// Name is the interface to watch; empty means any non-loopback interface.
	Name string

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

// Connect records the credentials the OS is expected to use; association itself happens outside
// this program.
func (i *Interface) Connect(ctx context.Context, creds Credentials) error {
	if creds.SSID != "" {
		log.Info().Str("ssid", creds.SSID).Str("interface", i.Name).Msg("network: waiting for association")
	}
	return nil
}

// Ready implements Link.
func (i *Interface) Ready() (string, bool) {
	list := net.Interfaces
	if i.interfaces != nil {
		list = i.interfaces
	}
	addrsOf := func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }
	if i.addrs != nil {
		addrsOf = i.addrs
	}
	ifaces, err := list()
	if err != nil {
		log.Debug().Err(err).Msg("network: list interfaces")
		return "", false
	}
	for _, iface := range ifaces {
		if i.Name != "" && iface.Name != i.Name {
			continue
		}
		if i.Name == "" && iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := addrsOf(iface)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || !ipnet.IP.IsGlobalUnicast() {
				continue
			}
			return ipnet.IP.String(), true
		}
	}
	return "", false
}

// WaitReady connects the link and polls it until it is ready, up to attempts times spaced
// interval apart.  It returns the link's address.
func WaitReady(ctx context.Context, link Link, creds Credentials, attempts int, interval time.Duration) (string, error) {
	l := trace.NewEventLog("network", "link")
	defer l.Finish()

	if err := link.Connect(ctx, creds); err != nil {
		l.Errorf("connect: %v", err)
		return "", fmt.Errorf("connect: %w", err)
	}
	if attempts < 1 {
		attempts = 1
	}

	poll := 0
	addr, err := backoff.Retry(ctx, func() (string, error) {
		poll++
		if addr, ok := link.Ready(); ok {
			return addr, nil
		}
		l.Printf("poll %d/%d: not ready", poll, attempts)
		log.Info().Int("poll", poll).Int("attempts", attempts).Msg("network: waiting for connection...")
		return "", ErrNotReady
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		l.Errorf("gave up after %d polls: %v", poll, err)
		if ctx.Err() != nil {
			return "", fmt.Errorf("wait for network: %w", ctx.Err())
		}
		return "", fmt.Errorf("wait for network after %d polls: %w", poll, ErrNotReady)
	}
	l.Printf("connected; ip = %s", addr)
	log.Info().Str("ip", addr).Msg("network: connected")
	return addr, nil
}
