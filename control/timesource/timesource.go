// Package timesource fetches the current UTC time from an NTP server.
//
// A Client makes exactly one request per call to Synchronize; retrying is up to the caller.
package timesource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/facebookincubator/ntp/protocol/ntp"
	"github.com/jonboulle/clockwork"
)

// ErrTimeout is returned when the server does not answer before the deadline.
var ErrTimeout = errors.New("ntp request timed out")

// TransportError is any failure other than a timeout.  Code is the errno of the underlying
// failure when there is one, or -1.
type TransportError struct {
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("ntp transport error (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("ntp transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportError(err error) error {
	code := -1
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = int(errno)
	}
	return &TransportError{Code: code, Err: err}
}

// classify turns a network error into ErrTimeout or a TransportError.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return transportError(fmt.Errorf("%s: %w", op, err))
}

const (
	// Leap indicator 0, version 4, mode 3 (client).
	clientSettings = 0x23
	modeServer     = 4
	packetSize     = 48
	// DefaultTimeout bounds a single request when the Client does not set one.
	DefaultTimeout = 5 * time.Second
)

// Client is a minimal SNTP client.
type Client struct {
	// Server is a host:port; a bare host gets port 123.
	Server  string
	Timeout time.Duration
	Clock   clockwork.Clock
	// Dial is used to open the connection; net.Dialer.DialContext when nil.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (c *Client) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

func (c *Client) addr() string {
	if _, _, err := net.SplitHostPort(c.Server); err == nil {
		return c.Server
	}
	return net.JoinHostPort(c.Server, "123")
}

// Synchronize asks the server for the time once and returns the authoritative UTC instant,
// corrected for half of the round trip.
func (c *Client) Synchronize(ctx context.Context) (time.Time, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := c.Dial
	if dial == nil {
		dial = new(net.Dialer).DialContext
	}
	conn, err := dial(ctx, "udp", c.addr())
	if err != nil {
		return time.Time{}, classify("dial", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return time.Time{}, transportError(fmt.Errorf("set deadline: %w", err))
		}
	}

	clock := c.clock()
	sent := clock.Now()
	sec, frac := ntp.Time(sent)
	req := &ntp.Packet{
		Settings:   clientSettings,
		TxTimeSec:  sec,
		TxTimeFrac: frac,
	}
	reqBytes, err := req.Bytes()
	if err != nil {
		return time.Time{}, transportError(fmt.Errorf("encode request: %w", err))
	}
	if _, err := conn.Write(reqBytes); err != nil {
		return time.Time{}, classify("send request", err)
	}

	buf := make([]byte, packetSize)
	n, err := conn.Read(buf)
	if err != nil {
		return time.Time{}, classify("read response", err)
	}
	received := clock.Now()
	return parseResponse(buf[:n], req, sent, received)
}

// parseResponse validates a server reply and computes the corrected instant.
func parseResponse(b []byte, req *ntp.Packet, sent, received time.Time) (time.Time, error) {
	if len(b) < packetSize {
		return time.Time{}, transportError(fmt.Errorf("short response: got %d bytes, want %d", len(b), packetSize))
	}
	res, err := ntp.BytesToPacket(b[:packetSize])
	if err != nil {
		return time.Time{}, transportError(fmt.Errorf("decode response: %w", err))
	}
	if mode := res.Settings & 0x7; mode != modeServer {
		return time.Time{}, transportError(fmt.Errorf("unexpected response mode %d", mode))
	}
	if res.Stratum == 0 {
		return time.Time{}, transportError(fmt.Errorf("kiss-o'-death from server (refid %x)", res.ReferenceID))
	}
	if res.Stratum > 15 {
		return time.Time{}, transportError(fmt.Errorf("server is unsynchronized (stratum %d)", res.Stratum))
	}
	if res.OrigTimeSec != req.TxTimeSec || res.OrigTimeFrac != req.TxTimeFrac {
		return time.Time{}, transportError(errors.New("response does not match request"))
	}
	if res.TxTimeSec == 0 && res.TxTimeFrac == 0 {
		return time.Time{}, transportError(errors.New("server sent a zero transmit timestamp"))
	}

	serverRx := ntp.Unix(res.RxTimeSec, res.RxTimeFrac)
	serverTx := ntp.Unix(res.TxTimeSec, res.TxTimeFrac)
	// Round trip minus the time the server spent holding the packet.
	delay := received.Sub(sent) - serverTx.Sub(serverRx)
	if delay < 0 {
		delay = 0
	}
	return serverTx.Add(delay / 2).UTC(), nil
}
