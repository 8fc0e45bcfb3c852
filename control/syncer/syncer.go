// Package syncer keeps the clock state synchronized with network time and with the offset
// switches.
//
// The controller has three states.  It starts Unsynchronized, becomes Synchronized after the
// first successful network sync, and is Resyncing while a background resync is in flight.  A
// resync is started when the offset switches change or when the last successful sync is older
// than the resync interval.
//
// CheckAndResync never waits for the network.  The network request runs in its own goroutine
// and hands its result back through a single-slot mailbox, which the next CheckAndResync
// collects and applies.  Only one resync is ever in flight.  CheckAndResync and Wait must be
// called from a single goroutine; Status may be called from anywhere.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/jrockway/meter-clock/control/clockstate"
	"github.com/jrockway/meter-clock/control/journal"
	"github.com/jrockway/meter-clock/control/network"
	"github.com/jrockway/meter-clock/control/offset"
	"github.com/jrockway/meter-clock/control/timesource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/trace"
)

// ErrNoTime means the initial sync could not get a time from the network.
var ErrNoTime = errors.New("no time available")

var (
	syncAttemptsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_attempts_total",
		Help: "network time requests, by reason and result",
	}, []string{"kind", "result"})

	offsetChangesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offset_changes_total",
		Help: "number of times the offset switches were changed",
	})
)

// Status is the controller's state.
type Status int

const (
	Unsynchronized Status = iota
	Synchronized
	Resyncing
)

func (s Status) String() string {
	switch s {
	case Unsynchronized:
		return "unsynchronized"
	case Synchronized:
		return "synchronized"
	case Resyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Kinds of sync, as recorded in the journal and metrics.
const (
	KindInitial  = "initial"
	KindOffset   = "offset"
	KindInterval = "interval"
)

// TimeSource fetches the authoritative UTC time.  timesource.Client implements it.
type TimeSource interface {
	Synchronize(ctx context.Context) (time.Time, error)
}

// OffsetSource decodes the current switch positions.  offset.Decoder implements it.
type OffsetSource interface {
	Decode() (offset.Offset, offset.Bank)
}

// Recorder stores sync events.  journal.DB implements it.
type Recorder interface {
	Record(journal.Event) error
}

// Config tunes the controller.
type Config struct {
	// ResyncInterval is the maximum age of the last successful sync.
	ResyncInterval time.Duration
	// Backoff is the pause after a timed-out request before the next one, and the first
	// delay before retrying a failed resync (DefaultBackoff if zero).  The resync delay
	// doubles with every consecutive failure, up to ResyncInterval.
	Backoff time.Duration
	// MaxAttempts bounds the requests made by EnsureInitialSync; 0 means no bound.
	MaxAttempts int

	Credentials  network.Credentials
	LinkAttempts int
	LinkInterval time.Duration
}

// Defaults for Config.
const (
	DefaultResyncInterval = 24 * time.Hour
	DefaultBackoff        = 5 * time.Second
)

type result struct {
	kind    string
	instant time.Time
	fetched time.Time
	err     error
}

// Controller orchestrates the time source, the offset switches and the clock state.
type Controller struct {
	cfg     Config
	state   *clockstate.State
	source  TimeSource
	offsets OffsetSource
	link    network.Link
	clock   clockwork.Clock
	journal Recorder
	events  trace.EventLog

	statusMu sync.Mutex
	status   Status // must hold statusMu

	connected bool
	lastBank  offset.Bank
	haveBank  bool
	inflight  bool
	retry     backoff.BackOff
	retryAt   time.Time
	results   chan result
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithLink sets the network link that must be up before the first sync.
func WithLink(l network.Link) Option { return func(ctl *Controller) { ctl.link = l } }

// WithJournal records every sync attempt.
func WithJournal(r Recorder) Option { return func(ctl *Controller) { ctl.journal = r } }

// New returns an Unsynchronized controller.
func New(cfg Config, state *clockstate.State, source TimeSource, offsets OffsetSource, opts ...Option) *Controller {
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.LinkAttempts <= 0 {
		cfg.LinkAttempts = network.DefaultPollAttempts
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.Backoff
	if retry.InitialInterval == 0 {
		retry.InitialInterval = DefaultBackoff
	}
	retry.RandomizationFactor = 0
	retry.Multiplier = 2
	retry.MaxInterval = cfg.ResyncInterval
	retry.Reset()
	c := &Controller{
		retry:   retry,
		cfg:     cfg,
		state:   state,
		source:  source,
		offsets: offsets,
		clock:   clockwork.NewRealClock(),
		results: make(chan result, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *Controller) setStatus(s Status) {
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

func (c *Controller) eventLog() trace.EventLog {
	if c.events == nil {
		c.events = trace.NewEventLog("sync", "ntp")
	}
	return c.events
}

// Close releases the controller's trace event log.
func (c *Controller) Close() {
	if c.events != nil {
		c.events.Finish()
		c.events = nil
	}
}

// connect brings up the network link, once.
func (c *Controller) connect(ctx context.Context) error {
	if c.connected || c.link == nil {
		return nil
	}
	if _, err := network.WaitReady(ctx, c.link, c.cfg.Credentials, c.cfg.LinkAttempts, c.cfg.LinkInterval); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// EnsureInitialSync sets the clock from the network if it has never been set.  It blocks until
// it succeeds, the attempts run out, or ctx is done.
func (c *Controller) EnsureInitialSync(ctx context.Context) error {
	if c.Status() != Unsynchronized {
		return nil
	}
	if err := c.connect(ctx); err != nil {
		c.eventLog().Errorf("connect: %v", err)
		return fmt.Errorf("%w: %w", ErrNoTime, err)
	}
	c.logRTC("clock before synchronization")

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.Backoff)),
		backoff.WithMaxElapsedTime(0),
	}
	if c.cfg.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(c.cfg.MaxAttempts)))
	}
	instant, err := backoff.Retry(ctx, func() (time.Time, error) {
		t, err := c.source.Synchronize(ctx)
		if err != nil {
			c.observe(KindInitial, c.state.AppliedOffset(), t, err)
		}
		return t, err
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoTime, err)
	}

	o := c.decode()
	if err := c.state.Apply(instant, o); err != nil {
		c.observe(KindInitial, o, time.Time{}, err)
		return fmt.Errorf("apply initial sync: %w", err)
	}
	c.observe(KindInitial, o, instant, nil)
	c.logRTC("clock after synchronization")
	c.setStatus(Synchronized)
	return nil
}

// CheckAndResync is called on every display tick.  It applies a finished background resync,
// shifts the clock immediately if the offset switches changed, and starts a background resync
// when the offset changed or the last sync is at least the resync interval older than now.
// After a failed resync, interval resyncs wait out an exponential backoff.  When none of that
// applies it does nothing but read the switches.
func (c *Controller) CheckAndResync(ctx context.Context, now time.Time) {
	select {
	case r := <-c.results:
		c.finish(r)
	default:
	}

	o := c.decode()
	if old := c.state.AppliedOffset(); o != old {
		offsetChangesMetric.Inc()
		before, after, err := c.state.Shift(o)
		if err != nil {
			log.Error().Err(err).Stringer("old", old).Stringer("new", o).Msg("syncer: apply new offset")
			c.eventLog().Errorf("shift from %v to %v: %v", old, o, err)
			return
		}
		log.Info().Stringer("old", old).Stringer("new", o).Time("old_time", before.Time()).Time("new_time", after.Time()).Msg("syncer: offset changed, updating")
		c.eventLog().Printf("offset changed from %v to %v", old, o)
		c.start(ctx, KindOffset)
		return
	}

	if now.Before(c.retryAt) {
		return
	}
	if last, ok := c.state.LastSync(); ok && now.Sub(last) >= c.cfg.ResyncInterval {
		c.start(ctx, KindInterval)
	}
}

// Wait blocks until an in-flight resync finishes, and applies it.
func (c *Controller) Wait(ctx context.Context) error {
	if !c.inflight {
		return nil
	}
	select {
	case r := <-c.results:
		c.finish(r)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for resync: %w", ctx.Err())
	}
}

// InFlight reports whether a background resync is running.
func (c *Controller) InFlight() bool { return c.inflight }

// decode reads the switches, logging the raw levels whenever they change.
func (c *Controller) decode() offset.Offset {
	o, bank := c.offsets.Decode()
	if !c.haveBank || bank != c.lastBank {
		c.haveBank = true
		c.lastBank = bank
		log.Debug().Str("switches", bank.String()).Stringer("offset", o).Msg("syncer: switches changed")
		if !bank.Valid() {
			log.Warn().Str("switches", bank.String()).Stringer("offset", o).Msg("syncer: switches select a digit above 9")
		}
	}
	return o
}

// start runs one network request in the background, unless one is already running.
func (c *Controller) start(ctx context.Context, kind string) {
	if c.inflight {
		return
	}
	c.inflight = true
	c.setStatus(Resyncing)
	log.Info().Str("kind", kind).Msg("syncer: synchronizing time")
	go func() {
		t, err := c.source.Synchronize(ctx)
		fetched := c.clock.Now()
		if errors.Is(err, timesource.ErrTimeout) && c.cfg.Backoff > 0 {
			select {
			case <-c.clock.After(c.cfg.Backoff):
			case <-ctx.Done():
			}
		}
		c.results <- result{kind: kind, instant: t, fetched: fetched, err: err}
	}()
}

// finish applies the result of a background resync.
func (c *Controller) finish(r result) {
	c.inflight = false
	o := c.state.AppliedOffset()
	if r.err == nil {
		// Account for the time the result sat in the mailbox.
		instant := r.instant.Add(c.clock.Since(r.fetched))
		if err := c.state.Apply(instant, o); err != nil {
			r.err = err
		} else {
			r.instant = instant
		}
	}
	c.observe(r.kind, o, r.instant, r.err)
	if r.err == nil {
		c.retry.Reset()
		c.retryAt = time.Time{}
		c.logRTC("clock after synchronization")
	} else {
		wait := c.retry.NextBackOff()
		c.retryAt = c.clock.Now().Add(wait)
		log.Info().Dur("retry_in", wait).Msg("syncer: delaying the next resync")
	}
	if c.state.Snapshot().Synced() {
		c.setStatus(Synchronized)
	} else {
		c.setStatus(Unsynchronized)
	}
}

func classify(err error) string {
	var te *timesource.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, timesource.ErrTimeout):
		return "timeout"
	case errors.As(err, &te):
		return "transport"
	default:
		return "error"
	}
}

// observe logs, counts and journals one sync attempt.
func (c *Controller) observe(kind string, o offset.Offset, instant time.Time, err error) {
	res := classify(err)
	syncAttemptsMetric.WithLabelValues(kind, res).Inc()
	ev := journal.Event{Date: c.clock.Now(), Kind: kind, Result: res, OffsetMinutes: int(o)}
	switch res {
	case "ok":
		ev.Instant = instant
		c.eventLog().Printf("%s sync ok: %v (offset %v)", kind, instant.Format(time.RFC3339Nano), o)
		log.Info().Str("kind", kind).Time("utc", instant).Stringer("offset", o).Msg("syncer: synchronized")
	case "timeout":
		ev.Error = err.Error()
		c.eventLog().Errorf("%s sync timed out; backing off %v", kind, c.cfg.Backoff)
		log.Warn().Err(err).Str("kind", kind).Dur("backoff", c.cfg.Backoff).Msg("syncer: timed out, keeping the current time")
	default:
		ev.Error = err.Error()
		c.eventLog().Errorf("%s sync failed: %v", kind, err)
		log.Error().Err(err).Str("kind", kind).Msg("syncer: sync failed, keeping the current time")
	}
	if c.journal != nil {
		if err := c.journal.Record(ev); err != nil {
			log.Error().Err(err).Msg("syncer: write journal")
		}
	}
}

func (c *Controller) logRTC(msg string) {
	lt, err := c.state.CurrentLocalTime()
	if err != nil {
		log.Debug().Err(err).Msg("syncer: read rtc")
		return
	}
	log.Info().Time("rtc", lt.DateTime.Time()).Stringer("offset", lt.Offset).Msg("syncer: " + msg)
}
