package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrockway/meter-clock/control/clock"
	"github.com/jrockway/meter-clock/control/clockstate"
	"github.com/jrockway/meter-clock/control/config"
	"github.com/jrockway/meter-clock/control/journal"
	"github.com/jrockway/meter-clock/control/logging"
	"github.com/jrockway/meter-clock/control/meters"
	"github.com/jrockway/meter-clock/control/network"
	"github.com/jrockway/meter-clock/control/offset"
	"github.com/jrockway/meter-clock/control/rtc"
	"github.com/jrockway/meter-clock/control/status"
	"github.com/jrockway/meter-clock/control/syncer"
	"github.com/jrockway/meter-clock/control/timesource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/net/trace"
	"periph.io/x/host/v3"
)

var (
	bind       = flag.String("bind", ":8080", "address to bind for debug/metrics server")
	configFile = flag.String("config", "", "yaml configuration file; defaults are used if empty")
	logFile    = flag.String("log", "", "file to write logs to, in addition to stderr")
	debug      = flag.Bool("debug", false, "log at debug level")
)

// idleSwitches reads as +00:00, for running without the switch panel.
type idleSwitches struct{}

func (idleSwitches) Read() offset.Bank {
	zero := offset.Nibble{true, true, true, true}
	return offset.Bank{Sign: true, HourTens: zero, HourOnes: zero, FiveMinutes: zero}
}

func meterChannel(name string, c config.MeterConfig, carrier config.MetersConfig) meters.Channel {
	f, err := carrier.Carrier()
	if err != nil {
		log.Fatal().Err(err).Msg("pwm carrier")
	}
	ch, err := meters.NewPWMChannel(c.Pin, c.FullScale, f)
	if err != nil {
		log.Warn().Err(err).Str("meter", name).Msg("meter not attached; discarding output")
		return meters.Discard
	}
	return ch
}

func main() {
	flag.Parse()
	logCloser, err := logging.Init(*logFile, *debug)
	if err != nil {
		log.Fatal().Err(err).Msg("init logging")
	}
	defer logCloser.Close()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configFile).Msg("load config")
	}
	if _, err := host.Init(); err != nil {
		log.Fatal().Err(err).Msg("init periph.io")
	}

	var switches offset.Reader = idleSwitches{}
	if sw, err := offset.NewSwitches(cfg.Switches); err != nil {
		log.Warn().Err(err).Msg("offset switches not attached; using +00:00")
	} else {
		switches = sw
	}
	m := meters.New(
		meterChannel("hours", cfg.Meters.Hours, cfg.Meters),
		meterChannel("minutes", cfg.Meters.Minutes, cfg.Meters),
		meterChannel("seconds", cfg.Meters.Seconds, cfg.Meters),
	)
	if err := m.Zero(); err != nil {
		log.Error().Err(err).Msg("zero meters")
	}

	state := clockstate.New(rtc.NewSoft(nil), nil)
	if cfg.StepSystemClock {
		state.StepSystem = rtc.StepSystem
	}
	opts := []syncer.Option{syncer.WithLink(&network.Interface{Name: cfg.Network.Interface})}
	var db *journal.DB
	if cfg.Journal.Path != "" {
		db, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Journal.Path).Msg("open journal")
		}
		defer db.Close()
		opts = append(opts, syncer.WithJournal(db))
	}
	ctl := syncer.New(cfg.SyncerConfig(), state,
		&timesource.Client{Server: cfg.NTP.Server, Timeout: cfg.NTP.Timeout},
		&offset.Decoder{Reader: switches, NegativeHigh: cfg.Switches.NegativeHigh}, opts...)
	defer ctl.Close()

	statusHandler := &status.Handler{State: state, Controller: ctl}
	if db != nil {
		statusHandler.Journal = db
	}
	http.Handle("/", statusHandler)
	http.Handle("/meters.png", m)
	http.Handle("/metrics", promhttp.Handler())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: *bind}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	if err := ctl.EnsureInitialSync(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial sync")
	}

	sched := &clock.Scheduler{State: state, Sync: ctl, Display: m, PollInterval: cfg.Display.PollInterval}
	loopDoneCh := make(chan error)
	go func() {
		err := sched.Run(ctx)
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		log.Error().Err(err).Msg("http server died")
		httpAlive = false
	case err := <-loopDoneCh:
		log.Error().Err(err).Msg("clock loop died")
	case <-ctx.Done():
		log.Info().Msg("interrupt")
	}
	cancel()
	// The loop has stopped calling into the controller once loopDoneCh closes.
	for range loopDoneCh {
	}

	tctx, c := context.WithTimeout(context.Background(), time.Second)
	defer c()
	if err := ctl.Wait(tctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("wait for resync")
	}
	if err := m.Zero(); err != nil {
		log.Error().Err(err).Msg("zero meters")
	}
	if httpAlive {
		if err := httpServer.Shutdown(tctx); err != nil {
			log.Error().Err(err).Msg("shutdown http server")
		}
	}
}
