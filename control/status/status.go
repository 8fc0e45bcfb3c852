// Package status serves a page describing the clock's state.
package status

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/meter-clock/control/clockstate"
	"github.com/jrockway/meter-clock/control/journal"
	"github.com/jrockway/meter-clock/control/offset"
	"github.com/jrockway/meter-clock/control/syncer"
	"github.com/rs/zerolog/log"
)

// RecentEvents is how many journal entries the page shows.
const RecentEvents = 20

var (
	//go:embed index.html.tmpl
	indexHTML string
	funcMap   = template.FuncMap{
		"unixtime":  formatUnixTime,
		"localtime": formatLocalTime,
		"ago":       formatAgo,
		"minutes":   formatMinutes,
	}
	index = template.Must(template.New("index").Funcs(funcMap).Parse(indexHTML))
)

// Controller reports the sync controller's state.  *syncer.Controller implements it.
type Controller interface {
	Status() syncer.Status
}

// Journal lists recent sync attempts.  *journal.DB implements it.
type Journal interface {
	Recent(n int) ([]journal.Event, error)
}

// Handler renders the status page.  Journal may be nil.
type Handler struct {
	State      *clockstate.State
	Controller Controller
	Journal    Journal
	Clock      clockwork.Clock
}

type page struct {
	Status     syncer.Status
	InFlight   bool
	Snapshot   clockstate.Snapshot
	Now        time.Time
	Local      time.Time
	LocalErr   error
	Events     []journal.Event
	JournalErr error
}

func (h *Handler) page() page {
	clock := h.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := page{
		Status:   h.Controller.Status(),
		Snapshot: h.State.Snapshot(),
		Now:      clock.Now(),
	}
	p.InFlight = p.Status == syncer.Resyncing
	lt, err := h.State.CurrentLocalTime()
	if err != nil {
		p.LocalErr = err
	} else {
		p.Local = lt.Time()
	}
	if h.Journal != nil {
		p.Events, p.JournalErr = h.Journal.Recent(RecentEvents)
	}
	return p
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	buf := new(bytes.Buffer)
	if err := index.Execute(buf, h.page()); err != nil {
		log.Error().Err(err).Msg("status: execute template")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Debug().Err(err).Msg("status: write response")
	}
}

func formatUnixTime(t time.Time) string { return t.In(time.UTC).Format(time.UnixDate) }

func formatLocalTime(t time.Time) string { return t.Format("Mon Jan _2 15:04:05 -07:00 2006") }

func formatAgo(now, then time.Time) string { return now.Sub(then).Truncate(time.Second).String() }

func formatMinutes(m int) string { return offset.Offset(m).String() }
