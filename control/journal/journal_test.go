package journal

import (
	"testing"
	"time"
)

func TestJournal(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Date: start, Kind: "initial", Result: "ok", OffsetMinutes: 120, Instant: start.Add(-time.Second)},
		{Date: start.Add(time.Hour), Kind: "offset", Result: "timeout", OffsetMinutes: 60, Error: "ntp request timed out"},
		{Date: start.Add(2 * time.Hour), Kind: "interval", Result: "transport", OffsetMinutes: 60, Error: "network unreachable"},
	}
	for _, e := range events {
		if err := db.Record(e); err != nil {
			t.Fatalf("record %v: %v", e, err)
		}
	}

	c, err := db.single("select count(1) from sync_event")
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if got, want := c, 3; got != want {
		t.Errorf("unexpected number of events:\n  got: %d\n want: %d", got, want)
	}

	recent, err := db.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got, want := len(recent), 2; got != want {
		t.Fatalf("recent event count:\n  got: %d\n want: %d", got, want)
	}
	if got, want := recent[0].Kind, "interval"; got != want {
		t.Errorf("newest event kind:\n  got: %v\n want: %v", got, want)
	}
	if got, want := recent[1].Error, "ntp request timed out"; got != want {
		t.Errorf("second event error:\n  got: %v\n want: %v", got, want)
	}
	if !recent[1].Instant.IsZero() {
		t.Errorf("failed sync should have no instant, got %v", recent[1].Instant)
	}

	all, err := db.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got, want := all[2].Instant, start.Add(-time.Second); !got.Equal(want) {
		t.Errorf("instant of first sync:\n  got: %v\n want: %v", got, want)
	}
	if got, want := all[2].OffsetMinutes, 120; got != want {
		t.Errorf("offset of first sync:\n  got: %v\n want: %v", got, want)
	}
}
