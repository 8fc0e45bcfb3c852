//go:build linux

package rtc

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// StepSystem sets CLOCK_REALTIME to t.  It needs CAP_SYS_TIME.
func StepSystem(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return fmt.Errorf("clock_settime: %w", err)
	}
	return nil
}
