//go:build !linux

package rtc

import "time"

// StepSystem is not supported outside linux and does nothing.
func StepSystem(t time.Time) error {
	_ = t
	return nil
}
