package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/inkprobe/internal/connector"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/handshake"
	"github.com/srg/inkprobe/internal/session"
)

// Command-level errors
var (
	// ErrReadingFailed means the session ended in Error with no automatic retry pending.
	ErrReadingFailed = errors.New("temperature reading failed")
	// ErrNoReading means the deadline passed before the probe reported a temperature.
	ErrNoReading = errors.New("no temperature received")
)

// FormatUserError turns err into a one-line message for the terminal. Known
// conditions get a hint; anything else is printed as is.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, connector.ErrCooldown):
		return "too many failed attempts; wait a moment and try again"
	case errors.Is(err, handshake.ErrIdentityMismatch):
		return "the device is not an Inkbird IHT-2PB probe"
	case errors.Is(err, ErrNoReading), errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for a temperature; make sure the probe is on and nearby"
	case errors.Is(err, session.ErrNotDone):
		return "no completed reading to save"
	case errors.Is(err, ErrReadingFailed):
		return fmt.Sprintf("%v; run with --log-level debug for details", err)
	default:
		return err.Error()
	}
}
