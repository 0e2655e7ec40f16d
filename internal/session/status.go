package session

import (
	"fmt"
	"time"
)

// Status is the single user-visible state of a reading session.
type Status int

const (
	NotStarted Status = iota
	Scanning
	Connecting
	Reading
	Done
	Error
)

var statusNames = [...]string{
	NotStarted: "NotStarted",
	Scanning:   "Scanning",
	Connecting: "Connecting",
	Reading:    "Reading",
	Done:       "Done",
	Error:      "Error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a scan, connect or read is in progress.
func (s Status) Busy() bool {
	return s == Scanning || s == Connecting || s == Reading
}

// StatusEvent is published on every status transition.
type StatusEvent struct {
	SessionID   string    `json:"session_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Status      Status    `json:"status"`
	Temperature string    `json:"temperature,omitempty"`
	At          time.Time `json:"at"`
}

// User action tags accepted by OnUserActivity.
const (
	ActionReadPressed   = "read_button_pressed"
	ActionCancelPressed = "cancel_button_pressed"
	ActionSavePressed   = "save_button_pressed"
	ActionRetryPressed  = "retry_button_pressed"
)
