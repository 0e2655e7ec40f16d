package session

import (
	"github.com/srg/inkprobe/internal/protocol"
)

// DeviceState is what the session knows about the bound probe. It never carries
// data across device identities.
type DeviceState struct {
	ActiveDeviceID       string             `json:"active_device_id"`
	HasActiveConnection  bool               `json:"has_active_connection"`
	IsNotifying          bool               `json:"is_notifying"`
	ReceivedServicesInfo bool               `json:"received_services_info"`
	HoldValue            string             `json:"hold_value,omitempty"` // °C, empty when unknown
	Settings             *protocol.Settings `json:"settings,omitempty"`
}

// NewDeviceState returns a fresh state bound to id.
func NewDeviceState(id string) *DeviceState {
	return &DeviceState{ActiveDeviceID: id}
}

// Clone returns a deep copy
func (d *DeviceState) Clone() *DeviceState {
	if d == nil {
		return nil
	}
	c := *d
	if d.Settings != nil {
		s := *d.Settings
		c.Settings = &s
	}
	return &c
}

// Outcome is what a notification means for the session status.
type Outcome int

const (
	// Pending means keep waiting for further notifications.
	Pending Outcome = iota
	// Complete means a usable temperature was found.
	Complete
	// Corrupt means hold is on but no valid hold value is known.
	Corrupt
)

// Reconcile applies one notification stream from id to state and returns the new
// state, the outcome and, when complete, the temperature to display.
//
// Steps run in order: identity check, settings merge, hold merge (decoded in the
// most recently known display unit), then hold/live evaluation.
func Reconcile(state *DeviceState, id string, stream []byte) (*DeviceState, Outcome, string) {
	if state == nil || state.ActiveDeviceID != id {
		state = NewDeviceState(id)
		// data arriving means the device is connected and notifying
		state.HasActiveConnection = true
		state.IsNotifying = true
	} else {
		state = state.Clone()
	}

	n := protocol.ParseNotification(stream)
	if n.Settings != nil {
		state.Settings = n.Settings
	}

	if n.Hold != nil {
		unit := protocol.Celsius
		if state.Settings != nil {
			unit = state.Settings.TempDisplay
		}
		if v, ok := protocol.DecodeHold(n.Hold, unit); ok {
			state.HoldValue = v
		}
	}

	if state.Settings.HoldOn() {
		if state.HoldValue == "" {
			return state, Corrupt, ""
		}
		return state, Complete, state.HoldValue
	}

	if n.Live != nil {
		if v, ok := protocol.DecodeLive(n.Live); ok {
			return state, Complete, v
		}
	}
	return state, Pending, ""
}
