package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found on a connected peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout = errors.New("timeout")
)

// NormalizeError maps known transport error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "not connected"),
		containsIgnoreCase(msg, "already disconnected"),
		containsIgnoreCase(msg, "was disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(NormalizeError(err), &cerr) {
		return cerr.State == state
	}
	return false
}

// IsIgnorable reports whether err is a transport response that means the requested
// state already holds: "already connected" on connect, "not connected" on disconnect.
func IsIgnorable(err error) bool {
	if err == nil {
		return false
	}
	return IsConnectionState(err, AlreadyConnected) || IsConnectionState(err, NotConnected)
}

// Advertisement is a discovered radio advertisement (a scan candidate)
type Advertisement interface {
	Addr() string
	LocalName() string
	RSSI() int
	Services() []string
	Connectable() bool
}

// ServiceInfo is a discovered GATT service and the UUIDs of its characteristics
type ServiceInfo struct {
	UUID            string
	Characteristics []string
}

// HasCharacteristic reports whether the service exposes the characteristic
func (s ServiceInfo) HasCharacteristic(uuid string) bool {
	for _, c := range s.Characteristics {
		if UUIDEqual(c, uuid) {
			return true
		}
	}
	return false
}

// ConnectOptions defines BLE connection options
type ConnectOptions struct {
	Timeout time.Duration

	// OnDisconnect is invoked once when the link drops after a successful connect.
	// It is not invoked for a drop requested through Disconnect.
	OnDisconnect func(id string, err error)
}

// Scanner discovers advertisements until ctx is done
type Scanner interface {
	Scan(ctx context.Context, onDiscover func(Advertisement)) error
}

// Transport is the BLE central capability consumed by the probe session.
// A single instance is owned by the composition root and shared by reference.
type Transport interface {
	Scanner

	Connect(ctx context.Context, id string, opts ConnectOptions) error
	// DiscoverServices performs a fresh discovery. With serviceUUIDs it is limited to those
	// services; without, it enumerates the full profile.
	DiscoverServices(ctx context.Context, id string, serviceUUIDs ...string) ([]ServiceInfo, error)
	// CachedServices returns what earlier discoveries found on the current link.
	CachedServices(id string) []ServiceInfo

	Read(ctx context.Context, id, service, char string) ([]byte, error)
	WriteWithoutResponse(id, service, char string, data []byte) error
	// Monitor subscribes to notifications. onValue receives either data or a terminal error.
	Monitor(id, service, char string, onValue func(data []byte, err error)) error

	IsConnected(id string) (bool, error)
	Disconnect(id string) error
}
