package device_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/inkprobe/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundError(t *testing.T) {
	tests := []struct {
		name     string
		err      *device.NotFoundError
		expected string
	}{
		{
			name:     "resource only",
			err:      &device.NotFoundError{Resource: "service"},
			expected: "service not found",
		},
		{
			name:     "service uuid",
			err:      &device.NotFoundError{Resource: "service", UUIDs: []string{"ffe0"}},
			expected: `service "ffe0" not found`,
		},
		{
			name:     "characteristic in service",
			err:      &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"ffe0", "ffe9"}},
			expected: `characteristic "ffe9" not found in service "ffe0"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestConnectionError_Is(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", &device.ConnectionError{State: device.AlreadyConnected, Msg: "AA:BB"})

	assert.True(t, errors.Is(wrapped, device.ErrAlreadyConnected), "wrapped ConnectionError MUST match by state")
	assert.False(t, errors.Is(wrapped, device.ErrNotConnected), "ConnectionError MUST NOT match a different state")
	assert.Equal(t, "already_connected: AA:BB", (&device.ConnectionError{State: device.AlreadyConnected, Msg: "AA:BB"}).Error())
	assert.Equal(t, "not_connected", device.ErrNotConnected.Error())
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		input    error
		expected error
	}{
		{name: "already connected", input: errors.New("Device already connected"), expected: device.ErrAlreadyConnected},
		{name: "device not connected", input: errors.New("device not connected"), expected: device.ErrNotConnected},
		{name: "already disconnected", input: errors.New("peripheral already disconnected"), expected: device.ErrNotConnected},
		{name: "was disconnected", input: errors.New("Device AA:BB was disconnected"), expected: device.ErrNotConnected},
		{name: "bluetooth off", input: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), expected: device.ErrBluetoothOff},
		{name: "not initialized", input: errors.New("connection is not initialized"), expected: device.ErrNotInitialized},
		{name: "deadline", input: fmt.Errorf("dial: %w", context.DeadlineExceeded), expected: device.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized := device.NormalizeError(tt.input)
			require.Error(t, normalized)
			assert.ErrorIs(t, normalized, tt.expected)
			assert.Contains(t, normalized.Error(), tt.input.Error(), "normalized error MUST keep the original message")
		})
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, device.NormalizeError(nil))
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		orig := errors.New("att: write failed")
		assert.Same(t, orig, device.NormalizeError(orig))
	})
}

func TestIsIgnorable(t *testing.T) {
	assert.True(t, device.IsIgnorable(errors.New("device already connected")))
	assert.True(t, device.IsIgnorable(device.ErrNotConnected))
	assert.False(t, device.IsIgnorable(errors.New("connection timed out")))
	assert.False(t, device.IsIgnorable(nil), "nil MUST NOT be reported as an ignorable failure")
}

func TestServiceInfo_HasCharacteristic(t *testing.T) {
	svc := device.ServiceInfo{
		UUID:            "ffe0",
		Characteristics: []string{"0000ffe4-0000-1000-8000-00805f9b34fb", "ffe9"},
	}

	assert.True(t, svc.HasCharacteristic("ffe4"))
	assert.True(t, svc.HasCharacteristic("0000FFE9-0000-1000-8000-00805F9B34FB"))
	assert.False(t, svc.HasCharacteristic("5833ff02-9b8b-5191-6142-22a4536ef123"))
}
