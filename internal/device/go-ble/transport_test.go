package goble

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/inkprobe/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state device.ConnectionState
	}{
		{"bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.BluetoothOff},
		{"not connected", errors.New("device not connected"), device.NotConnected},
		{"already connected", errors.New("Device already connected"), device.AlreadyConnected},
		{"was disconnected", errors.New("peripheral was disconnected"), device.NotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.True(t, device.IsConnectionState(got, tt.state), "got %v", got)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be preserved")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	assert.ErrorIs(t, NormalizeError(context.Canceled), context.Canceled)
	assert.ErrorIs(t, NormalizeError(context.DeadlineExceeded), device.ErrTimeout)

	plain := errors.New("att: insufficient authentication")
	assert.Equal(t, plain, NormalizeError(plain))
}

func TestTransport_WithoutLink(t *testing.T) {
	tr := New(nil)

	connected, err := tr.IsConnected("AA:BB")
	require.NoError(t, err)
	assert.False(t, connected)

	assert.ErrorIs(t, tr.Disconnect("AA:BB"), device.ErrNotConnected)
	assert.ErrorIs(t, tr.WriteWithoutResponse("AA:BB", "ffe0", "ffe9", []byte{0x01}), device.ErrNotConnected)
	assert.Nil(t, tr.CachedServices("AA:BB"))

	_, err = tr.Read(context.Background(), "AA:BB", "ffe0", "ffe4")
	assert.ErrorIs(t, err, device.ErrNotConnected)

	_, err = tr.DiscoverServices(context.Background(), "AA:BB")
	assert.ErrorIs(t, err, device.ErrNotConnected)

	assert.NoError(t, tr.Close())
}

func TestTransport_DeviceFactoryFailure(t *testing.T) {
	orig := DeviceFactory
	t.Cleanup(func() { DeviceFactory = orig })
	calls := 0
	DeviceFactory = func() (ble.Device, error) {
		calls++
		return nil, errors.New("bluetooth is turned off")
	}

	tr := New(nil)
	err := tr.Scan(context.Background(), func(device.Advertisement) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrBluetoothOff)
	assert.Contains(t, err.Error(), "failed to create BLE device")

	err = tr.Connect(context.Background(), "AA:BB", device.ConnectOptions{})
	assert.ErrorIs(t, err, device.ErrBluetoothOff)
	assert.Equal(t, 1, calls, "radio MUST be opened once")

	assert.EqualError(t, tr.Connect(context.Background(), " ", device.ConnectOptions{}), "device address is empty")
}

func TestCharKey(t *testing.T) {
	assert.Equal(t, charKey("0000FFE0-0000-1000-8000-00805F9B34FB", "0xffe4"), charKey("ffe0", "FFE4"))
}
