package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		expected []byte
	}{
		{name: "device settings", body: DeviceSettingsBody, expected: []byte{0x55, 0xAA, 0x01, 0x01}},
		{name: "main probe celsius", body: MainProbeCelsius, expected: []byte{0x55, 0xAA, 0x02, 0x02}},
		{name: "hold value", body: HoldValueBody, expected: []byte{0x55, 0xAA, 0x08, 0x02}},
		{name: "download all data", body: DownloadAllDataBody, expected: []byte{0x55, 0xAA, 0x19, 0x01, 0x00, 0x19}},
		{name: "empty body", body: nil, expected: []byte{0x55, 0xAA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildCommand(tt.body))
		})
	}

	assert.Equal(t, CmdMainProbeC, CmdKeepalive, "keepalive MUST be the live temperature request")
}

func TestBuildCommand_DoesNotAliasBody(t *testing.T) {
	body := []byte{0x02, 0x02}
	frame := BuildCommand(body)
	frame[2] = 0xFF

	assert.Equal(t, byte(0x02), body[0], "BuildCommand MUST NOT share memory with its input")
}

func TestFindCommand(t *testing.T) {
	tests := []struct {
		name     string
		stream   []byte
		prefix   []byte
		expected []byte
	}{
		{
			name:     "single frame",
			stream:   []byte{0x55, 0xAA, 0x02, 0x02, 0x00, 0xFA},
			prefix:   CmdMainProbeC,
			expected: []byte{0x00, 0xFA},
		},
		{
			name:     "truncated payload",
			stream:   []byte{0x55, 0xAA, 0x02, 0x02, 0x00},
			prefix:   CmdMainProbeC,
			expected: nil,
		},
		{
			name:     "prefix absent",
			stream:   []byte{0x55, 0xAA, 0x01, 0x01, 0x0C},
			prefix:   CmdMainProbeC,
			expected: nil,
		},
		{
			name: "frame in the middle of a concatenated stream",
			stream: []byte{
				0x55, 0xAA, 0x01, 0x01, 0x0C,
				0x55, 0xAA, 0x08, 0x02, 0x01, 0x2C,
				0x55, 0xAA, 0x02, 0x02, 0x00, 0xFA,
			},
			prefix:   CmdHoldValue,
			expected: []byte{0x01, 0x2C},
		},
		{
			name:     "first occurrence wins",
			stream:   []byte{0x55, 0xAA, 0x02, 0x02, 0x00, 0x01, 0x55, 0xAA, 0x02, 0x02, 0x00, 0x02},
			prefix:   CmdMainProbeC,
			expected: []byte{0x00, 0x01},
		},
		{
			name:     "leading garbage",
			stream:   []byte{0x00, 0x55, 0x55, 0xAA, 0x01, 0x01, 0x08},
			prefix:   CmdDeviceSettings,
			expected: []byte{0x08},
		},
		{
			name:     "stream shorter than prefix",
			stream:   []byte{0x55, 0xAA},
			prefix:   CmdMainProbeC,
			expected: nil,
		},
		{
			name:     "malformed prefix without length",
			stream:   []byte{0x55, 0xAA, 0x02, 0x02, 0x00, 0xFA},
			prefix:   []byte{0x55, 0xAA, 0x02},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FindCommand(tt.stream, tt.prefix))
		})
	}
}

func TestDecodeTemperature(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
		ok       bool
	}{
		{name: "positive", data: []byte{0x00, 0xFA}, expected: "25.00", ok: true},
		{name: "negative", data: []byte{0xFF, 0x9C}, expected: "-10.00", ok: true},
		{name: "zero", data: []byte{0x00, 0x00}, expected: "0.00", ok: true},
		{name: "fractional tenth", data: []byte{0x01, 0x2D}, expected: "30.10", ok: true},
		{name: "int16 max", data: []byte{0x7F, 0xFF}, expected: "3276.70", ok: true},
		{name: "int16 min", data: []byte{0x80, 0x00}, expected: "-3276.80", ok: true},
		{name: "too short", data: []byte{0x00}, ok: false},
		{name: "too long", data: []byte{0x00, 0xFA, 0x00}, ok: false},
		{name: "nil", data: nil, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, ok := DecodeTemperature(tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestDecodeTemperature_RoundTrip(t *testing.T) {
	// GOAL: every signed 16-bit value decodes to v/10 with two decimals
	for v := math.MinInt16; v <= math.MaxInt16; v += 97 {
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(v)))

		value, ok := DecodeTemperature(buf)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("%.2f", float64(v)/10), value, "value %d MUST round-trip", v)
	}
}

func TestFahrenheitToCelsius(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{in: "32.00", expected: "0.00"},
		{in: "212.00", expected: "100.00"},
		{in: "98.60", expected: "37.00"},
		{in: "-40.00", expected: "-40.00"},
		{in: "100.00", expected: "37.78"},
		{in: "31.99", expected: "-0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			out, err := FahrenheitToCelsius(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}

	_, err := FahrenheitToCelsius("warm")
	assert.Error(t, err)
}

func TestParseNotification(t *testing.T) {
	stream := []byte{
		0x55, 0xAA, 0x01, 0x01, 0x0C,
		0x55, 0xAA, 0x08, 0x02, 0x01, 0x2C,
		0x55, 0xAA, 0x02, 0x02, 0x00, 0xFA,
	}

	n := ParseNotification(stream)

	require.NotNil(t, n.Settings, "settings sub-message MUST be decoded")
	assert.Equal(t, On, n.Settings.Hold)
	assert.Equal(t, []byte{0x01, 0x2C}, n.Hold)
	assert.Equal(t, []byte{0x00, 0xFA}, n.Live)

	empty := ParseNotification([]byte{0x01, 0x02, 0x03})
	assert.Nil(t, empty.Settings)
	assert.Nil(t, empty.Hold)
	assert.Nil(t, empty.Live)
}

func TestDecodeHold(t *testing.T) {
	// 0x0406 = 1030 -> 103.0 °F -> 39.44 °C
	celsius, ok := DecodeHold([]byte{0x04, 0x06}, Fahrenheit)
	require.True(t, ok)
	assert.Equal(t, "39.44", celsius, "°F hold values MUST be converted to °C")

	celsius, ok = DecodeHold([]byte{0x01, 0x2C}, Celsius)
	require.True(t, ok)
	assert.Equal(t, "30.00", celsius)

	celsius, ok = DecodeHold([]byte{0x01, 0x2C}, "")
	require.True(t, ok)
	assert.Equal(t, "30.00", celsius, "unknown display unit MUST be treated as °C")

	_, ok = DecodeHold([]byte{0x01}, Celsius)
	assert.False(t, ok)
}
