// Package protocol implements the Inkbird IHT-2PB binary notification protocol:
// command framing, sub-message extraction from notification streams, fixed-point
// temperature decoding and the device settings bitmask.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// GATT layout of the probe. The identity characteristic is only exposed by
// genuine IHT-2PB units; generic thermometers share the primary service.
const (
	ServiceUUID  = "0000ffe0-0000-1000-8000-00805f9b34fb"
	NotifyUUID   = "0000ffe4-0000-1000-8000-00805f9b34fb"
	WriteUUID    = "0000ffe9-0000-1000-8000-00805f9b34fb"
	IdentityUUID = "5833ff02-9b8b-5191-6142-22a4536ef123"
)

// Header prefixes every command frame
var Header = [2]byte{0x55, 0xAA}

// Command bodies (opcode, declared length[, data...])
var (
	DeviceSettingsBody  = []byte{0x01, 0x01}
	MainProbeCelsius    = []byte{0x02, 0x02}
	HoldValueBody       = []byte{0x08, 0x02}
	DownloadAllDataBody = []byte{0x19, 0x01, 0x00, 0x19}
)

// Prebuilt frames, used both as outbound writes and as inbound search prefixes.
var (
	CmdDeviceSettings  = BuildCommand(DeviceSettingsBody)
	CmdMainProbeC      = BuildCommand(MainProbeCelsius)
	CmdHoldValue       = BuildCommand(HoldValueBody)
	CmdDownloadAllData = BuildCommand(DownloadAllDataBody)

	// CmdKeepalive asks for the current temperature, which also wakes the probe.
	CmdKeepalive = CmdMainProbeC
)

// BuildCommand prefixes body with the fixed two-byte header
func BuildCommand(body []byte) []byte {
	frame := make([]byte, 0, len(Header)+len(body))
	frame = append(frame, Header[:]...)
	return append(frame, body...)
}

// FindCommand locates the first occurrence of prefix (header, opcode, declared length)
// in stream and returns exactly the declared number of bytes following it.
// Returns nil when the prefix is absent or the payload is truncated.
func FindCommand(stream, prefix []byte) []byte {
	if len(prefix) < len(Header)+2 {
		return nil
	}
	declared := int(prefix[len(prefix)-1])

	for i := 0; i+len(prefix) <= len(stream); i++ {
		if !hasPrefixAt(stream, prefix, i) {
			continue
		}
		start := i + len(prefix)
		end := start + declared
		if end > len(stream) {
			return nil
		}
		out := make([]byte, declared)
		copy(out, stream[start:end])
		return out
	}
	return nil
}

func hasPrefixAt(stream, prefix []byte, at int) bool {
	for j := range prefix {
		if stream[at+j] != prefix[j] {
			return false
		}
	}
	return true
}

// DecodeTemperature reads a big-endian signed 16-bit value in tenths of a degree
// and formats it with two decimals. ok is false unless data is exactly two bytes.
func DecodeTemperature(data []byte) (value string, ok bool) {
	if len(data) != 2 {
		return "", false
	}
	raw := int16(binary.BigEndian.Uint16(data))
	return strconv.FormatFloat(float64(raw)/10, 'f', 2, 64), true
}

// FahrenheitToCelsius converts a decimal °F string to °C rounded to two decimals.
func FahrenheitToCelsius(fahrenheit string) (string, error) {
	f, err := strconv.ParseFloat(fahrenheit, 64)
	if err != nil {
		return "", fmt.Errorf("invalid fahrenheit value %q: %w", fahrenheit, err)
	}
	c := (f - 32) * 5 / 9
	c = math.Round(c*100) / 100
	if c == 0 {
		c = 0 // avoid "-0.00"
	}
	return strconv.FormatFloat(c, 'f', 2, 64), nil
}

// Notification holds the sub-messages found in one notification stream.
// A stream may concatenate several command blocks; absent blocks stay nil.
type Notification struct {
	Settings *Settings
	Hold     []byte // raw hold value, in the unit shown on the display
	Live     []byte // raw live reading, always °C
}

// ParseNotification extracts the settings, hold and live sub-messages from stream.
func ParseNotification(stream []byte) Notification {
	n := Notification{
		Hold: FindCommand(stream, CmdHoldValue),
		Live: FindCommand(stream, CmdMainProbeC),
	}
	if raw := FindCommand(stream, CmdDeviceSettings); raw != nil {
		n.Settings = DecodeSettings(raw)
	}
	return n
}

// DecodeHold decodes a raw hold value reported in display unit and returns it in °C.
func DecodeHold(raw []byte, display Unit) (string, bool) {
	value, ok := DecodeTemperature(raw)
	if !ok {
		return "", false
	}
	if display != Fahrenheit {
		return value, true
	}
	celsius, err := FahrenheitToCelsius(value)
	if err != nil {
		return "", false
	}
	return celsius, true
}

// DecodeLive decodes a raw live reading (°C)
func DecodeLive(raw []byte) (string, bool) {
	return DecodeTemperature(raw)
}
