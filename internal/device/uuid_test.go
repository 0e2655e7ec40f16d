package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID",
			input:    "ffe0",
			expected: "ffe0",
		},
		{
			name:     "16-bit UUID uppercase with 0x prefix",
			input:    "0xFFE4",
			expected: "ffe4",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "0000ffe0-0000-1000-8000-00805f9b34fb",
			expected: "ffe0",
		},
		{
			name:     "Full Bluetooth SIG UUID uppercase without dashes",
			input:    "0000FFE900001000800000805F9B34FB",
			expected: "ffe9",
		},
		{
			name:     "Vendor 128-bit UUID is kept whole",
			input:    "5833FF02-9B8B-5191-6142-22A4536EF123",
			expected: "5833ff029b8b5191614222a4536ef123",
		},
		{
			name:     "SIG-looking UUID with wrong prefix is kept whole",
			input:    "AA00ffe0-0000-1000-8000-00805f9b34fb",
			expected: "aa00ffe000001000800000805f9b34fb",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "Surrounding whitespace",
			input:    "  ffe0 ",
			expected: "ffe0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	result := NormalizeUUIDs([]string{
		"0000ffe0-0000-1000-8000-00805f9b34fb",
		"0xffe4",
		"5833ff02-9b8b-5191-6142-22a4536ef123",
	})

	assert.Equal(t, []string{"ffe0", "ffe4", "5833ff029b8b5191614222a4536ef123"}, result)
}

func TestUUIDEqual(t *testing.T) {
	tests := []struct {
		name  string
		a, b  string
		equal bool
	}{
		{name: "short vs long SIG form", a: "ffe0", b: "0000ffe0-0000-1000-8000-00805f9b34fb", equal: true},
		{name: "case insensitive vendor UUID", a: "5833FF02-9B8B-5191-6142-22A4536EF123", b: "5833ff02-9b8b-5191-6142-22a4536ef123", equal: true},
		{name: "different characteristics", a: "ffe4", b: "ffe9", equal: false},
		{name: "empty never matches", a: "", b: "", equal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, UUIDEqual(tt.a, tt.b))
		})
	}
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "5833ff02", ShortenUUID("5833ff029b8b5191614222a4536ef123"))
	assert.Equal(t, "ffe0", ShortenUUID("ffe0"))
}
