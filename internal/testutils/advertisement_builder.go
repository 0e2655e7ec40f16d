package testutils

import (
	"encoding/json"
	"fmt"
)

// Advertisement is a static device.Advertisement for tests.
type Advertisement struct {
	Address       string   `json:"address"`
	Name          string   `json:"name"`
	SignalRSSI    int      `json:"rssi"`
	ServiceUUIDs  []string `json:"services"`
	IsConnectable bool     `json:"connectable"`
}

func (a *Advertisement) Addr() string       { return a.Address }
func (a *Advertisement) LocalName() string  { return a.Name }
func (a *Advertisement) RSSI() int          { return a.SignalRSSI }
func (a *Advertisement) Services() []string { return a.ServiceUUIDs }
func (a *Advertisement) Connectable() bool  { return a.IsConnectable }

// AdvertisementBuilder builds advertisements with a fluent API.
// The builder starts connectable with no name, services or signal.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{IsConnectable: true}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.SignalRSSI = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "ffe0") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnectable = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Fields absent from the JSON keep their current value.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal advertisement: %v", err))
	}
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	return &adv
}

// ProbeAdvertisement builds a genuine-looking probe advertisement.
func ProbeAdvertisement(address, name string, rssi int) *Advertisement {
	return NewAdvertisementBuilder().
		WithAddress(address).
		WithName(name).
		WithRSSI(rssi).
		WithServices("0000ffe0-0000-1000-8000-00805f9b34fb").
		Build()
}
