// Package detect decides which advertisements belong to an IHT-2PB probe and
// orders them for connection when several probes are in range.
package detect

import (
	"sort"
	"strings"
	"time"

	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/protocol"
	"github.com/srg/inkprobe/pkg/config"
)

// Name markers advertised by genuine probes, and the marker of retired units.
var (
	NameMarkers   = []string{"Ink@IHT-2PB", "sps"}
	RetiredMarker = "old"
)

// Candidate is a matching advertisement seen during one scan window.
type Candidate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	RSSI        int       `json:"rssi"`
	Services    []string  `json:"services,omitempty"`
	Connectable bool      `json:"connectable"`
	SeenAt      time.Time `json:"seen_at"`
}

// FromAdvertisement snapshots adv into a Candidate.
func FromAdvertisement(adv device.Advertisement) Candidate {
	return Candidate{
		ID:          adv.Addr(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Services:    append([]string(nil), adv.Services()...),
		Connectable: adv.Connectable(),
		SeenAt:      time.Now(),
	}
}

// HasName reports whether the candidate advertised a local name.
func (c Candidate) HasName() bool {
	return c.Name != ""
}

// Criteria holds the signal thresholds used for matching and ranking.
type Criteria struct {
	// ScanThreshold drops candidates from ranking at or below this RSSI.
	ScanThreshold int
	// ViableThreshold is the stricter RSSI floor for connection attempts.
	ViableThreshold int
	// ClearWinnerMargin is the RSSI gap above which signal strength alone decides order.
	ClearWinnerMargin int
}

// NewCriteria builds Criteria from the session tunables.
func NewCriteria(cfg *config.Config) Criteria {
	return Criteria{
		ScanThreshold:     cfg.ScanThreshold,
		ViableThreshold:   cfg.ViableThreshold,
		ClearWinnerMargin: cfg.ClearWinnerMargin,
	}
}

// DefaultCriteria returns Criteria for the default tunables.
func DefaultCriteria() Criteria {
	return NewCriteria(config.DefaultConfig())
}

// Matches reports whether the advertisement looks like a probe: either a known
// name marker or the probe service UUID in full, short or embedded form.
// Signal strength plays no part here.
func Matches(c Candidate) bool {
	return hasNameMarker(c.Name) || advertisesProbeService(c.Services)
}

func hasNameMarker(name string) bool {
	for _, marker := range NameMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func advertisesProbeService(services []string) bool {
	short := device.NormalizeUUID(protocol.ServiceUUID)
	for _, uuid := range services {
		u := strings.ToLower(uuid)
		if device.UUIDEqual(u, protocol.ServiceUUID) || u == short || strings.Contains(u, short) {
			return true
		}
	}
	return false
}

// IsViable reports whether a candidate is worth a connection attempt: strong
// signal, a known name marker, and not a retired unit.
func (cr Criteria) IsViable(c Candidate) bool {
	return c.RSSI > cr.ViableThreshold &&
		hasNameMarker(c.Name) &&
		!strings.Contains(c.Name, RetiredMarker)
}

// Rank drops candidates at or below ScanThreshold and orders the rest by RSSI,
// strongest first. When two RSSIs are within ClearWinnerMargin a named
// candidate goes before an unnamed one. The input slice is not modified.
func (cr Criteria) Rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RSSI > cr.ScanThreshold {
			ranked = append(ranked, c)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		diff := a.RSSI - b.RSSI
		// a gap of exactly ClearWinnerMargin is still a near-tie
		if diff > cr.ClearWinnerMargin || -diff > cr.ClearWinnerMargin {
			return diff > 0
		}
		if a.HasName() != b.HasName() {
			return a.HasName()
		}
		return diff > 0
	})
	return ranked
}

// Select ranks candidates and keeps only the viable ones, best first.
func (cr Criteria) Select(candidates []Candidate) []Candidate {
	ranked := cr.Rank(candidates)
	viable := ranked[:0:0]
	for _, c := range ranked {
		if cr.IsViable(c) {
			viable = append(viable, c)
		}
	}
	return viable
}
