package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/detect"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/events"
	"github.com/srg/inkprobe/pkg/config"
)

// ErrScanInProgress is returned when Scan is called while another scan runs.
// The radio is a singleton and scans never overlap.
var ErrScanInProgress = errors.New("scan already in progress")

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type      DeviceEventType
	Candidate detect.Candidate
}

// ScanOptions configures one scan window
type ScanOptions struct {
	// Timeout bounds the whole window.
	Timeout time.Duration
	// DetectionGrace is how long to keep listening after the first viable
	// probe shows up. Zero disables early stop.
	DetectionGrace time.Duration
	Criteria       detect.Criteria
}

// DefaultScanOptions returns options for the default tunables
func DefaultScanOptions() *ScanOptions {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig maps session tunables onto scan options
func OptionsFromConfig(cfg *config.Config) *ScanOptions {
	return &ScanOptions{
		Timeout:        cfg.ScanTimeout,
		DetectionGrace: cfg.DetectionGrace,
		Criteria:       detect.NewCriteria(cfg),
	}
}

// Result is the outcome of one scan window
type Result struct {
	// Candidates holds every matching advertisement, in discovery order.
	Candidates []detect.Candidate
	// Viable is the ranked subset worth connecting to, best first.
	Viable []detect.Candidate
	// EarlyStop is true when the detection grace window ended the scan.
	EarlyStop bool
	Duration  time.Duration
}

// Scanner collects probe advertisements during a scan window
type Scanner struct {
	transport device.Scanner
	devices   *hashmap.Map[string, detect.Candidate]
	order     []string
	orderMu   sync.Mutex
	events    *events.Ring[DeviceEvent]
	logger    *logrus.Logger
	scanning  atomic.Bool
}

// NewScanner creates a scanner on top of the shared radio transport
func NewScanner(transport device.Scanner, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		transport: transport,
		events:    events.NewRing[DeviceEvent](100),
		logger:    logger,
	}
}

// Scan runs one discovery window. It returns when the timeout elapses, when the
// detection grace window after the first viable probe closes, or when ctx is
// cancelled (in which case ctx's error is returned).
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (*Result, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.scanning.Store(false)

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.devices = hashmap.New[string, detect.Candidate]()
	s.orderMu.Lock()
	s.order = nil
	s.orderMu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var earlyStop atomic.Bool
	var graceTimer atomic.Pointer[time.Timer]
	var graceOnce sync.Once
	defer func() {
		if t := graceTimer.Load(); t != nil {
			t.Stop()
		}
	}()

	onViable := func(c detect.Candidate) {
		if opts.DetectionGrace <= 0 {
			return
		}
		graceOnce.Do(func() {
			s.logger.WithFields(logrus.Fields{
				"device_id": c.ID,
				"rssi":      c.RSSI,
				"grace":     opts.DetectionGrace,
			}).Info("First viable probe detected, waiting for nearby devices")
			progressCallback("Probe detected")
			graceTimer.Store(time.AfterFunc(opts.DetectionGrace, func() {
				earlyStop.Store(true)
				cancel()
			}))
		})
	}

	s.logger.WithField("timeout", opts.Timeout).Info("Starting BLE scan...")
	progressCallback("Scanning")

	started := time.Now()
	err := s.transport.Scan(scanCtx, func(adv device.Advertisement) {
		s.handleAdvertisement(adv, opts, onViable)
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}

	progressCallback("Processing results")

	result := &Result{
		Candidates: s.snapshot(),
		EarlyStop:  earlyStop.Load(),
		Duration:   time.Since(started),
	}
	result.Viable = opts.Criteria.Select(result.Candidates)

	s.logger.WithFields(logrus.Fields{
		"device_count": len(result.Candidates),
		"viable_count": len(result.Viable),
		"early_stop":   result.EarlyStop,
	}).Info("BLE scan completed")

	return result, nil
}

// handleAdvertisement updates existing or adds a new candidate
func (s *Scanner) handleAdvertisement(adv device.Advertisement, opts *ScanOptions, onViable func(detect.Candidate)) {
	c := detect.FromAdvertisement(adv)
	if c.ID == "" || !detect.Matches(c) {
		return
	}

	_, existing := s.devices.GetOrInsert(c.ID, c)
	if existing {
		s.devices.Set(c.ID, c)
	}

	event := DeviceEvent{Candidate: c, Type: EventUpdated}
	if !existing {
		event.Type = EventNew
		s.orderMu.Lock()
		s.order = append(s.order, c.ID)
		s.orderMu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"device_id": c.ID,
			"name":      c.Name,
			"rssi":      c.RSSI,
		}).Info("Discovered probe candidate")
	}
	s.events.Send(event)

	if opts.Criteria.IsViable(c) {
		onViable(c)
	}
}

func (s *Scanner) snapshot() []detect.Candidate {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	out := make([]detect.Candidate, 0, len(s.order))
	for _, id := range s.order {
		if c, ok := s.devices.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// Events return a read-only channel of discovery events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Scanning reports whether a scan window is open
func (s *Scanner) Scanning() bool {
	return s.scanning.Load()
}
