// Package connector establishes the probe connection: per-candidate retries with
// exponential backoff, a single fallback to the runner-up, and a shared failure
// budget that opens a cooldown window once exhausted.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/inkprobe/internal/detect"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/pkg/config"
)

var (
	// ErrCooldown rejects attempts while the failure budget is exhausted.
	ErrCooldown = errors.New("connection cooldown active")
	// ErrBusy rejects a connect while another is still in flight.
	ErrBusy = errors.New("connection already in progress")
	// ErrNoCandidates is returned when there is nothing to connect to.
	ErrNoCandidates = errors.New("no viable candidates")
	// ErrAllCandidatesFailed is returned when the best candidate and the fallback both failed.
	ErrAllCandidatesFailed = errors.New("all candidates failed")
)

// Dialer is the part of the transport the connector drives.
type Dialer interface {
	Connect(ctx context.Context, id string, opts device.ConnectOptions) error
	Disconnect(id string) error
}

// Options holds the retry policy
type Options struct {
	ConnectTimeout          time.Duration
	BackoffInitial          time.Duration
	BackoffMax              time.Duration
	AttemptsSingleCandidate int
	AttemptsMultiCandidate  int
	MaxConnectionFailures   int
	Cooldown                time.Duration
}

// OptionsFromConfig maps session tunables onto connector options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ConnectTimeout:          cfg.ConnectTimeout,
		BackoffInitial:          cfg.BackoffInitial,
		BackoffMax:              cfg.BackoffMax,
		AttemptsSingleCandidate: cfg.AttemptsSingleCandidate,
		AttemptsMultiCandidate:  cfg.AttemptsMultiCandidate,
		MaxConnectionFailures:   cfg.MaxConnectionFailures,
		Cooldown:                cfg.Cooldown,
	}
}

// Manager owns connection establishment for one session
type Manager struct {
	dialer Dialer
	opts   Options
	logger *logrus.Logger

	inFlight atomic.Bool

	mu      sync.Mutex
	breaker *gobreaker.CircuitBreaker[string]
}

// New creates a connection manager
func New(dialer Dialer, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		dialer: dialer,
		opts:   opts,
		logger: logger,
	}
	m.breaker = m.newBreaker()
	return m
}

func (m *Manager) newBreaker() *gobreaker.CircuitBreaker[string] {
	maxFailures := uint32(m.opts.MaxConnectionFailures)
	if maxFailures == 0 {
		maxFailures = 1
	}

	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "probe-connect",
		MaxRequests: 1, // one probe attempt once the cooldown ends
		Timeout:     m.opts.Cooldown,
		// counts live for the whole closed generation (Interval 0); a success
		// does not refund earlier failures
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Connection failure budget state change")
		},
		IsSuccessful: func(err error) bool {
			// a cancelled attempt says nothing about the device
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Backoff returns the delay after the failed attempt with the given 0-based index:
// min(BackoffInitial * 2^attempt, BackoffMax).
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.opts.BackoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.opts.BackoffMax {
			return m.opts.BackoffMax
		}
	}
	if d > m.opts.BackoffMax {
		return m.opts.BackoffMax
	}
	return d
}

// Connect dials id up to maxAttempts times, sleeping Backoff between failures.
// An "already connected" answer counts as success. The last failure is returned.
func (m *Manager) Connect(ctx context.Context, id string, maxAttempts int, onDisconnect func(id string, err error)) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := m.Backoff(attempt - 1)
			m.logger.WithFields(logrus.Fields{
				"device_id": id,
				"attempt":   attempt + 1,
				"delay":     delay,
			}).Debug("Retrying connection after backoff")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := m.dial(ctx, id, onDisconnect)
		if err == nil || device.IsConnectionState(err, device.AlreadyConnected) {
			if err != nil {
				m.logger.WithField("device_id", id).Debug("Transport reported already connected, treating as success")
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		m.logger.WithFields(logrus.Fields{
			"device_id":    id,
			"attempt":      attempt + 1,
			"max_attempts": maxAttempts,
			"error":        err,
		}).Warn("Connection attempt failed")

		if errors.Is(device.NormalizeError(err), device.ErrTimeout) {
			// drop the pending link request before trying again
			if derr := m.dialer.Disconnect(id); derr != nil && !device.IsIgnorable(derr) {
				m.logger.WithError(derr).Debug("Failed to cancel pending connection")
			}
		}
	}

	return fmt.Errorf("connect %s failed after %d attempt(s): %w", id, maxAttempts, lastErr)
}

func (m *Manager) dial(ctx context.Context, id string, onDisconnect func(string, error)) error {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.opts.ConnectTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
	}
	defer cancel()

	return m.dialer.Connect(attemptCtx, id, device.ConnectOptions{
		Timeout:      m.opts.ConnectTimeout,
		OnDisconnect: onDisconnect,
	})
}

// ConnectBest connects to the best of the ranked viable candidates. If it fails and
// the budget allows, the runner-up gets exactly one attempt. Each failed candidate
// spends one unit of the shared failure budget; exhausting it opens the cooldown.
// Returns the candidate that connected.
func (m *Manager) ConnectBest(ctx context.Context, viable []detect.Candidate, onDisconnect func(id string, err error)) (detect.Candidate, error) {
	if len(viable) == 0 {
		return detect.Candidate{}, ErrNoCandidates
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return detect.Candidate{}, ErrBusy
	}
	defer m.inFlight.Store(false)

	if m.InCooldown() {
		return detect.Candidate{}, ErrCooldown
	}

	attempts := m.opts.AttemptsSingleCandidate
	if len(viable) > 1 {
		attempts = m.opts.AttemptsMultiCandidate
	}

	best := viable[0]
	m.logger.WithFields(logrus.Fields{
		"device_id": best.ID,
		"rssi":      best.RSSI,
		"attempts":  attempts,
		"viable":    len(viable),
	}).Info("Connecting to best candidate")

	bestErr := m.try(ctx, best, attempts, onDisconnect)
	if bestErr == nil {
		return best, nil
	}
	if ctx.Err() != nil {
		return detect.Candidate{}, ctx.Err()
	}
	if len(viable) < 2 || m.InCooldown() {
		return detect.Candidate{}, m.failure(bestErr)
	}

	fallback := viable[1]
	m.logger.WithFields(logrus.Fields{
		"device_id": fallback.ID,
		"rssi":      fallback.RSSI,
	}).Info("Attempting fallback candidate")

	fallbackErr := m.try(ctx, fallback, 1, onDisconnect)
	if fallbackErr == nil {
		return fallback, nil
	}
	if ctx.Err() != nil {
		return detect.Candidate{}, ctx.Err()
	}

	err := fmt.Errorf("%w: best %s: %v; fallback %s: %v", ErrAllCandidatesFailed, best.ID, bestErr, fallback.ID, fallbackErr)
	return detect.Candidate{}, m.failure(err)
}

func (m *Manager) try(ctx context.Context, c detect.Candidate, attempts int, onDisconnect func(string, error)) error {
	_, err := m.currentBreaker().Execute(func() (string, error) {
		return c.ID, m.Connect(ctx, c.ID, attempts, onDisconnect)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCooldown, err)
	}
	return err
}

// failure tags err with ErrCooldown when this failure exhausted the budget.
func (m *Manager) failure(err error) error {
	if m.InCooldown() && !errors.Is(err, ErrCooldown) {
		m.logger.WithField("cooldown", m.opts.Cooldown).Error("Maximum connection failures reached, entering cooldown")
		return fmt.Errorf("%w: %w", ErrCooldown, err)
	}
	return err
}

func (m *Manager) currentBreaker() *gobreaker.CircuitBreaker[string] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker
}

// InCooldown reports whether the failure budget is exhausted and the cooldown
// window is still open.
func (m *Manager) InCooldown() bool {
	return m.currentBreaker().State() == gobreaker.StateOpen
}

// Failures returns the failures spent from the current budget.
func (m *Manager) Failures() int {
	return int(m.currentBreaker().Counts().TotalFailures)
}

// ResetBudget restores the full failure budget. An open cooldown is left to run out.
func (m *Manager) ResetBudget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breaker.State() == gobreaker.StateOpen {
		return
	}
	m.breaker = m.newBreaker()
}

// InFlight reports whether a ConnectBest call is running.
func (m *Manager) InFlight() bool {
	return m.inFlight.Load()
}
