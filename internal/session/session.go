// Package session drives one temperature reading end to end: scan, select,
// connect, handshake, read and tear down. All transitions are serialized by the
// session mutex; transport calls run in named background goroutines and report
// back through generation-checked callbacks, so late results from a superseded
// attempt are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/connector"
	"github.com/srg/inkprobe/internal/detect"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/events"
	"github.com/srg/inkprobe/internal/groutine"
	"github.com/srg/inkprobe/internal/handshake"
	"github.com/srg/inkprobe/internal/protocol"
	"github.com/srg/inkprobe/pkg/config"
	"github.com/srg/inkprobe/scanner"
	"golang.org/x/time/rate"
)

var (
	// ErrNotDone is returned by Save when there is no reading to commit.
	ErrNotDone = errors.New("no completed reading to save")
	// ErrCancelled is the cancellation cause of work aborted by the user.
	ErrCancelled = errors.New("reading cancelled")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

type intent int

const (
	intentIdle intent = iota
	intentScanning
	intentCancelled
)

// Session is the probe reading state machine. It is safe for concurrent use.
type Session struct {
	transport device.Transport
	cfg       *config.Config
	logger    *logrus.Logger

	scanner   *scanner.Scanner
	connector *connector.Manager
	handshake *handshake.Orchestrator
	criteria  detect.Criteria
	hub       *events.Hub[StatusEvent]
	group     groutine.Group

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	sessionID   string
	status      Status
	temperature string
	device      *DeviceState
	activeTask  string
	intent      intent
	saved       bool

	// gen identifies the current attempt; every cleanup or new attempt bumps it.
	gen      uint64
	opCtx    context.Context
	opCancel context.CancelCauseFunc

	// scanDone closes when the most recent scan goroutine has left the radio.
	scanDone chan struct{}

	scanRetries       int
	scanCooldownUntil time.Time
	retryTimer        *time.Timer

	inactivity      *time.Timer
	inactivityToken uint64
	grace           *time.Timer
	graceToken      uint64

	keepalive         *time.Timer
	keepaliveToken    uint64
	lastActivity      time.Time
	keepaliveFailures int
	keepaliveLog      rate.Sometimes
}

// New creates a session on the shared transport. The transport is owned by the
// caller and is never closed by the session.
func New(transport device.Transport, cfg *config.Config, logger *logrus.Logger) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		transport:    transport,
		cfg:          cfg,
		logger:       logger,
		scanner:      scanner.NewScanner(transport, logger),
		connector:    connector.New(transport, connector.OptionsFromConfig(cfg), logger),
		handshake:    handshake.New(transport, logger),
		criteria:     detect.NewCriteria(cfg),
		hub:          events.NewHub[StatusEvent](events.DefaultCapacity),
		baseCtx:      ctx,
		baseCancel:   cancel,
		keepaliveLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StatusFor returns the status as seen by taskID. Only the active task sees the
// live session; every other task sees NotStarted.
func (s *Session) StatusFor(taskID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskID == "" || taskID != s.activeTask {
		return NotStarted
	}
	return s.status
}

// Temperature returns the last decoded display value, °C.
func (s *Session) Temperature() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature, s.temperature != ""
}

// DeviceState returns a copy of the bound device state, or nil.
func (s *Session) DeviceState() *DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device.Clone()
}

// ActiveTask returns the task currently owning the hardware session.
func (s *Session) ActiveTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTask
}

// SessionID identifies the current reading attempt in logs and events.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Subscribe returns a channel of status events and a func to stop receiving.
// Slow subscribers lose their oldest events.
func (s *Session) Subscribe() (<-chan StatusEvent, func()) {
	return s.hub.Subscribe()
}

// RequestTemperatureReading starts a reading for taskID. Duplicate requests while
// the same task is already scanning, connecting or reading are ignored; Error
// always allows a retry.
func (s *Session) RequestTemperatureReading(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logger.WithField("task_id", taskID)
	if s.closed {
		log.Warn("Reading requested on closed session")
		return
	}

	if s.activeTask == taskID && s.intent == intentScanning && s.status != Error {
		log.Debug("Duplicate request ignored")
		return
	}
	if s.status.Busy() {
		log.WithField("status", s.status).Debug("Reading already in progress, request ignored")
		return
	}

	log.Info("Temperature reading requested")
	if s.grace != nil {
		// a new reading supersedes the previous save
		s.stopTimer(&s.grace)
		s.graceToken++
		s.saved = false
	}
	s.activeTask = taskID
	s.intent = intentScanning
	s.scanRetries = 0
	s.connector.ResetBudget()
	s.requestValueLocked()
}

// requestValueLocked reuses a live connection when there is one, else scans.
func (s *Session) requestValueLocked() {
	now := time.Now()
	if now.Before(s.scanCooldownUntil) || s.connector.InCooldown() {
		s.logger.WithFields(logrus.Fields{
			"task_id":  s.activeTask,
			"cooldown": s.scanCooldownUntil.Sub(now).Round(time.Millisecond),
		}).Warn("Reading rejected, cooldown active")
		s.setStatusLocked(Error)
		return
	}

	if d := s.device; d != nil {
		if d.HasActiveConnection && (s.status == Reading || s.status == Done) {
			s.verifyLocked(d.ActiveDeviceID)
			return
		}
		s.logger.WithField("device_id", d.ActiveDeviceID).Debug("Clearing stale device state before scanning")
		s.resetDeviceLocked()
	}

	s.beginScanLocked()
}

// verifyLocked asks an already connected probe for data. On success the session
// returns to Reading without a scan; on failure the stale state is dropped and a
// fresh scan starts.
func (s *Session) verifyLocked(id string) {
	gen := s.nextGenLocked()
	ctx := s.newOpLocked()
	s.stopKeepaliveLocked()
	log := s.logger.WithField("device_id", id)
	log.Info("Probe already connected, verifying link")

	s.group.Go(ctx, "probe-verify", func(ctx context.Context) {
		err := s.writeWithTimeout(ctx, id, protocol.CmdDownloadAllData, s.cfg.VerifyTimeout)

		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return
		}
		if err != nil {
			log.WithError(err).Info("Connected probe not responding, scanning afresh")
			s.resetDeviceLocked()
			s.beginScanLocked()
			return
		}
		s.setStatusLocked(Reading)
		s.startKeepaliveLocked(id)
	})
}

func (s *Session) writeWithTimeout(ctx context.Context, id string, data []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	groutine.Go(ctx, "probe-write", func(context.Context) {
		done <- s.transport.WriteWithoutResponse(id, protocol.ServiceUUID, protocol.WriteUUID, data)
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("link verification: %w", device.ErrTimeout)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Session) beginScanLocked() {
	gen := s.nextGenLocked()
	ctx := s.newOpLocked()
	s.sessionID = ulid.Make().String()
	s.setStatusLocked(Scanning)

	prev := s.scanDone
	done := make(chan struct{})
	s.scanDone = done

	opts := scanner.OptionsFromConfig(s.cfg)
	s.group.Go(ctx, "probe-scan", func(ctx context.Context) {
		if prev != nil {
			// a cancelled scan may still hold the radio
			select {
			case <-prev:
			case <-ctx.Done():
				close(done)
				return
			}
		}

		res, err := s.scanner.Scan(ctx, opts, nil)
		close(done)
		if ctx.Err() != nil {
			return
		}
		var candidates []detect.Candidate
		if res != nil {
			candidates = res.Candidates
		}
		viable, ok := s.onScanResult(gen, candidates, err)
		if ok {
			s.connectAndHandshake(ctx, gen, viable)
		}
	})
}

// OnScanResult feeds the matching candidates of a finished scan into the state
// machine. When a viable candidate exists, connection starts in the background.
func (s *Session) OnScanResult(candidates []detect.Candidate) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	viable, ok := s.onScanResult(gen, candidates, nil)
	if !ok {
		return
	}

	s.mu.Lock()
	ctx := s.opContextLocked()
	s.mu.Unlock()
	s.group.Go(ctx, "probe-connect", func(ctx context.Context) {
		s.connectAndHandshake(ctx, gen, viable)
	})
}

func (s *Session) onScanResult(gen uint64, candidates []detect.Candidate, scanErr error) ([]detect.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.status != Scanning {
		return nil, false
	}
	log := s.logger.WithField("session_id", s.sessionID)

	if scanErr != nil || len(candidates) == 0 {
		if scanErr != nil {
			log.WithError(scanErr).Warn("Scan failed")
		} else {
			log.Warn("No probes found during scan")
		}
		s.setStatusLocked(Error)
		s.scheduleScanRetryLocked()
		return nil, false
	}

	viable := s.criteria.Select(candidates)
	for i, c := range viable {
		log.WithFields(logrus.Fields{
			"rank":      i + 1,
			"device_id": c.ID,
			"name":      c.Name,
			"rssi":      c.RSSI,
		}).Debug("Viable candidate")
	}
	if len(viable) == 0 {
		log.WithField("candidates", len(candidates)).Warn("No viable probes (signal too weak or unknown name)")
		s.setStatusLocked(Error)
		return nil, false
	}

	log.WithFields(logrus.Fields{
		"device_id": viable[0].ID,
		"rssi":      viable[0].RSSI,
		"viable":    len(viable),
	}).Info("Probe selected, connecting")
	s.setStatusLocked(Connecting)
	return viable, true
}

// scheduleScanRetryLocked arms one automatic rescan while the budget allows,
// otherwise opens the scan cooldown.
func (s *Session) scheduleScanRetryLocked() {
	now := time.Now()
	if s.scanRetries >= s.cfg.MaxScanRetries || s.connector.InCooldown() || now.Before(s.scanCooldownUntil) {
		s.scanCooldownUntil = now.Add(s.cfg.Cooldown)
		s.logger.WithField("cooldown", s.cfg.Cooldown).Warn("No automatic retries left, entering scan cooldown")
		return
	}

	s.scanRetries++
	gen := s.gen
	s.logger.WithFields(logrus.Fields{
		"retry": s.scanRetries,
		"max":   s.cfg.MaxScanRetries,
		"delay": s.cfg.ScanRetryDelay,
	}).Info("Scheduling automatic scan retry")

	s.stopTimer(&s.retryTimer)
	s.retryTimer = time.AfterFunc(s.cfg.ScanRetryDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen || s.status != Error || s.intent != intentScanning || s.closed {
			return
		}
		s.logger.Info("Triggering automatic scan retry")
		s.requestValueLocked()
	})
}

func (s *Session) connectAndHandshake(ctx context.Context, gen uint64, viable []detect.Candidate) {
	chosen, err := s.connector.ConnectBest(ctx, viable, s.OnDisconnect)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"session_id": s.sessionID,
			"error":      err,
		}).Error("Connection failed")
		s.resetDeviceLocked()
		s.setStatusLocked(Error)
		return
	}

	if !s.onConnect(gen, chosen.ID) {
		// superseded while dialing; drop the stray link
		s.disconnectQuietly(chosen.ID, "superseded connection")
		return
	}
	s.runHandshake(ctx, gen, chosen.ID)
}

// OnConnect binds a freshly connected device and runs the handshake in the
// background. It is ignored unless the session is Connecting.
func (s *Session) OnConnect(id string) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if !s.onConnect(gen, id) {
		return
	}

	s.mu.Lock()
	ctx := s.opContextLocked()
	s.mu.Unlock()
	s.group.Go(ctx, "probe-handshake", func(ctx context.Context) {
		s.runHandshake(ctx, gen, id)
	})
}

func (s *Session) onConnect(gen uint64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.status != Connecting {
		return false
	}
	s.device = NewDeviceState(id)
	s.device.HasActiveConnection = true
	s.logger.WithFields(logrus.Fields{
		"session_id": s.sessionID,
		"device_id":  id,
	}).Info("Probe connected, starting handshake")
	return true
}

func (s *Session) runHandshake(ctx context.Context, gen uint64, id string) {
	_, err := s.handshake.Run(ctx, id, handshake.Handlers{
		OnData: func(data []byte) {
			s.OnNotification(id, data)
		},
		OnError: func(err error) {
			s.onMonitorError(gen, id, err)
		},
	})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if err == nil {
			s.disconnectQuietly(id, "superseded handshake")
		}
		return
	}
	defer s.mu.Unlock()
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": s.sessionID,
			"device_id":  id,
			"error":      err,
		}).Error("Handshake failed")
		s.resetDeviceLocked()
		s.setStatusLocked(Error)
		return
	}

	if s.device == nil || s.device.ActiveDeviceID != id {
		s.device = NewDeviceState(id)
		s.device.HasActiveConnection = true
	}
	s.device.ReceivedServicesInfo = true
	s.device.IsNotifying = true
	s.resetScanAttemptsLocked()

	// a notification may already have completed the reading
	if s.status == Connecting {
		s.setStatusLocked(Reading)
		s.startKeepaliveLocked(id)
	}
}

func (s *Session) onMonitorError(gen uint64, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"device_id": id,
		"error":     err,
	}).Error("Notification stream failed")
	s.stopKeepaliveLocked()
	s.setStatusLocked(Error)
}

// OnNotification reconciles one notification stream from id into the device
// state. Notifications are ignored while nothing is connected.
func (s *Session) OnNotification(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	s.keepaliveFailures = 0

	if s.status == NotStarted || s.status == Scanning {
		s.logger.WithField("device_id", id).Debug("Notification outside a reading, ignored")
		return
	}
	if len(data) == 0 {
		s.logger.WithField("device_id", id).Warn("Empty notification")
		return
	}

	if s.device != nil && s.device.ActiveDeviceID != id {
		s.logger.WithFields(logrus.Fields{
			"expected": s.device.ActiveDeviceID,
			"got":      id,
		}).Warn("Notification from a different device, resetting device state")
	}

	state, outcome, value := Reconcile(s.device, id, data)
	s.device = state

	switch outcome {
	case Corrupt:
		s.logger.WithField("device_id", id).Error("Hold is on but no valid hold value received")
		s.temperature = ""
		s.stopKeepaliveLocked()
		s.setStatusLocked(Error)
	case Complete:
		changed := s.temperature != value
		s.temperature = value
		if s.status != Done {
			s.logger.WithFields(logrus.Fields{
				"device_id":   id,
				"temperature": value,
				"hold":        state.Settings.HoldOn(),
			}).Info("Temperature reading complete")
			s.setStatusLocked(Done)
		} else if changed {
			s.publishLocked()
		}
	}
}

// OnDisconnect handles the link to id going down on its own. A drop during an
// active, non-cancelled reading triggers one automatic re-request.
func (s *Session) OnDisconnect(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.device != nil && s.device.ActiveDeviceID != id {
		s.logger.WithField("device_id", id).Debug("Disconnect from a device no longer bound, ignored")
		return
	}
	if s.device == nil && s.status != Connecting {
		return
	}

	allowRetry := s.intent != intentCancelled && s.activeTask != "" && s.status.Busy()
	log := s.logger.WithFields(logrus.Fields{
		"device_id": id,
		"status":    s.status,
		"reason":    err,
	})
	if allowRetry {
		log.Warn("Unexpected disconnect during active reading")
	} else {
		log.Info("Probe disconnected")
		s.resetScanAttemptsLocked()
	}

	task := s.activeTask
	s.nextGenLocked()
	s.cancelOpLocked(err)
	s.stopKeepaliveLocked()
	s.resetDeviceLocked()
	s.activeTask = ""
	s.intent = intentIdle
	s.setStatusLocked(NotStarted)

	if allowRetry && s.scanRetries < s.cfg.MaxScanRetries {
		s.scanRetries++
		log.WithField("retry", s.scanRetries).Info("Re-requesting reading after disconnect")
		s.activeTask = task
		s.intent = intentScanning
		s.requestValueLocked()
	}
}

// CancelTemperatureReading stops any scan, connection or read and returns to
// NotStarted. The returned error only reports a failed disconnect; the session
// is reset regardless and callers may ignore it.
func (s *Session) CancelTemperatureReading() error {
	s.mu.Lock()
	s.logger.WithField("task_id", s.activeTask).Info("Temperature reading cancelled")
	s.intent = intentCancelled
	s.activeTask = ""
	s.nextGenLocked()
	s.cancelOpLocked(ErrCancelled)
	s.clearTimersLocked()
	s.stopKeepaliveLocked()

	id := ""
	if s.device != nil {
		id = s.device.ActiveDeviceID
	}
	s.resetDeviceLocked()
	s.setStatusLocked(NotStarted)
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	if err := s.transport.Disconnect(id); err != nil && !device.IsIgnorable(err) {
		s.logger.WithFields(logrus.Fields{
			"device_id": id,
			"error":     err,
		}).Warn("Failed to disconnect cancelled reading")
		return fmt.Errorf("cancel disconnect %s: %w", id, err)
	}
	return nil
}

// Save commits the displayed temperature, releases the task so it can read again
// and starts the save grace period.
func (s *Session) Save() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.status != Done || s.temperature == "" {
		return "", fmt.Errorf("%w (status %s)", ErrNotDone, s.status)
	}
	value := s.temperature
	s.userActivityLocked(ActionSavePressed)
	return value, nil
}

// OnUserActivity records a UI action. Save starts the grace period; anything else
// restarts inactivity timing and cancels a running grace period.
func (s *Session) OnUserActivity(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userActivityLocked(action)
}

func (s *Session) userActivityLocked(action string) {
	s.logger.WithField("action", action).Debug("User activity")

	if action == ActionSavePressed {
		s.saved = true
		s.startGraceLocked()
		s.activeTask = ""
		s.intent = intentIdle
		return
	}

	if s.inactivity != nil {
		s.startInactivityLocked()
	}
	if s.grace != nil {
		s.stopTimer(&s.grace)
		s.graceToken++
		s.saved = false
		s.logger.Debug("Grace period cancelled by user activity")
	}
}

// Close tears the session down and waits for background work to finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.forceCleanup("session closed")
	s.baseCancel()
	s.group.Wait()
	s.hub.Close()
	return nil
}

func (s *Session) setStatusLocked(next Status) {
	prev := s.status
	s.status = next

	if prev != next {
		s.logger.WithFields(logrus.Fields{
			"session_id": s.sessionID,
			"task_id":    s.activeTask,
			"from":       prev,
			"to":         next,
		}).Debug("Status transition")
	}

	switch next {
	case Scanning, Connecting, Error:
		s.startInactivityLocked()
	case Reading:
		s.startInactivityLocked()
	case Done:
		s.stopKeepaliveLocked()
		if s.saved {
			s.startGraceLocked()
		}
	case NotStarted:
		s.clearTimersLocked()
	}

	s.publishLocked()
}

func (s *Session) publishLocked() {
	s.hub.Publish(StatusEvent{
		SessionID:   s.sessionID,
		TaskID:      s.activeTask,
		Status:      s.status,
		Temperature: s.temperature,
		At:          time.Now(),
	})
}

func (s *Session) nextGenLocked() uint64 {
	s.gen++
	return s.gen
}

// newOpLocked cancels the previous attempt's context and returns a fresh one.
func (s *Session) newOpLocked() context.Context {
	s.cancelOpLocked(nil)
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	s.opCtx, s.opCancel = ctx, cancel
	return ctx
}

// opContextLocked returns the context of the current attempt.
func (s *Session) opContextLocked() context.Context {
	if s.opCtx == nil {
		return s.newOpLocked()
	}
	return s.opCtx
}

func (s *Session) cancelOpLocked(cause error) {
	if s.opCancel != nil {
		s.opCancel(cause)
		s.opCtx, s.opCancel = nil, nil
	}
}

func (s *Session) resetDeviceLocked() {
	s.device = nil
	s.temperature = ""
}

// resetScanAttemptsLocked restores the retry budgets after a successful or
// completed workflow.
func (s *Session) resetScanAttemptsLocked() {
	s.scanRetries = 0
	s.scanCooldownUntil = time.Time{}
	s.connector.ResetBudget()
}

func (s *Session) disconnectQuietly(id, reason string) {
	if err := s.transport.Disconnect(id); err != nil && !device.IsIgnorable(err) {
		s.logger.WithFields(logrus.Fields{
			"device_id": id,
			"reason":    reason,
			"error":     err,
		}).Debug("Disconnect failed")
	}
}
