package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/protocol"
)

// Timer callbacks carry the token current when they were armed and do nothing if
// the timer was restarted or cleared since.

func (s *Session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// startInactivityLocked (re)starts the inactivity timer. Expiry forces cleanup
// whatever the status.
func (s *Session) startInactivityLocked() {
	s.stopTimer(&s.inactivity)
	s.inactivityToken++
	token := s.inactivityToken

	s.inactivity = time.AfterFunc(s.cfg.InactivityTimeout, func() { s.inactivityExpired(token) })
}

func (s *Session) inactivityExpired(token uint64) {
	s.cleanupIf("inactivity timeout", func() bool { return token == s.inactivityToken })
}

// startGraceLocked (re)starts the save grace period.
func (s *Session) startGraceLocked() {
	s.stopTimer(&s.grace)
	s.graceToken++
	token := s.graceToken
	s.logger.WithField("grace", s.cfg.SaveGracePeriod).Debug("Save grace period started")

	s.grace = time.AfterFunc(s.cfg.SaveGracePeriod, func() { s.graceExpired(token) })
}

func (s *Session) graceExpired(token uint64) {
	s.cleanupIf("save grace period", func() bool { return token == s.graceToken })
}

func (s *Session) clearTimersLocked() {
	s.stopTimer(&s.inactivity)
	s.inactivityToken++
	s.stopTimer(&s.grace)
	s.graceToken++
	s.stopTimer(&s.retryTimer)
	s.saved = false
}

// forceCleanup clears timers, drops the link and resets the session to
// NotStarted. It is idempotent and never fails: a link that is already gone or a
// disconnect error still ends in a clean state.
func (s *Session) forceCleanup(reason string) {
	s.cleanupIf(reason, nil)
}

// cleanupIf performs the forced cleanup only while current holds. The check and
// the reset share one critical section. It reports whether cleanup ran.
func (s *Session) cleanupIf(reason string, current func() bool) bool {
	s.mu.Lock()
	if current != nil && !current() {
		s.mu.Unlock()
		s.logger.WithField("reason", reason).Debug("Cleanup superseded, skipped")
		return false
	}
	s.logger.WithField("reason", reason).Info("Forcing cleanup")
	s.nextGenLocked()
	s.cancelOpLocked(nil)
	s.stopKeepaliveLocked()
	s.clearTimersLocked()

	id := ""
	if s.device != nil {
		id = s.device.ActiveDeviceID
	}
	s.resetDeviceLocked()
	s.activeTask = ""
	s.intent = intentIdle
	if s.status != NotStarted {
		s.setStatusLocked(NotStarted)
	}
	s.mu.Unlock()

	log := s.logger.WithField("reason", reason)
	if id == "" {
		log.Debug("Cleanup complete, no device bound")
		return true
	}
	log = log.WithField("device_id", id)

	connected, err := s.transport.IsConnected(id)
	if err == nil && !connected {
		log.Info("Device already disconnected, cleanup complete")
		return true
	}
	if err != nil {
		log.WithError(err).Warn("Could not check connection state, disconnecting anyway")
	}
	if err := s.transport.Disconnect(id); err != nil && !device.IsIgnorable(err) {
		log.WithError(err).Info("Disconnect failed during cleanup, likely already disconnected")
		return true
	}
	log.Info("Device disconnected, cleanup complete")
	return true
}

// startKeepaliveLocked begins idle-triggered keepalive for id.
func (s *Session) startKeepaliveLocked(id string) {
	s.stopKeepaliveLocked()
	s.lastActivity = time.Now()
	s.keepaliveFailures = 0
	s.logger.WithField("device_id", id).Debug("Keepalive started")
	s.scheduleKeepaliveLocked(id, s.cfg.KeepaliveIdle)
}

func (s *Session) stopKeepaliveLocked() {
	s.stopTimer(&s.keepalive)
	s.keepaliveToken++
}

func (s *Session) scheduleKeepaliveLocked(id string, after time.Duration) {
	s.stopTimer(&s.keepalive)
	token := s.keepaliveToken
	s.keepalive = time.AfterFunc(after, func() {
		s.keepaliveTick(id, token)
	})
}

// keepaliveLocked reports whether the keepalive armed with token should still run.
func (s *Session) keepaliveLocked(id string, token uint64) bool {
	return token == s.keepaliveToken && s.device != nil && s.device.ActiveDeviceID == id && s.status != Done
}

func (s *Session) keepaliveTick(id string, token uint64) {
	s.mu.Lock()
	if !s.keepaliveLocked(id, token) {
		s.mu.Unlock()
		return
	}
	idle := time.Since(s.lastActivity)
	if idle < s.cfg.KeepaliveIdle {
		// data is flowing; look again once the link could have gone idle
		s.scheduleKeepaliveLocked(id, s.cfg.KeepaliveIdle-idle)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.transport.WriteWithoutResponse(id, protocol.ServiceUUID, protocol.WriteUUID, protocol.CmdKeepalive)

	s.mu.Lock()
	if !s.keepaliveLocked(id, token) {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.keepaliveFailures = 0
		s.keepaliveLog.Do(func() {
			s.logger.WithFields(logrus.Fields{
				"device_id": id,
				"idle":      idle.Round(time.Millisecond),
			}).Debug("Keepalive sent")
		})
		s.scheduleKeepaliveLocked(id, s.cfg.KeepaliveIdle)
		s.mu.Unlock()
		return
	}

	s.keepaliveFailures++
	failures := s.keepaliveFailures
	log := s.logger.WithFields(logrus.Fields{
		"device_id": id,
		"failures":  failures,
		"max":       s.cfg.MaxKeepaliveFailures,
		"error":     err,
	})
	if failures < s.cfg.MaxKeepaliveFailures {
		log.Debug("Keepalive failed, continuing")
		s.scheduleKeepaliveLocked(id, s.cfg.KeepaliveIdle)
		s.mu.Unlock()
		return
	}
	log.Warn("Keepalive failed repeatedly, checking connection state")
	s.stopKeepaliveLocked()
	s.mu.Unlock()

	connected, cerr := s.isConnected(id)
	switch {
	case cerr != nil:
		s.logger.WithError(cerr).Warn("Could not check device state, keepalive stopped")
	case connected:
		s.logger.WithField("device_id", id).Debug("Device still connected, keepalive stopped")
	default:
		s.logger.WithField("device_id", id).Info("Keepalive detected disconnection")
		s.cleanupIf("keepalive detected disconnection", func() bool {
			return s.device != nil && s.device.ActiveDeviceID == id
		})
	}
}

func (s *Session) isConnected(id string) (bool, error) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.VerifyTimeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := s.transport.IsConnected(id)
		done <- result{ok, err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
