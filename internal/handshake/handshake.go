// Package handshake brings a freshly connected link to the point where the probe
// streams notifications: service discovery, identity verification, notification
// subscription and the initial data request.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/protocol"
)

var (
	// ErrDiscovery means the notify or write characteristic could not be found.
	ErrDiscovery = errors.New("service discovery failed")
	// ErrIdentityMismatch means the device lacks the probe identity characteristic.
	ErrIdentityMismatch = errors.New("device is not an Inkbird probe")
)

// Strategy names, in the order they are tried
const (
	StrategyFast   = "fast"
	StrategyCached = "cached"
	StrategyFull   = "full"
)

// Handlers receive the notification stream after a successful handshake.
type Handlers struct {
	// OnData is called for every notification payload.
	OnData func(data []byte)
	// OnError is called when the stream ends unexpectedly. Ends caused by a
	// disconnect or cancellation are logged and not reported.
	OnError func(err error)
}

// Result describes what discovery found
type Result struct {
	Strategy string
	Services []device.ServiceInfo
}

// Orchestrator runs the post-connect handshake over a shared transport
type Orchestrator struct {
	transport device.Transport
	logger    *logrus.Logger
}

// New creates a handshake orchestrator
func New(transport device.Transport, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{transport: transport, logger: logger}
}

// Run performs the handshake on a connected device. On any failure the link is
// dropped before the error is returned.
func (o *Orchestrator) Run(ctx context.Context, id string, h Handlers) (*Result, error) {
	res, err := o.run(ctx, id, h)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"device_id": id,
			"error":     err,
		}).Error("Handshake failed, dropping link")
		if derr := o.transport.Disconnect(id); derr != nil && !device.IsIgnorable(derr) {
			o.logger.WithError(derr).Debug("Disconnect after failed handshake")
		}
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, id string, h Handlers) (*Result, error) {
	res, err := o.Discover(ctx, id)
	if err != nil {
		return nil, err
	}

	// notify-only characteristics usually refuse reads
	if _, rerr := o.transport.Read(ctx, id, protocol.ServiceUUID, protocol.NotifyUUID); rerr != nil {
		o.logger.WithError(rerr).Debug("Notify characteristic read probe failed")
	}

	if err := o.transport.Monitor(id, protocol.ServiceUUID, protocol.NotifyUUID, o.monitorHandler(id, h)); err != nil {
		return nil, fmt.Errorf("failed to subscribe to notifications: %w", device.NormalizeError(err))
	}
	o.logger.WithField("device_id", id).Debug("Notification monitor started")

	if err := o.transport.WriteWithoutResponse(id, protocol.ServiceUUID, protocol.WriteUUID, protocol.CmdDownloadAllData); err != nil {
		return nil, fmt.Errorf("failed to send data request: %w", device.NormalizeError(err))
	}
	o.logger.WithField("device_id", id).Info("Handshake complete, data requested")

	return res, nil
}

// Discover finds the notify, write and identity characteristics. Strategies run in
// order (service-filtered, cached, full) and stop as soon as the union of what they
// found covers all three.
func (o *Orchestrator) Discover(ctx context.Context, id string) (*Result, error) {
	var found []device.ServiceInfo
	var lastErr error
	strategy := ""

	for _, s := range []struct {
		name string
		run  func() ([]device.ServiceInfo, error)
	}{
		{StrategyFast, func() ([]device.ServiceInfo, error) {
			return o.transport.DiscoverServices(ctx, id, protocol.ServiceUUID)
		}},
		{StrategyCached, func() ([]device.ServiceInfo, error) {
			return o.transport.CachedServices(id), nil
		}},
		{StrategyFull, func() ([]device.ServiceInfo, error) {
			return o.transport.DiscoverServices(ctx, id)
		}},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		services, err := s.run()
		if err != nil {
			lastErr = err
			o.logger.WithFields(logrus.Fields{
				"device_id": id,
				"strategy":  s.name,
				"error":     err,
			}).Warn("Discovery strategy failed")
			continue
		}

		found = append(found, services...)
		strategy = s.name
		if hasAll(found, protocol.NotifyUUID, protocol.WriteUUID, protocol.IdentityUUID) {
			o.logger.WithFields(logrus.Fields{
				"device_id": id,
				"strategy":  s.name,
			}).Debug("Discovery complete")
			return &Result{Strategy: strategy, Services: found}, nil
		}
	}

	if !hasAll(found, protocol.NotifyUUID, protocol.WriteUUID) {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiscovery, device.NormalizeError(lastErr))
		}
		return nil, fmt.Errorf("%w: notify or write characteristic missing", ErrDiscovery)
	}
	return nil, fmt.Errorf("%w: identity characteristic %s not found", ErrIdentityMismatch, device.ShortenUUID(protocol.IdentityUUID))
}

func (o *Orchestrator) monitorHandler(id string, h Handlers) func([]byte, error) {
	return func(data []byte, err error) {
		if err != nil {
			if IsExpectedEnd(err) {
				o.logger.WithFields(logrus.Fields{
					"device_id": id,
					"reason":    err.Error(),
				}).Debug("Notification monitor ended")
				return
			}
			o.logger.WithFields(logrus.Fields{
				"device_id": id,
				"error":     err,
			}).Error("Unexpected notification error")
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
		if h.OnData != nil {
			h.OnData(data)
		}
	}
}

// IsExpectedEnd reports whether a monitor error is the normal end of a stream:
// the link went away or the subscription was cancelled.
func IsExpectedEnd(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || device.IsConnectionState(err, device.NotConnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "was disconnected") || strings.Contains(msg, "operation was cancelled")
}

func hasAll(services []device.ServiceInfo, chars ...string) bool {
	for _, c := range chars {
		found := false
		for _, svc := range services {
			if svc.HasCharacteristic(c) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
