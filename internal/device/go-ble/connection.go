// Package goble implements device.Transport on top of github.com/go-ble/ble.
// One Transport owns the host radio and keeps a table of live links keyed by
// device address.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as device.DeviceFactory
var DeviceFactory = newDevice

// Transport is a go-ble backed device.Transport
type Transport struct {
	logger *logrus.Logger

	devOnce sync.Once
	dev     ble.Device
	devErr  error

	links *hashmap.Map[string, *link]
	group groutine.Group
}

// link is one live connection
type link struct {
	id     string
	client ble.Client

	writeMu sync.Mutex
	mu      sync.RWMutex
	chars   map[string]*ble.Characteristic // "svc/char", normalized
	cached  []device.ServiceInfo
	monitor func(data []byte, err error)

	onDisconnect func(id string, err error)
	requested    atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func charKey(service, char string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
}

// New creates a transport. The host radio is opened lazily on first use.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		links:  hashmap.New[string, *link](),
	}
}

func (t *Transport) device() (ble.Device, error) {
	t.devOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			t.devErr = fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
			return
		}
		t.dev = dev
	})
	return t.dev, t.devErr
}

// Connect dials id. The OnDisconnect handler only fires when the link drops on
// its own, never for a Disconnect call.
func (t *Transport) Connect(ctx context.Context, id string, opts device.ConnectOptions) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("device address is empty")
	}
	if _, ok := t.links.Get(id); ok {
		return device.ErrAlreadyConnected
	}

	dev, err := t.device()
	if err != nil {
		return err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log := t.logger.WithFields(logrus.Fields{
		"address": id,
		"timeout": opts.Timeout,
	})
	log.Debug("Dialing BLE device...")

	client, err := dev.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", id, NormalizeError(err))
	}

	l := &link{
		id:           id,
		client:       client,
		chars:        make(map[string]*ble.Characteristic),
		onDisconnect: opts.OnDisconnect,
		done:         make(chan struct{}),
	}
	if !t.links.Insert(id, l) {
		// lost a race with a concurrent Connect
		_ = client.CancelConnection()
		return device.ErrAlreadyConnected
	}

	if watched, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		t.group.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			t.watch(l, watched.Disconnected())
		})
	} else {
		log.Debug("Client does not support Disconnected() channel, link loss is detected on use")
	}

	log.Info("BLE device connected")
	return nil
}

// watch reports an unsolicited link loss to the connect-time handler.
func (t *Transport) watch(l *link, disconnected <-chan struct{}) {
	select {
	case <-disconnected:
	case <-l.done:
		return
	}

	t.links.Del(l.id)
	l.close()
	if l.requested.Load() {
		return
	}

	err := fmt.Errorf("device %s was disconnected: %w", l.id, device.ErrNotConnected)
	t.logger.WithField("address", l.id).Warn("BLE link lost")

	l.mu.RLock()
	monitor := l.monitor
	l.mu.RUnlock()
	if monitor != nil {
		monitor(nil, err)
	}
	if l.onDisconnect != nil {
		l.onDisconnect(l.id, err)
	}
}

func (t *Transport) link(id string) (*link, error) {
	l, ok := t.links.Get(id)
	if !ok {
		return nil, device.ErrNotConnected
	}
	return l, nil
}

// IsConnected reports whether a live link to id exists
func (t *Transport) IsConnected(id string) (bool, error) {
	l, ok := t.links.Get(id)
	if !ok {
		return false, nil
	}
	select {
	case <-l.done:
		return false, nil
	default:
		return true, nil
	}
}

// Disconnect drops the link to id. Disconnecting an idle device reports
// device.ErrNotConnected.
func (t *Transport) Disconnect(id string) error {
	l, ok := t.links.Get(id)
	if !ok {
		return device.ErrNotConnected
	}
	l.requested.Store(true)
	t.links.Del(id)
	l.close()

	t.logger.WithField("address", id).Info("Disconnecting BLE device...")

	l.mu.Lock()
	monitored := l.monitor != nil
	l.monitor = nil
	l.mu.Unlock()
	if monitored {
		if err := NormalizeError(l.client.ClearSubscriptions()); err != nil {
			t.logger.WithField("error", err).Debug("Failed to clear subscriptions during disconnect")
		}
	}

	if err := NormalizeError(l.client.CancelConnection()); err != nil {
		t.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}
	t.logger.WithField("address", id).Info("BLE device disconnected successfully")
	return nil
}

// Close drops every link and waits for the link monitors to exit.
func (t *Transport) Close() error {
	var ids []string
	t.links.Range(func(id string, _ *link) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := t.Disconnect(id); err != nil && !device.IsIgnorable(err) {
			t.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Warn("Failed to disconnect on close")
		}
	}
	t.group.Wait()

	if t.dev != nil {
		return NormalizeError(t.dev.Stop())
	}
	return nil
}

var _ device.Transport = (*Transport)(nil)
