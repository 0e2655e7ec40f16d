package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/device"
	"github.com/srg/inkprobe/internal/groutine"
)

// call runs a blocking go-ble operation and gives up when ctx ends. The
// operation itself cannot be interrupted and finishes in the background.
func call[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, name, func(context.Context) {
		v, err := fn()
		done <- result{v, err}
	})

	select {
	case r := <-done:
		return r.v, NormalizeError(r.err)
	case <-ctx.Done():
		var zero T
		return zero, NormalizeError(ctx.Err())
	}
}

// DiscoverServices runs a fresh GATT discovery, limited to serviceUUIDs when
// given. Found characteristics become addressable for Read, Write and Monitor.
func (t *Transport) DiscoverServices(ctx context.Context, id string, serviceUUIDs ...string) ([]device.ServiceInfo, error) {
	l, err := t.link(id)
	if err != nil {
		return nil, err
	}

	var filter []ble.UUID
	for _, u := range serviceUUIDs {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID %q: %w", u, err)
		}
		filter = append(filter, parsed)
	}

	return call(ctx, "ble-discover", func() ([]device.ServiceInfo, error) {
		services, err := l.client.DiscoverServices(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to discover services: %w", err)
		}

		infos := make([]device.ServiceInfo, 0, len(services))
		found := make(map[string]*ble.Characteristic)
		for _, svc := range services {
			chars, err := l.client.DiscoverCharacteristics(nil, svc)
			if err != nil {
				return nil, fmt.Errorf("failed to discover characteristics of %s: %w", svc.UUID, err)
			}

			info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID.String())}
			for _, c := range chars {
				if c.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
					// Subscribe needs the CCCD handle
					if _, err := l.client.DiscoverDescriptors(nil, c); err != nil {
						t.logger.WithFields(logrus.Fields{
							"char_uuid": c.UUID.String(),
							"error":     err,
						}).Debug("Descriptor discovery failed")
					}
				}
				charUUID := device.NormalizeUUID(c.UUID.String())
				info.Characteristics = append(info.Characteristics, charUUID)
				found[charKey(info.UUID, charUUID)] = c
			}
			infos = append(infos, info)
		}

		l.mu.Lock()
		for k, c := range found {
			l.chars[k] = c
		}
		if len(serviceUUIDs) == 0 {
			l.cached = infos
		}
		l.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"address":  id,
			"filter":   serviceUUIDs,
			"services": len(infos),
		}).Debug("Services discovered")
		return infos, nil
	})
}

// CachedServices returns the last full discovery on the current link
func (t *Transport) CachedServices(id string) []device.ServiceInfo {
	l, err := t.link(id)
	if err != nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]device.ServiceInfo(nil), l.cached...)
}

func (l *link) characteristic(service, char string) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chars[charKey(service, char)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return c, nil
}

// Read reads a discovered characteristic
func (t *Transport) Read(ctx context.Context, id, service, char string) ([]byte, error) {
	l, err := t.link(id)
	if err != nil {
		return nil, err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return nil, err
	}
	return call(ctx, "ble-read", func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
}

// WriteWithoutResponse writes data as a single command. Writes to one link are
// serialized.
func (t *Transport) WriteWithoutResponse(id, service, char string, data []byte) error {
	l, err := t.link(id)
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.client.WriteCharacteristic(c, data, true); err != nil {
		return fmt.Errorf("write %s: %w", device.ShortenUUID(device.NormalizeUUID(char)), NormalizeError(err))
	}
	return nil
}

// Monitor subscribes to notifications of char. A later link loss is delivered
// to onValue as a terminal error.
func (t *Transport) Monitor(id, service, char string, onValue func(data []byte, err error)) error {
	l, err := t.link(id)
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications", char)
	}

	indicate := c.Property&ble.CharNotify == 0
	err = l.client.Subscribe(c, indicate, func(data []byte) {
		onValue(append([]byte(nil), data...), nil)
	})
	if err != nil {
		return NormalizeError(err)
	}

	l.mu.Lock()
	l.monitor = onValue
	l.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"serviceUUID": service,
		"charUUID":    char,
	}).Info("Successfully subscribed to characteristic notifications")
	return nil
}
