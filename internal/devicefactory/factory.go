// Package devicefactory builds the BLE transport for the host platform.
package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/device"
	goble "github.com/srg/inkprobe/internal/device/go-ble"
)

// Transport is a device.Transport owned by the composition root, which closes
// it on exit.
type Transport interface {
	device.Transport
	Close() error
}

// Factory creates the transport. This is a variable so that it can be
// overridden in tests.
var Factory = func(logger *logrus.Logger) (Transport, error) {
	return goble.New(logger), nil
}

// NewTransport creates the process-wide transport.
func NewTransport(logger *logrus.Logger) (Transport, error) {
	return Factory(logger)
}
