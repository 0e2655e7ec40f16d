package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/pkg/config"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// FastConfig returns the default tunables with every timer shrunk to
// milliseconds, so timer-driven behavior can be observed within a test.
func FastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.LogLevel = logrus.DebugLevel
	cfg.ScanTimeout = 300 * time.Millisecond
	cfg.DetectionGrace = 20 * time.Millisecond
	cfg.ScanRetryDelay = 30 * time.Millisecond
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.Cooldown = 150 * time.Millisecond
	cfg.InactivityTimeout = 5 * time.Second
	cfg.SaveGracePeriod = 5 * time.Second
	cfg.KeepaliveIdle = time.Hour
	cfg.VerifyTimeout = 100 * time.Millisecond
	return cfg
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}
