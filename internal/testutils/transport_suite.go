package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/pkg/config"
	"github.com/stretchr/testify/suite"
)

// TransportSuite is the base suite for components that talk to a radio.
// Every test gets a fresh FakeTransport and fast timers.
//
//	type SessionSuite struct {
//	    testutils.TransportSuite
//	}
//
//	func (s *SessionSuite) SetupTest() {
//	    s.TransportSuite.SetupTest() // call parent first
//	    s.Transport.WithProfile("AA", testutils.ProbeProfile()...)
//	}
type TransportSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport *FakeTransport
	Config    *config.Config

	// Wait bounds every Eventually in the suite
	Wait time.Duration
	Tick time.Duration
}

// SetupSuite initializes the logger once for all tests.
func (s *TransportSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Wait = 2 * time.Second
	s.Tick = 5 * time.Millisecond
}

// SetupTest resets the transport and tunables before each test.
func (s *TransportSuite) SetupTest() {
	s.Transport = NewFakeTransport()
	s.Config = FastConfig()
}

// TearDownTest drops the per-test transport.
func (s *TransportSuite) TearDownTest() {
	s.Transport = nil
	s.Config = nil
}

// WithProbe registers a genuine probe: advertised during scans and exposing the
// full probe profile once connected.
func (s *TransportSuite) WithProbe(address, name string, rssi int) *Advertisement {
	adv := ProbeAdvertisement(address, name, rssi)
	s.Transport.mu.Lock()
	s.Transport.advertisements = append(s.Transport.advertisements, adv)
	s.Transport.mu.Unlock()
	s.Transport.WithProfile(address, ProbeProfile()...)
	return adv
}

// EventuallyTrue waits for cond using the suite timings.
func (s *TransportSuite) EventuallyTrue(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().Eventually(cond, s.Wait, s.Tick, msgAndArgs...)
}

// NeverTrue asserts cond stays false for d.
func (s *TransportSuite) NeverTrue(cond func() bool, d time.Duration, msgAndArgs ...interface{}) {
	s.Require().Never(cond, d, s.Tick, msgAndArgs...)
}
