package main

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/inkprobe/internal/protocol"
	"github.com/srg/inkprobe/internal/testutils"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"
)

var (
	live25   = append(append([]byte(nil), protocol.CmdMainProbeC...), 0x00, 0xFA)
	holdOn30 = append(append(append([]byte(nil), protocol.CmdDeviceSettings...), 0x0C),
		append(append([]byte(nil), protocol.CmdHoldValue...), 0x01, 0x2C)...)
)

type ReadCommandTestSuite struct {
	CommandTestSuite
}

// readWith runs `read args...` and answers the data request with stream.
func (s *ReadCommandTestSuite) readWith(stream []byte, args ...string) (string, error) {
	s.WithProbe(TestProbeAddress1, "sps", -50)
	done, stdout := s.StartCommand(append([]string{"read"}, args...)...)

	s.EventuallyTrue(func() bool {
		return s.Transport.CountWrites(protocol.CmdDownloadAllData) == 1
	}, "data request MUST be sent")
	s.Require().True(s.Transport.Notify(TestProbeAddress1, stream))

	err := s.AwaitCommand(done)
	return stdout.String(), err
}

func (s *ReadCommandTestSuite) TestRead_Text() {
	out, err := s.readWith(live25)
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
Probe:        AA:AA:AA:AA:AA:01
Temperature:  25.00 °C (live)
`)
}

func (s *ReadCommandTestSuite) TestRead_JSON() {
	out, err := s.readWith(live25, "--output", "json", "--task", "kitchen")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"session_id": "<<PRESENCE>>",
		"task_id": "kitchen",
		"device_id": "AA:AA:AA:AA:AA:01",
		"temperature_c": "25.00",
		"source": "live",
		"saved": false
	}`)
}

func (s *ReadCommandTestSuite) TestRead_YAMLKeepsFieldOrder() {
	out, err := s.readWith(holdOn30, "-o", "yaml")
	s.Require().NoError(err)

	s.True(strings.HasPrefix(out, "session_id:"), "report MUST start with the session id, got:\n%s", out)

	var report map[string]any
	s.Require().NoError(yaml.Unmarshal([]byte(out), &report))
	s.Equal("30.00", report["temperature_c"])
	s.Equal("hold", report["source"])
	s.Equal("C", report["display_unit"])
}

func (s *ReadCommandTestSuite) TestRead_SaveWaitsForGrace() {
	s.Config.SaveGracePeriod = 100 * time.Millisecond

	started := time.Now()
	out, err := s.readWith(live25, "--save")
	s.Require().NoError(err)

	s.Contains(out, "Saved:        yes")
	s.GreaterOrEqual(time.Since(started), s.Config.SaveGracePeriod)
	s.Contains(s.Transport.Disconnects(), TestProbeAddress1, "grace expiry MUST release the probe")
}

func (s *ReadCommandTestSuite) TestRead_NoProbe() {
	s.Config.ScanTimeout = 40 * time.Millisecond

	_, err := s.ExecuteCommand("read")
	s.Require().ErrorIs(err, ErrReadingFailed)
	s.Contains(FormatUserError(err), "--log-level debug")
	s.Equal(2, s.Transport.ScanCalls(), "one automatic retry MUST run before giving up")
}

func (s *ReadCommandTestSuite) TestRead_Timeout() {
	s.WithProbe(TestProbeAddress1, "sps", -50)

	_, err := s.ExecuteCommand("read", "--timeout", "300ms")
	s.Require().ErrorIs(err, ErrNoReading)
	s.Contains(s.Transport.Disconnects(), TestProbeAddress1, "an abandoned reading MUST release the probe")
}

func (s *ReadCommandTestSuite) TestRead_InvalidOutput() {
	_, err := s.ExecuteCommand("read", "--output", "xml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid output format 'xml'")
	s.Zero(s.Transport.ScanCalls())
}

func TestReadCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ReadCommandTestSuite))
}
