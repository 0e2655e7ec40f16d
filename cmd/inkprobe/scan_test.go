package main

import (
	"strings"
	"testing"

	"github.com/srg/inkprobe/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScanCommandTestSuite struct {
	CommandTestSuite
}

func (s *ScanCommandTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.WithProbe(TestProbeAddress2, "sps", -65)
	s.WithProbe(TestProbeAddress1, "sps", -50)
	s.WithProbe("CC:CC:CC:CC:CC:03", "Ink@IHT-2PB", -75)
}

func (s *ScanCommandTestSuite) TestScan_TableRanksBestFirst() {
	out, err := s.ExecuteCommand("scan", "--all", "--duration", "100ms")
	s.Require().NoError(err)

	var rows [][]string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[2:] {
		rows = append(rows, strings.Fields(line))
	}
	s.Equal([][]string{
		{"1", "sps", TestProbeAddress1, "-50", "dBm", "yes"},
		{"2", "sps", TestProbeAddress2, "-65", "dBm", "yes"},
		{"3", "Ink@IHT-2PB", "CC:CC:CC:CC:CC:03", "-75", "dBm", "no"},
	}, rows)
}

func (s *ScanCommandTestSuite) TestScan_JSON() {
	out, err := s.ExecuteCommand("scan", "--all", "--duration", "100ms", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{"rank": 1, "id": "AA:AA:AA:AA:AA:01", "name": "sps", "rssi": -50, "viable": true},
		{"rank": 2, "id": "BB:BB:BB:BB:BB:02", "name": "sps", "rssi": -65, "viable": true},
		{"rank": 3, "id": "CC:CC:CC:CC:CC:03", "name": "Ink@IHT-2PB", "rssi": -75, "viable": false}
	]`)
}

func (s *ScanCommandTestSuite) TestScan_Empty() {
	s.Transport.WithAdvertisements()

	out, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().NoError(err)
	s.Equal("No probes discovered\n", out)
}

func (s *ScanCommandTestSuite) TestScan_InvalidFormat() {
	_, err := s.ExecuteCommand("scan", "--format", "xml")
	s.Require().Error(err)
	s.Zero(s.Transport.ScanCalls())
}

func TestScanCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandTestSuite))
}
