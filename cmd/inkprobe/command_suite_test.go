package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/devicefactory"
	"github.com/srg/inkprobe/internal/testutils"
	"gopkg.in/yaml.v3"
)

// Test device addresses for consistent fake probe identification
const (
	TestProbeAddress1 = "AA:AA:AA:AA:AA:01"
	TestProbeAddress2 = "BB:BB:BB:BB:BB:02"
)

// CommandTestSuite runs cobra commands against the fake transport.
// All cmd/inkprobe suites should embed it.
type CommandTestSuite struct {
	testutils.TransportSuite

	origFactory func(*logrus.Logger) (devicefactory.Transport, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.TransportSuite.SetupSuite()
	color.NoColor = true
}

func (s *CommandTestSuite) SetupTest() {
	s.TransportSuite.SetupTest()

	s.origFactory = devicefactory.Factory
	transport := s.Transport
	devicefactory.Factory = func(*logrus.Logger) (devicefactory.Transport, error) {
		return transport, nil
	}

	// cobra keeps flag values between executions
	readTask, readSave, readOutput, readTimeout = "cli", false, "text", 5*time.Second
	scanDuration, scanFormat, scanAll = 0, "table", false
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.Factory = s.origFactory
	s.TransportSuite.TearDownTest()
}

// writeConfig stores the suite tunables where --config can load them.
func (s *CommandTestSuite) writeConfig() string {
	data, err := yaml.Marshal(s.Config)
	s.Require().NoError(err)
	path := filepath.Join(s.T().TempDir(), "inkprobe.yaml")
	s.Require().NoError(os.WriteFile(path, data, 0o600))
	return path
}

// StartCommand runs the root command with args in the background. The returned
// channel yields the command error; stdout is safe to read once it has.
func (s *CommandTestSuite) StartCommand(args ...string) (<-chan error, *bytes.Buffer) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(append(args, "--config", s.writeConfig()))

	done := make(chan error, 1)
	go func() {
		done <- rootCmd.Execute()
	}()
	return done, stdout
}

// ExecuteCommand runs the root command with args and waits for it.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	done, stdout := s.StartCommand(args...)
	err := s.AwaitCommand(done)
	return stdout.String(), err
}

// AwaitCommand returns the command error, failing the test if it does not finish.
func (s *CommandTestSuite) AwaitCommand(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(s.Wait):
		s.FailNow("command MUST finish")
		return nil
	}
}
