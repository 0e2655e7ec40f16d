package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/inkprobe/internal/detect"
	"github.com/srg/inkprobe/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Connect(ctx context.Context, id string, opts device.ConnectOptions) error {
	return m.Called(ctx, id, opts).Error(0)
}

func (m *mockDialer) Disconnect(id string) error {
	return m.Called(id).Error(0)
}

var errRefused = errors.New("connection refused")

func testOptions() Options {
	return Options{
		ConnectTimeout:          100 * time.Millisecond,
		BackoffInitial:          time.Millisecond,
		BackoffMax:              4 * time.Millisecond,
		AttemptsSingleCandidate: 2,
		AttemptsMultiCandidate:  1,
		MaxConnectionFailures:   2,
		Cooldown:                100 * time.Millisecond,
	}
}

func candidate(id string, rssi int) detect.Candidate {
	return detect.Candidate{ID: id, Name: "sps", RSSI: rssi, Connectable: true}
}

type ConnectorTestSuite struct {
	suite.Suite
	dialer  *mockDialer
	manager *Manager
	logger  *logrus.Logger
}

func (suite *ConnectorTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
	suite.dialer = &mockDialer{}
	suite.manager = New(suite.dialer, testOptions(), suite.logger)
}

func (suite *ConnectorTestSuite) expectConnect(id string, err error) *mock.Call {
	return suite.dialer.On("Connect", mock.Anything, id, mock.Anything).Return(err)
}

func (suite *ConnectorTestSuite) TestConnect_SucceedsFirstAttempt() {
	suite.expectConnect("A", nil).Once()

	suite.NoError(suite.manager.Connect(context.Background(), "A", 2, nil))
	suite.dialer.AssertNumberOfCalls(suite.T(), "Connect", 1)
}

func (suite *ConnectorTestSuite) TestConnect_RetriesAfterBackoff() {
	suite.expectConnect("A", errRefused).Once()
	suite.expectConnect("A", nil).Once()

	suite.NoError(suite.manager.Connect(context.Background(), "A", 2, nil))
	suite.dialer.AssertNumberOfCalls(suite.T(), "Connect", 2)
}

func (suite *ConnectorTestSuite) TestConnect_ReturnsLastError() {
	suite.expectConnect("A", errRefused).Twice()

	err := suite.manager.Connect(context.Background(), "A", 2, nil)
	suite.ErrorIs(err, errRefused)
	suite.ErrorContains(err, "after 2 attempt(s)")
}

func (suite *ConnectorTestSuite) TestConnect_AlreadyConnectedIsSuccess() {
	suite.expectConnect("A", errors.New("device already connected")).Once()

	suite.NoError(suite.manager.Connect(context.Background(), "A", 1, nil),
		"already-connected MUST be treated as success")
}

func (suite *ConnectorTestSuite) TestConnect_TimeoutCancelsPendingLink() {
	suite.expectConnect("A", fmt.Errorf("connect A: %w", context.DeadlineExceeded)).Once()
	suite.dialer.On("Disconnect", "A").Return(device.ErrNotConnected).Once()

	err := suite.manager.Connect(context.Background(), "A", 1, nil)
	suite.Error(err)
	suite.dialer.AssertCalled(suite.T(), "Disconnect", "A")
}

func (suite *ConnectorTestSuite) TestConnect_PassesDisconnectHandler() {
	var called bool
	suite.dialer.On("Connect", mock.Anything, "A", mock.MatchedBy(func(o device.ConnectOptions) bool {
		if o.OnDisconnect != nil {
			o.OnDisconnect("A", nil)
		}
		return o.Timeout == testOptions().ConnectTimeout
	})).Return(nil).Once()

	suite.NoError(suite.manager.Connect(context.Background(), "A", 1, func(string, error) { called = true }))
	suite.True(called, "disconnect handler MUST reach the transport")
}

func (suite *ConnectorTestSuite) TestConnect_CancelledDuringBackoff() {
	opts := testOptions()
	opts.BackoffInitial = time.Second
	opts.BackoffMax = time.Second
	suite.manager = New(suite.dialer, opts, suite.logger)

	ctx, cancel := context.WithCancel(context.Background())
	suite.expectConnect("A", errRefused).Run(func(mock.Arguments) {
		time.AfterFunc(10*time.Millisecond, cancel)
	}).Once()

	started := time.Now()
	err := suite.manager.Connect(ctx, "A", 3, nil)
	suite.ErrorIs(err, context.Canceled)
	suite.Less(time.Since(started), 500*time.Millisecond, "cancel MUST abort the backoff sleep")
}

func (suite *ConnectorTestSuite) TestConnectBest_NoCandidates() {
	_, err := suite.manager.ConnectBest(context.Background(), nil, nil)
	suite.ErrorIs(err, ErrNoCandidates)
}

func (suite *ConnectorTestSuite) TestConnectBest_FallsBackToRunnerUp() {
	// GOAL: when the best candidate fails, the runner-up gets exactly one attempt
	//
	// TEST SCENARIO: A(-50) refuses once, B(-65) accepts → connected to B, A tried once
	suite.expectConnect("A", errRefused).Once()
	suite.expectConnect("B", nil).Once()

	got, err := suite.manager.ConnectBest(context.Background(), []detect.Candidate{
		candidate("A", -50), candidate("B", -65),
	}, nil)
	suite.Require().NoError(err)
	suite.Equal("B", got.ID)
	suite.Equal(1, suite.manager.Failures(), "best failure MUST spend one unit of the budget")
	suite.dialer.AssertNumberOfCalls(suite.T(), "Connect", 2)
}

func (suite *ConnectorTestSuite) TestConnectBest_SuccessKeepsSpentBudget() {
	// GOAL: a successful connection does not refund failures spent earlier in the session attempt
	//
	// TEST SCENARIO: A refuses, B accepts (1 spent) → later C refuses twice → budget of 2 exhausted → cooldown
	suite.expectConnect("A", errRefused).Once()
	suite.expectConnect("B", nil).Once()
	_, err := suite.manager.ConnectBest(context.Background(), []detect.Candidate{
		candidate("A", -50), candidate("B", -65),
	}, nil)
	suite.Require().NoError(err)
	suite.Require().Equal(1, suite.manager.Failures())

	suite.expectConnect("C", errRefused).Times(2)
	_, err = suite.manager.ConnectBest(context.Background(), []detect.Candidate{candidate("C", -55)}, nil)
	suite.ErrorIs(err, ErrCooldown, "second failed candidate MUST exhaust the shared budget")
	suite.True(suite.manager.InCooldown())
}

func (suite *ConnectorTestSuite) TestConnectBest_BothFailEntersCooldown() {
	suite.expectConnect("A", errRefused).Once()
	suite.expectConnect("B", errRefused).Once()
	viable := []detect.Candidate{candidate("A", -50), candidate("B", -65)}

	_, err := suite.manager.ConnectBest(context.Background(), viable, nil)
	suite.ErrorIs(err, ErrAllCandidatesFailed)
	suite.ErrorIs(err, ErrCooldown, "exhausted budget MUST be reported as cooldown")
	suite.True(suite.manager.InCooldown())

	_, err = suite.manager.ConnectBest(context.Background(), viable, nil)
	suite.ErrorIs(err, ErrCooldown)
	suite.dialer.AssertNumberOfCalls(suite.T(), "Connect", 2)
}

func (suite *ConnectorTestSuite) TestConnectBest_SingleCandidateGetsTwoAttempts() {
	suite.expectConnect("A", errRefused).Times(2)

	_, err := suite.manager.ConnectBest(context.Background(), []detect.Candidate{candidate("A", -50)}, nil)
	suite.Error(err)
	suite.NotErrorIs(err, ErrCooldown, "one failed candidate MUST NOT exhaust a budget of two")
	suite.Equal(1, suite.manager.Failures())
	suite.dialer.AssertNumberOfCalls(suite.T(), "Connect", 2)
}

func (suite *ConnectorTestSuite) TestConnectBest_CooldownExpires() {
	suite.expectConnect("A", errRefused).Once()
	suite.expectConnect("B", errRefused).Once()
	_, err := suite.manager.ConnectBest(context.Background(), []detect.Candidate{
		candidate("A", -50), candidate("B", -65),
	}, nil)
	suite.Require().ErrorIs(err, ErrCooldown)

	suite.Eventually(func() bool { return !suite.manager.InCooldown() }, time.Second, 5*time.Millisecond,
		"cooldown MUST end after its window")

	suite.expectConnect("A", nil).Once()
	got, err := suite.manager.ConnectBest(context.Background(), []detect.Candidate{candidate("A", -50)}, nil)
	suite.Require().NoError(err)
	suite.Equal("A", got.ID)
}

func (suite *ConnectorTestSuite) TestConnectBest_RejectsConcurrentCall() {
	release := make(chan struct{})
	suite.expectConnect("A", nil).Run(func(mock.Arguments) { <-release }).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = suite.manager.ConnectBest(context.Background(), []detect.Candidate{candidate("A", -50)}, nil)
	}()

	suite.Eventually(suite.manager.InFlight, time.Second, time.Millisecond)
	_, err := suite.manager.ConnectBest(context.Background(), []detect.Candidate{candidate("A", -50)}, nil)
	suite.ErrorIs(err, ErrBusy)

	close(release)
	wg.Wait()
	suite.False(suite.manager.InFlight())
}

func (suite *ConnectorTestSuite) TestConnectBest_CancelDoesNotSpendBudget() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	suite.expectConnect("A", context.Canceled).Maybe()

	_, err := suite.manager.ConnectBest(ctx, []detect.Candidate{candidate("A", -50)}, nil)
	suite.ErrorIs(err, context.Canceled)
	suite.Equal(0, suite.manager.Failures())
}

func (suite *ConnectorTestSuite) TestResetBudget() {
	suite.expectConnect("A", errRefused).Times(2)
	_, _ = suite.manager.ConnectBest(context.Background(), []detect.Candidate{candidate("A", -50)}, nil)
	suite.Require().Equal(1, suite.manager.Failures())

	suite.manager.ResetBudget()
	suite.Equal(0, suite.manager.Failures(), "reset MUST restore the full budget")
}

func TestConnectorTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectorTestSuite))
}

func TestManager_Backoff(t *testing.T) {
	m := New(nil, Options{BackoffInitial: time.Second, BackoffMax: 5 * time.Second}, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, m.Backoff(tt.attempt))
		})
	}
}
