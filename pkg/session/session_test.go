package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/robot/robottest"
)

func newTestSession(t *testing.T, d *robottest.Driver, timeout time.Duration) *Session {
	t.Helper()
	s := New(robot.RobotConfig{ID: "r1", Type: robot.TypeSO101Follower, Port: "/dev/null"}, d, Options{CallTimeout: timeout})
	t.Cleanup(func() {
		d.Unblock()
		s.Close()
	})
	return s
}

func TestSession_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("uncalibrated", func(t *testing.T) {
		s := newTestSession(t, robottest.New(false), 0)
		require.NoError(t, s.Connect(ctx, false))
		assert.Equal(t, StatusConnected, s.Status())
	})

	t.Run("calibrated", func(t *testing.T) {
		s := newTestSession(t, robottest.New(true), 0)
		require.NoError(t, s.Connect(ctx, false))
		assert.Equal(t, StatusReady, s.Status())
		assert.True(t, s.State().IsCalibrated)
	})

	t.Run("driver failure", func(t *testing.T) {
		d := robottest.New(false)
		d.Fail(robottest.OpConnect, robottest.ErrBus)
		s := newTestSession(t, d, 0)

		err := s.Connect(ctx, false)
		assert.True(t, errors.Is(err, ErrHardwareFailure))
		assert.Contains(t, err.Error(), robottest.ErrBus.Error())
		assert.Equal(t, StatusError, s.Status())

		// error persists until an explicit disconnect
		assert.True(t, errors.Is(s.Connect(ctx, false), ErrInvalidState))
		assert.Equal(t, StatusError, s.Status())

		require.NoError(t, s.Disconnect(ctx))
		assert.Equal(t, StatusDisconnected, s.Status())

		d.Fail(robottest.OpConnect, nil)
		require.NoError(t, s.Connect(ctx, false))
		assert.Equal(t, StatusConnected, s.Status())
	})

	t.Run("connect twice", func(t *testing.T) {
		d := robottest.New(true)
		s := newTestSession(t, d, 0)
		require.NoError(t, s.Connect(ctx, false))

		err := s.Connect(ctx, false)
		assert.True(t, errors.Is(err, ErrInvalidState))
		assert.Equal(t, StatusReady, s.Status())
		assert.Equal(t, 1, d.Calls(robottest.OpConnect))
	})
}

func TestSession_Disconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		s := newTestSession(t, robottest.New(false), 0)
		assert.True(t, errors.Is(s.Disconnect(ctx), ErrInvalidState))
		assert.Equal(t, StatusDisconnected, s.Status())
	})

	t.Run("driver error is swallowed", func(t *testing.T) {
		d := robottest.New(false)
		d.Fail(robottest.OpDisconnect, robottest.ErrBus)
		s := newTestSession(t, d, 0)
		require.NoError(t, s.Connect(ctx, false))

		assert.NoError(t, s.Disconnect(ctx))
		assert.Equal(t, StatusDisconnected, s.Status())
	})

	t.Run("while calibrating", func(t *testing.T) {
		s := newTestSession(t, robottest.New(false), 0)
		require.NoError(t, s.Connect(ctx, false))
		require.NoError(t, s.BeginCalibration(ctx))

		assert.NoError(t, s.Disconnect(ctx))
		assert.Equal(t, StatusDisconnected, s.Status())
	})
}

func TestSession_ObservationRequiresConnection(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(false)
	s := newTestSession(t, d, 0)

	_, err := s.Observation(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.True(t, errors.Is(s.SendAction(ctx, robot.JointMap{robot.Gripper: 1}), ErrInvalidState))
	assert.Equal(t, 0, d.Calls(robottest.OpObservation))
	assert.Equal(t, StatusDisconnected, s.Status())
}

func TestSession_Observation(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, robottest.New(false), 0)
	require.NoError(t, s.Connect(ctx, false))

	assert.Nil(t, s.State().JointPositions)

	obs, err := s.Observation(ctx)
	require.NoError(t, err)
	assert.Len(t, obs, len(robot.AllJoints()))

	st := s.State()
	assert.Equal(t, obs, st.JointPositions)
	require.NotNil(t, st.LastUpdated)
	assert.WithinDuration(t, time.Now(), *st.LastUpdated, time.Second)
}

func TestSession_ObservationFailureMarksError(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(false)
	s := newTestSession(t, d, 0)
	require.NoError(t, s.Connect(ctx, false))

	d.Fail(robottest.OpObservation, robottest.ErrBus)
	_, err := s.Observation(ctx)
	assert.True(t, errors.Is(err, ErrHardwareFailure))
	assert.Equal(t, StatusError, s.Status())

	_, err = s.Observation(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestSession_SendAction(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(true)
	s := newTestSession(t, d, 0)
	require.NoError(t, s.Connect(ctx, false))

	require.NoError(t, s.SendAction(ctx, robot.JointMap{robot.Gripper: 12}))
	assert.Equal(t, []robot.JointMap{{robot.Gripper: 12}}, d.Actions())

	err := s.SendAction(ctx, robot.JointMap{"tail": 1})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, StatusReady, s.Status())

	d.Fail(robottest.OpSendAction, robottest.ErrBus)
	err = s.SendAction(ctx, robot.JointMap{robot.Gripper: 13})
	assert.True(t, errors.Is(err, ErrHardwareFailure))
	assert.Equal(t, StatusError, s.Status())
}

func TestSession_LeaderRejectsActions(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(true)
	s := New(robot.RobotConfig{ID: "lead", Type: robot.TypeSO101Leader, Port: "/dev/null"}, d, Options{})
	defer s.Close()
	require.NoError(t, s.Connect(ctx, false))

	err := s.SendAction(ctx, robot.JointMap{robot.Gripper: 1})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, StatusReady, s.Status())
	assert.Empty(t, d.Actions())

	_, err = s.Observation(ctx)
	require.NoError(t, err)
}

func TestSession_CalibrationTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, robottest.New(false), 0)

	assert.True(t, errors.Is(s.BeginCalibration(ctx), ErrInvalidState))
	_, err := s.SetHalfTurnHomings(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))

	require.NoError(t, s.Connect(ctx, false))
	assert.True(t, errors.Is(s.EndCalibration(ctx), ErrInvalidState))
	assert.True(t, errors.Is(s.WriteCalibration(ctx, robot.Calibration{}), ErrInvalidState))

	require.NoError(t, s.BeginCalibration(ctx))
	assert.Equal(t, StatusCalibrating, s.Status())
	assert.True(t, errors.Is(s.BeginCalibration(ctx), ErrInvalidState))

	_, err = s.Observation(ctx)
	require.NoError(t, err, "observation allowed while calibrating")

	homings, err := s.SetHalfTurnHomings(ctx)
	require.NoError(t, err)
	assert.Len(t, homings, len(robot.AllJoints()))

	require.NoError(t, s.EndCalibration(ctx))
	assert.Equal(t, StatusReady, s.Status())
	assert.True(t, s.State().IsCalibrated)

	require.NoError(t, s.BeginCalibration(ctx), "ready robots can recalibrate")
	require.NoError(t, s.AbortCalibration(ctx))
	assert.Equal(t, StatusConnected, s.Status())
	require.NoError(t, s.AbortCalibration(ctx), "abort is a no-op outside calibration")
}

func TestSession_CalibrationDriverFailureKeepsStatus(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(false)
	s := newTestSession(t, d, 0)
	require.NoError(t, s.Connect(ctx, false))
	require.NoError(t, s.BeginCalibration(ctx))

	d.Fail(robottest.OpHomings, robottest.ErrBus)
	_, err := s.SetHalfTurnHomings(ctx)
	assert.True(t, errors.Is(err, ErrHardwareFailure))
	assert.Equal(t, StatusCalibrating, s.Status())
}

func TestSession_HomingsTimeoutReturnsNoResult(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(false)
	s := newTestSession(t, d, 50*time.Millisecond)
	require.NoError(t, s.Connect(ctx, false))
	require.NoError(t, s.BeginCalibration(ctx))

	d.Block()
	homings, err := s.SetHalfTurnHomings(ctx)
	assert.True(t, errors.Is(err, ErrHardwareFailure))
	assert.Nil(t, homings)
	assert.Equal(t, StatusCalibrating, s.Status())

	// let the hung call finish while nothing reads its result
	d.Unblock()
	require.Eventually(t, func() bool {
		return d.MaxConcurrent() == 1 && s.Status() == StatusCalibrating
	}, time.Second, 5*time.Millisecond)
}

func TestSession_SerializesDriverCalls(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(true)
	d.Delay = time.Millisecond
	s := newTestSession(t, d, 0)
	require.NoError(t, s.Connect(ctx, false))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 10; n++ {
				if i%2 == 0 {
					_, err := s.Observation(ctx)
					assert.NoError(t, err)
				} else {
					assert.NoError(t, s.SendAction(ctx, robot.JointMap{robot.Gripper: float64(n)}))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, d.MaxConcurrent())
	assert.Equal(t, 40, d.Calls(robottest.OpObservation))
	assert.Equal(t, 40, d.Calls(robottest.OpSendAction))
}

func TestSession_DistinctSessionsRunIndependently(t *testing.T) {
	ctx := context.Background()
	blocked := robottest.New(false)
	free := robottest.New(false)
	a := newTestSession(t, blocked, 0)
	b := newTestSession(t, free, 0)
	require.NoError(t, a.Connect(ctx, false))
	require.NoError(t, b.Connect(ctx, false))

	blocked.Block()
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := a.Observation(ctx)
		done <- err
	}()
	<-started

	_, err := b.Observation(ctx)
	require.NoError(t, err, "session b must not wait for session a")

	blocked.Unblock()
	require.NoError(t, <-done)
}

func TestSession_CallTimeout(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(false)
	s := newTestSession(t, d, 50*time.Millisecond)
	require.NoError(t, s.Connect(ctx, false))

	d.Block()
	start := time.Now()
	_, err := s.Observation(ctx)
	assert.True(t, errors.Is(err, ErrHardwareFailure))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusError, s.Status())

	// the hung call still owns the worker; disconnect always succeeds
	assert.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, StatusDisconnected, s.Status())
	d.Unblock()
}

func TestSession_DisconnectAfterHungCallReachesDriver(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(false)
	s := newTestSession(t, d, 50*time.Millisecond)
	require.NoError(t, s.Connect(ctx, false))

	d.Block()
	_, err := s.Observation(ctx)
	require.True(t, errors.Is(err, ErrHardwareFailure))
	require.Equal(t, StatusError, s.Status())

	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.Equal(t, 0, d.Calls(robottest.OpDisconnect), "worker is still stuck in the observation")

	d.Unblock()
	require.Eventually(t, func() bool {
		return d.Calls(robottest.OpDisconnect) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, d.Connected())

	require.NoError(t, s.Connect(ctx, false))
	assert.Equal(t, StatusConnected, s.Status())
	assert.Equal(t, 1, d.Calls(robottest.OpDisconnect))
	assert.Equal(t, 1, d.MaxConcurrent())
}

func TestSession_DisconnectTwiceCallsDriverOnce(t *testing.T) {
	ctx := context.Background()
	d := robottest.New(false)
	s := newTestSession(t, d, 0)
	require.NoError(t, s.Connect(ctx, false))

	require.NoError(t, s.Disconnect(ctx))
	assert.True(t, errors.Is(s.Disconnect(ctx), ErrInvalidState))
	assert.Equal(t, 1, d.Calls(robottest.OpDisconnect))
}

func TestSession_CallerCancellationKeepsStatus(t *testing.T) {
	d := robottest.New(false)
	s := newTestSession(t, d, 0)
	require.NoError(t, s.Connect(context.Background(), false))

	d.Block()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Observation(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusConnected, s.Status())
	d.Unblock()
}

func TestSession_Close(t *testing.T) {
	s := New(robot.RobotConfig{ID: "r1", Type: robot.TypeSim}, robottest.New(false), Options{})
	s.Close()
	s.Close()
	<-s.Done()

	err := s.Connect(context.Background(), false)
	assert.True(t, errors.Is(err, ErrClosed))
}
