package teleop

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/robot/robottest"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

func pair(t *testing.T) (*session.Session, *session.Session, *robottest.Driver, *robottest.Driver) {
	t.Helper()
	ctx := context.Background()
	ld, fd := robottest.New(true), robottest.New(true)
	leader := session.New(robot.RobotConfig{ID: "lead", Type: robot.TypeSO101Leader, Port: "/dev/a"}, ld, session.Options{})
	follower := session.New(robot.RobotConfig{ID: "follow", Type: robot.TypeSO101Follower, Port: "/dev/b"}, fd, session.Options{})
	t.Cleanup(func() {
		leader.Close()
		follower.Close()
	})
	require.NoError(t, leader.Connect(ctx, false))
	require.NoError(t, follower.Connect(ctx, false))
	return leader, follower, ld, fd
}

func TestNewController(t *testing.T) {
	leader, follower, _, _ := pair(t)

	_, err := NewController(leader, leader, Config{})
	assert.True(t, errors.Is(err, session.ErrInvalidArgument))

	_, err = NewController(follower, leader, Config{})
	assert.True(t, errors.Is(err, session.ErrInvalidArgument), "leader cannot follow")

	c, err := NewController(leader, follower, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultHz, c.Hz())
}

func TestController_CopiesLeader(t *testing.T) {
	leader, follower, _, fd := pair(t)
	c, err := NewController(leader, follower, Config{Hz: 200})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.Start(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	actions := fd.Actions()
	require.NotEmpty(t, actions)
	// the fake leader reports n+i for the i-th joint of the n-th observation
	first := actions[0]
	assert.Equal(t, 0.0, first[robot.ShoulderPan])
	assert.Equal(t, 5.0, first[robot.Gripper])

	select {
	case st := <-c.States():
		assert.NoError(t, st.Error)
		assert.Len(t, st.Positions, 6)
	default:
		t.Fatal("no state published")
	}
}

func TestController_Mirror(t *testing.T) {
	leader, follower, ld, fd := pair(t)
	ld.Positions = func(n int) robot.JointMap {
		return robot.JointMap{robot.ShoulderPan: 10, robot.WristRoll: -20, robot.Gripper: 30}
	}
	c, err := NewController(leader, follower, Config{Hz: 200, Mirror: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = c.Start(ctx)

	actions := fd.Actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, robot.JointMap{robot.ShoulderPan: -10, robot.WristRoll: 20, robot.Gripper: 30}, actions[0])
}

func TestController_StopsOnHardwareFailure(t *testing.T) {
	leader, follower, ld, _ := pair(t)
	ld.Fail(robottest.OpObservation, robottest.ErrBus)
	c, err := NewController(leader, follower, Config{Hz: 200})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = c.Start(ctx)
	assert.True(t, errors.Is(err, session.ErrHardwareFailure))
	assert.Equal(t, session.StatusError, leader.Status())

	select {
	case line := <-c.Logs():
		assert.Contains(t, line, "Teleoperation started")
	default:
		t.Fatal("no log lines")
	}
}

func TestController_RequiresReadyFollower(t *testing.T) {
	leader, follower, _, _ := pair(t)
	require.NoError(t, follower.Disconnect(context.Background()))
	c, err := NewController(leader, follower, Config{})
	require.NoError(t, err)

	err = c.Start(context.Background())
	assert.True(t, errors.Is(err, session.ErrInvalidState))
}
