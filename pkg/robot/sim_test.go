package robot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimArm(t *testing.T) {
	ctx := context.Background()
	var saved Calibration
	arm := NewSimArm(nil, func(cal Calibration) error {
		saved = cal
		return nil
	})

	_, err := arm.Observation(ctx)
	assert.Error(t, err, "observation before connect")

	require.NoError(t, arm.Connect(ctx, false))
	assert.Error(t, arm.Connect(ctx, false), "double connect")
	assert.False(t, arm.IsCalibrated())

	require.NoError(t, arm.SendAction(ctx, JointMap{Gripper: 42}))
	arm.Move(JointMap{ShoulderPan: -7})
	obs, err := arm.Observation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42.0, obs[Gripper])
	assert.Equal(t, -7.0, obs[ShoulderPan])
	assert.Len(t, obs, len(AllJoints()))

	_, err = arm.SetHalfTurnHomings(ctx)
	require.NoError(t, err)
	cal := Calibration{Gripper: {ID: 6, RangeMin: 0, RangeMax: 100}}
	require.NoError(t, arm.WriteCalibration(ctx, cal))
	require.NoError(t, arm.SaveCalibration(ctx))
	assert.Equal(t, cal, saved)
	assert.True(t, arm.IsCalibrated())

	require.NoError(t, arm.Disconnect(ctx))
	_, err = arm.Observation(ctx)
	assert.Error(t, err)
}
