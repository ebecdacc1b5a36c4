package robot

import (
	"context"

	"github.com/pkg/errors"
)

// Driver is the blocking hardware interface of one robot.
// Implementations are not safe for concurrent use; callers must serialize.
type Driver interface {
	Connect(ctx context.Context, calibrate bool) error
	Disconnect(ctx context.Context) error
	IsCalibrated() bool

	// Observation reads the current joint positions.
	Observation(ctx context.Context) (JointMap, error)
	// SendAction writes target joint positions.
	SendAction(ctx context.Context, action JointMap) error

	// SetHalfTurnHomings makes the current pose the center of every joint
	// and returns the applied raw offsets. Existing calibration is cleared.
	SetHalfTurnHomings(ctx context.Context) (map[Joint]int, error)
	WriteCalibration(ctx context.Context, cal Calibration) error
	// SaveCalibration persists the calibration written last.
	SaveCalibration(ctx context.Context) error
}

// CalibrationSaver persists a calibration record for a robot.
type CalibrationSaver func(robotID string, cal Calibration) error

// NewDriver creates the driver for a configured robot. Calibrations are
// persisted through save, which may be nil.
func NewDriver(rc RobotConfig, save CalibrationSaver) (Driver, error) {
	var persist func(Calibration) error
	if save != nil {
		id := rc.ID
		persist = func(cal Calibration) error { return save(id, cal) }
	}

	switch rc.Type {
	case TypeSO100Follower, TypeSO101Follower:
		return NewArm(rc.Port, rc.Calibration, persist), nil
	case TypeSO100Leader, TypeSO101Leader:
		return NewLeaderArm(rc.Port, rc.Calibration, persist), nil
	case TypeSim:
		return NewSimArm(rc.Calibration, persist), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedType, "%q", rc.Type)
	}
}
