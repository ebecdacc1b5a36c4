// Package robot provides abstractions for controlling robot arms.
package robot

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Joint identifies a motor in the arm.
type Joint string

// Joint names shared by the SO-100, SO-101 and simulated arms.
const (
	ShoulderPan  Joint = "shoulder_pan"
	ShoulderLift Joint = "shoulder_lift"
	ElbowFlex    Joint = "elbow_flex"
	WristFlex    Joint = "wrist_flex"
	WristRoll    Joint = "wrist_roll"
	Gripper      Joint = "gripper"
)

// AllJoints returns all joint names in order (matching servo IDs 1-6).
func AllJoints() []Joint {
	return []Joint{
		ShoulderPan,
		ShoulderLift,
		ElbowFlex,
		WristFlex,
		WristRoll,
		Gripper,
	}
}

// Type is the kind of robot behind a session.
type Type string

const (
	TypeSO100Follower Type = "so100_follower"
	TypeSO101Follower Type = "so101_follower"
	TypeSO100Leader   Type = "so100_leader"
	TypeSO101Leader   Type = "so101_leader"
	TypeSim           Type = "sim"
)

// ErrUnknownJoint is returned when a joint name is not part of a robot type.
var ErrUnknownJoint = errors.New("unknown joint")

// ErrUnsupportedType is returned for robot types without a driver.
var ErrUnsupportedType = errors.New("unsupported robot type")

// Types returns every supported robot type.
func Types() []Type {
	return []Type{TypeSO100Follower, TypeSO101Follower, TypeSO100Leader, TypeSO101Leader, TypeSim}
}

// IsLeader reports whether t is a hand-guided leader arm. Leaders are
// observed only and never receive actions.
func (t Type) IsLeader() bool {
	return t == TypeSO100Leader || t == TypeSO101Leader
}

// Valid reports whether t is a supported robot type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Joints returns the fixed joint set of the robot type, or nil if unknown.
func (t Type) Joints() []Joint {
	if !t.Valid() {
		return nil
	}
	return AllJoints()
}

// Has reports whether j belongs to the robot type.
func (t Type) Has(j Joint) bool {
	for _, known := range t.Joints() {
		if j == known {
			return true
		}
	}
	return false
}

// JointMap maps a joint to a position value.
type JointMap map[Joint]float64

// Copy returns an independent copy of m.
func (m JointMap) Copy() JointMap {
	if m == nil {
		return nil
	}
	out := make(JointMap, len(m))
	for j, v := range m {
		out[j] = v
	}
	return out
}

// Joints returns the joints present in m, sorted by name.
func (m JointMap) Joints() []Joint {
	joints := make([]Joint, 0, len(m))
	for j := range m {
		joints = append(joints, j)
	}
	sort.Slice(joints, func(a, b int) bool { return joints[a] < joints[b] })
	return joints
}

// ParseJointMap validates client supplied positions against the joints of t.
// Keys may carry the ".pos" suffix used by LeRobot observations.
func ParseJointMap(t Type, raw map[string]float64) (JointMap, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedType, "%q", t)
	}
	out := make(JointMap, len(raw))
	for key, v := range raw {
		j := Joint(strings.TrimSuffix(key, ".pos"))
		if !t.Has(j) {
			return nil, errors.Wrapf(ErrUnknownJoint, "%q for %s", key, t)
		}
		out[j] = v
	}
	return out, nil
}
