package session

import (
	"time"

	"github.com/gwillem/lerobot-hub/pkg/robot"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusCalibrating  Status = "calibrating"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
)

// CanObserve reports whether observations and actions are allowed.
func (s Status) CanObserve() bool {
	switch s {
	case StatusConnected, StatusReady, StatusCalibrating:
		return true
	}
	return false
}

// State is a point-in-time snapshot of a session.
type State struct {
	ID             string         `json:"id"`
	Type           robot.Type     `json:"robot_type"`
	Port           string         `json:"port"`
	Nickname       string         `json:"nickname,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Status         Status         `json:"status"`
	IsCalibrated   bool           `json:"is_calibrated"`
	JointPositions robot.JointMap `json:"joint_positions,omitempty"`
	LastUpdated    *time.Time     `json:"last_updated,omitempty"`
}
