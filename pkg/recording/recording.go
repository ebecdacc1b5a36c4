// Package recording captures joint trajectories from a robot and plays them
// back.
package recording

import (
	"time"

	"github.com/gwillem/lerobot-hub/pkg/robot"
)

// DefaultName is used when a recording is stopped without a name.
const DefaultName = "Untitled recording"

// Frame is one captured sample. Timestamp is seconds since capture start.
type Frame struct {
	Timestamp      float64        `json:"timestamp"`
	JointPositions robot.JointMap `json:"joint_positions"`
}

// Recording is an immutable captured trajectory.
type Recording struct {
	ID        string    `json:"id"`
	RobotID   string    `json:"robot_id"`
	Name      string    `json:"name"`
	Frames    []Frame   `json:"frames"`
	Duration  float64   `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata summarizes a recording without its frames.
type Metadata struct {
	ID         string    `json:"id"`
	RobotID    string    `json:"robot_id"`
	Name       string    `json:"name"`
	Duration   float64   `json:"duration"`
	FrameCount int       `json:"frame_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Metadata returns the summary of r.
func (r *Recording) Metadata() Metadata {
	return Metadata{
		ID:         r.ID,
		RobotID:    r.RobotID,
		Name:       r.Name,
		Duration:   r.Duration,
		FrameCount: len(r.Frames),
		CreatedAt:  r.CreatedAt,
	}
}

// duration is the timestamp of the last frame, or 0 without frames.
func duration(frames []Frame) float64 {
	if len(frames) == 0 {
		return 0
	}
	return frames[len(frames)-1].Timestamp
}
