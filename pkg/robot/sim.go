package robot

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// SimArm is an in-memory arm used for development without hardware.
// Actions are applied to the observed positions immediately.
type SimArm struct {
	mu          sync.Mutex
	connected   bool
	calibration Calibration
	positions   JointMap
	persist     func(Calibration) error
}

// NewSimArm creates a simulated arm resting at the center of every joint.
func NewSimArm(cal Calibration, persist func(Calibration) error) *SimArm {
	positions := make(JointMap, len(AllJoints()))
	for _, j := range AllJoints() {
		positions[j] = 0
	}
	return &SimArm{
		calibration: cal,
		positions:   positions,
		persist:     persist,
	}
}

func (s *SimArm) Connect(ctx context.Context, calibrate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return errors.New("arm already connected")
	}
	s.connected = true
	return nil
}

func (s *SimArm) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *SimArm) IsCalibrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calibration) > 0
}

func (s *SimArm) Observation(ctx context.Context) (JointMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, errors.New("arm not connected")
	}
	return s.positions.Copy(), nil
}

func (s *SimArm) SendAction(ctx context.Context, action JointMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("arm not connected")
	}
	for j, v := range action {
		if _, ok := s.positions[j]; ok {
			s.positions[j] = v
		}
	}
	return nil
}

// Move sets positions as if the arm had been moved by hand.
func (s *SimArm) Move(positions JointMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for j, v := range positions {
		if _, ok := s.positions[j]; ok {
			s.positions[j] = v
		}
	}
}

func (s *SimArm) SetHalfTurnHomings(ctx context.Context) (map[Joint]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, errors.New("arm not connected")
	}
	homings := make(map[Joint]int, len(s.positions))
	for j := range s.positions {
		homings[j] = 0
	}
	s.calibration = nil
	return homings, nil
}

func (s *SimArm) WriteCalibration(ctx context.Context, cal Calibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibration = cal
	return nil
}

func (s *SimArm) SaveCalibration(ctx context.Context) error {
	s.mu.Lock()
	cal := s.calibration
	s.mu.Unlock()
	if s.persist == nil {
		return nil
	}
	return s.persist(cal)
}
