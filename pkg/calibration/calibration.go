// Package calibration runs the interactive range calibration of a robot.
//
// A calibration moves through three steps. The operator first centers every
// joint and confirms, which applies half-turn homings. A sampler task then
// tracks the per-joint minimum and maximum while the operator sweeps each
// joint, and Finish turns those ranges into a calibration record that is
// written to the driver and persisted.
package calibration

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
	"github.com/gwillem/lerobot-hub/pkg/task"
)

// Step is the position of a calibration in its procedure.
type Step string

const (
	StepNotStarted     Step = "not_started"
	StepMoveToCenter   Step = "move_to_center"
	StepRecordingRange Step = "recording_range"
	StepCompleted      Step = "completed"
)

const (
	msgMoveToCenter   = "Move every joint to the middle of its range, then confirm the center position."
	msgRecordingRange = "Move each joint through its full range of motion, then finish the recording."
	msgCompleted      = "Calibration saved."

	// DefaultPeriod is the sampler interval while recording ranges.
	DefaultPeriod = 100 * time.Millisecond
)

// State is the published view of a calibration.
type State struct {
	RobotID          string         `json:"robot_id"`
	Step             Step           `json:"step"`
	CurrentPositions robot.JointMap `json:"current_positions"`
	RangeMins        robot.JointMap `json:"range_mins"`
	RangeMaxes       robot.JointMap `json:"range_maxes"`
	Message          string         `json:"message"`
}

func (s State) copy() State {
	s.CurrentPositions = s.CurrentPositions.Copy()
	s.RangeMins = s.RangeMins.Copy()
	s.RangeMaxes = s.RangeMaxes.Copy()
	return s
}

// Publisher receives every state change of a calibration. Calls for one
// calibration never overlap.
type Publisher func(State)

// Sessions looks up robot sessions.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

// Options tune a coordinator.
type Options struct {
	// Period is the sampler interval. Zero means DefaultPeriod.
	Period time.Duration
}

// Coordinator owns at most one calibration per robot.
type Coordinator struct {
	sessions Sessions
	period   time.Duration

	mu     sync.Mutex
	active map[string]*run
}

// NewCoordinator creates a coordinator over sessions.
func NewCoordinator(sessions Sessions, opts Options) *Coordinator {
	period := opts.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Coordinator{
		sessions: sessions,
		period:   period,
		active:   make(map[string]*run),
	}
}

// run is one calibration in progress.
type run struct {
	sess    *session.Session
	publish Publisher

	// opMu serializes Start, ConfirmCenter, Finish and Abort.
	opMu    sync.Mutex
	sampler *task.Task

	mu    sync.Mutex
	state State

	pubMu sync.Mutex
}

func (r *run) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.copy()
}

func (r *run) emit() {
	st := r.snapshot()
	if r.publish == nil {
		return
	}
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.publish(st)
}

func (r *run) setStep(step Step, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Step = step
	r.state.Message = msg
}

func (r *run) step() Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Step
}

// record folds one sample into the ranges. It reports false once the
// calibration has left the recording step.
func (r *run) record(positions robot.JointMap) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Step != StepRecordingRange {
		return false
	}
	if r.state.RangeMins == nil {
		r.state.RangeMins = positions.Copy()
		r.state.RangeMaxes = positions.Copy()
	} else {
		for j, pos := range positions {
			if lo, ok := r.state.RangeMins[j]; !ok || pos < lo {
				r.state.RangeMins[j] = pos
			}
			if hi, ok := r.state.RangeMaxes[j]; !ok || pos > hi {
				r.state.RangeMaxes[j] = pos
			}
		}
	}
	r.state.CurrentPositions = positions.Copy()
	return true
}

// stale reports whether r lost its session, e.g. the robot was disconnected
// or removed while the calibration was open. A run whose Start is still in
// progress is never stale.
func (r *run) stale(sess *session.Session) bool {
	if r.step() == StepNotStarted {
		return false
	}
	return r.sess != sess || r.sess.Status() != session.StatusCalibrating
}

func (c *Coordinator) lookup(robotID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[robotID]
	if !ok {
		return nil, errors.Wrapf(session.ErrInvalidState, "no calibration in progress for robot %s", robotID)
	}
	return r, nil
}

func (c *Coordinator) drop(robotID string, r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[robotID] == r {
		delete(c.active, robotID)
	}
}

// Start begins a calibration. The session must be connected or ready and
// moves to calibrating. A previous calibration whose session has left the
// calibrating state is discarded.
func (c *Coordinator) Start(ctx context.Context, robotID string, publish Publisher) (State, error) {
	sess, err := c.sessions.Get(robotID)
	if err != nil {
		return State{}, err
	}

	r := &run{
		sess:    sess,
		publish: publish,
		state:   State{RobotID: robotID, Step: StepNotStarted},
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()

	c.mu.Lock()
	old, exists := c.active[robotID]
	if exists && !old.stale(sess) {
		c.mu.Unlock()
		return State{}, errors.Wrapf(session.ErrConflict, "calibration already running for robot %s", robotID)
	}
	c.active[robotID] = r
	c.mu.Unlock()

	if exists {
		old.opMu.Lock()
		c.stopSampler(old)
		old.opMu.Unlock()
		log.Warn().Str("robot_id", robotID).Str("step", string(old.step())).Msg("Discarded stale calibration")
	}

	if err := sess.BeginCalibration(ctx); err != nil {
		c.drop(robotID, r)
		return State{}, err
	}

	r.setStep(StepMoveToCenter, msgMoveToCenter)
	log.Info().Str("robot_id", robotID).Msg("Calibration started")
	r.emit()
	return r.snapshot(), nil
}

// ConfirmCenter applies half-turn homings at the current pose and starts
// recording joint ranges.
func (c *Coordinator) ConfirmCenter(ctx context.Context, robotID string) (State, error) {
	r, err := c.lookup(robotID)
	if err != nil {
		return State{}, err
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if step := r.step(); step != StepMoveToCenter {
		return State{}, errors.Wrapf(session.ErrInvalidState, "robot %s calibration is at %s, not %s", robotID, step, StepMoveToCenter)
	}

	homings, err := r.sess.SetHalfTurnHomings(ctx)
	if err != nil {
		return State{}, err
	}
	log.Info().Str("robot_id", robotID).Interface("homings", homings).Msg("Center position confirmed")

	r.setStep(StepRecordingRange, msgRecordingRange)
	r.emit()
	c.startSampler(r)
	return r.snapshot(), nil
}

func (c *Coordinator) startSampler(r *run) {
	r.sampler = task.Go(context.Background(), func(ctx context.Context) {
		c.sample(ctx, r)
	})
}

func (c *Coordinator) stopSampler(r *run) {
	if r.sampler != nil {
		r.sampler.Stop()
		r.sampler = nil
	}
}

// sample tracks joint ranges until cancelled, the step changes, or a read fails.
func (c *Coordinator) sample(ctx context.Context, r *run) {
	robotID := r.sess.ID()
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		positions, err := r.sess.Observation(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("robot_id", robotID).Msg("Calibration sampler stopped")
			}
			return
		}
		if !r.record(positions) {
			return
		}
		r.emit()
	}
}

// Finish stops range recording, writes and persists the calibration, and
// returns the session to ready. It fails with ErrInvalidState unless the
// center was confirmed and at least one sample was recorded.
func (c *Coordinator) Finish(ctx context.Context, robotID string) (State, error) {
	r, err := c.lookup(robotID)
	if err != nil {
		return State{}, err
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if step := r.step(); step != StepRecordingRange {
		return State{}, errors.Wrapf(session.ErrInvalidState, "robot %s calibration is at %s, confirm the center position first", robotID, step)
	}

	c.stopSampler(r)
	done := false
	defer func() {
		if !done {
			c.startSampler(r)
		}
	}()

	st := r.snapshot()
	if st.RangeMins == nil {
		return State{}, errors.Wrapf(session.ErrInvalidState, "no range data recorded for robot %s", robotID)
	}
	cal, err := robot.FromRanges(st.RangeMins, st.RangeMaxes)
	if err != nil {
		return State{}, errors.Wrapf(session.ErrInvalidState, "robot %s: %v", robotID, err)
	}

	if err := r.sess.WriteCalibration(ctx, cal); err != nil {
		return State{}, err
	}
	if err := r.sess.SaveCalibration(ctx); err != nil {
		return State{}, err
	}
	if err := r.sess.EndCalibration(ctx); err != nil {
		return State{}, err
	}
	done = true

	r.setStep(StepCompleted, msgCompleted)
	c.drop(robotID, r)
	log.Info().Str("robot_id", robotID).Int("joints", len(cal)).Msg("Calibration completed")
	r.emit()
	return r.snapshot(), nil
}

// Abort discards a calibration and returns the session to connected.
func (c *Coordinator) Abort(ctx context.Context, robotID string) error {
	r, err := c.lookup(robotID)
	if err != nil {
		return err
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()

	c.stopSampler(r)
	r.setStep(StepNotStarted, "")
	c.drop(robotID, r)
	log.Info().Str("robot_id", robotID).Msg("Calibration aborted")
	return r.sess.AbortCalibration(ctx)
}

// Status returns the current state of a calibration in progress.
func (c *Coordinator) Status(robotID string) (State, bool) {
	c.mu.Lock()
	r, ok := c.active[robotID]
	c.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return r.snapshot(), true
}

// Shutdown stops every sampler. Sessions are left as they are.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.active = make(map[string]*run)
	c.mu.Unlock()

	for _, r := range runs {
		r.opMu.Lock()
		c.stopSampler(r)
		r.opMu.Unlock()
	}
}
