// Package session serializes access to robot drivers.
//
// Each Session owns one robot.Driver and runs a single worker goroutine that
// consumes a queue of operations. Every driver call and every status
// transition happens on that goroutine, so two calls for the same robot never
// overlap while different robots proceed independently.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/robot"
)

// Driver operation names, used in errors, logs and metrics.
const (
	OpConnect          = "connect"
	OpDisconnect       = "disconnect"
	OpObservation      = "observation"
	OpSendAction       = "send_action"
	OpSetHomings       = "set_half_turn_homings"
	OpWriteCalibration = "write_calibration"
	OpSaveCalibration  = "save_calibration"
)

var errCallTimeout = errors.New("driver call timed out")

// Options tune a session.
type Options struct {
	// CallTimeout bounds the wait for each queued operation.
	// Zero means robot.DefaultCallTimeout.
	CallTimeout time.Duration
}

type op struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Session is the exclusive owner of one robot driver.
type Session struct {
	driver  robot.Driver
	timeout time.Duration

	ops       chan op
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	cfg        robot.RobotConfig
	status     Status
	calibrated bool
	lastObs    robot.JointMap
	lastObsAt  time.Time
	// pendingDisconnect is set by Disconnect and cleared by the worker once
	// the driver has been disconnected.
	pendingDisconnect bool
}

// New starts a disconnected session around driver.
func New(cfg robot.RobotConfig, driver robot.Driver, opts Options) *Session {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = robot.DefaultCallTimeout
	}
	s := &Session{
		driver:     driver,
		timeout:    timeout,
		ops:        make(chan op),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		cfg:        cfg,
		status:     StatusDisconnected,
		calibrated: cfg.IsCalibrated(),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		// a disconnect that could not be queued behind a hung call runs
		// as soon as the worker is free again
		s.disconnectDriver(context.Background())

		select {
		case <-s.quit:
			return
		case o := <-s.ops:
			if err := o.ctx.Err(); err != nil {
				o.done <- err
				continue
			}
			o.done <- o.run(o.ctx)
		}
	}
}

// Close stops the worker. It does not disconnect the driver.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

// Done is closed once the worker has exited.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// ID returns the robot identifier.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ID
}

// Type returns the robot type.
func (s *Session) Type() robot.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Type
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetInfo updates the descriptive fields of the robot.
func (s *Session) SetInfo(nickname, notes *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nickname != nil {
		s.cfg.Nickname = *nickname
	}
	if notes != nil {
		s.cfg.Notes = *notes
	}
}

// State returns a snapshot without touching the hardware.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		ID:           s.cfg.ID,
		Type:         s.cfg.Type,
		Port:         s.cfg.Port,
		Nickname:     s.cfg.Nickname,
		Notes:        s.cfg.Notes,
		Status:       s.status,
		IsCalibrated: s.calibrated,
	}
	if s.lastObs != nil {
		st.JointPositions = s.lastObs.Copy()
		at := s.lastObsAt
		st.LastUpdated = &at
	}
	return st
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != st {
		log.Debug().Str("robot_id", s.cfg.ID).Str("from", string(s.status)).Str("to", string(st)).Msg("Session status changed")
	}
	s.status = st
}

// transition moves from one of the allowed states to next, on the worker.
func (s *Session) transition(next Status, from ...Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.status == f {
			s.status = next
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidState, "robot %s is %s, cannot become %s", s.cfg.ID, s.status, next)
}

func (s *Session) requireStatus(allowed ...Status) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range allowed {
		if s.status == a {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidState, "robot %s is %s", s.cfg.ID, s.status)
}

// exec runs fn on the worker and waits for it, bounded by the call timeout.
func (s *Session) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	o := op{ctx: callCtx, run: fn, done: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-callCtx.Done():
		return s.abandoned(ctx)
	case <-s.quit:
		return errors.Wrapf(ErrClosed, "robot %s", s.ID())
	}

	select {
	case err := <-o.done:
		return err
	case <-callCtx.Done():
		return s.abandoned(ctx)
	}
}

func (s *Session) abandoned(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(errCallTimeout, "after %s", s.timeout)
}

// call runs a driver operation on the worker. Driver errors and timeouts are
// returned as ErrHardwareFailure; with markError they also move the session
// to StatusError. Cancellation by the caller is returned unchanged.
func (s *Session) call(ctx context.Context, name string, markError bool, fn func(ctx context.Context) error) error {
	err := s.exec(ctx, func(callCtx context.Context) error {
		if err := fn(callCtx); err != nil {
			return s.driverFailure(callCtx, name, markError, err)
		}
		return nil
	})
	if errors.Is(err, errCallTimeout) {
		log.Error().Str("robot_id", s.ID()).Str("op", name).Dur("timeout", s.timeout).Msg("Driver call timed out")
		if markError {
			s.setStatus(StatusError)
		}
		return hardwareFailure(name, err)
	}
	return err
}

func (s *Session) driverFailure(ctx context.Context, name string, markError bool, err error) error {
	if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	log.Error().Err(err).Str("robot_id", s.ID()).Str("op", name).Msg("Driver call failed")
	if markError {
		s.setStatus(StatusError)
	}
	return hardwareFailure(name, err)
}

// invoke calls the driver and records metrics.
func (s *Session) invoke(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	observeDriverCall(s.ID(), name, start, err)
	return err
}

// Connect opens the driver. The session becomes ready if the driver reports
// a calibration, connected otherwise, and error if the driver fails.
func (s *Session) Connect(ctx context.Context, calibrate bool) error {
	if err := s.requireStatus(StatusDisconnected); err != nil {
		return err
	}
	return s.call(ctx, OpConnect, true, func(ctx context.Context) error {
		if err := s.requireStatus(StatusDisconnected); err != nil {
			return err
		}
		var calibrated bool
		err := s.invoke(OpConnect, func() error {
			if err := s.driver.Connect(ctx, calibrate); err != nil {
				return err
			}
			calibrated = s.driver.IsCalibrated()
			return nil
		})
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			// the caller already gave up and marked the session
			return ctx.Err()
		}

		s.mu.Lock()
		s.calibrated = calibrated
		s.mu.Unlock()
		if calibrated {
			s.setStatus(StatusReady)
		} else {
			s.setStatus(StatusConnected)
		}
		log.Info().Str("robot_id", s.ID()).Bool("calibrated", calibrated).Msg("Robot connected")
		return nil
	})
}

// Disconnect closes the driver. The session always ends disconnected; driver
// errors are logged and not returned. If the worker is still stuck in an
// earlier call, the driver is disconnected once that call returns and before
// any later operation runs.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusConnected, StatusReady, StatusCalibrating, StatusError:
	default:
		st := s.status
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "robot %s is %s", s.cfg.ID, st)
	}
	s.pendingDisconnect = true
	s.mu.Unlock()

	err := s.exec(ctx, func(ctx context.Context) error {
		s.disconnectDriver(ctx)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("robot_id", s.ID()).Msg("Driver busy, disconnect deferred until the pending call returns")
	}
	s.setStatus(StatusDisconnected)
	log.Info().Str("robot_id", s.ID()).Msg("Robot disconnected")
	return nil
}

// disconnectDriver runs a requested disconnect on the worker. It is a no-op
// when none is pending.
func (s *Session) disconnectDriver(ctx context.Context) {
	s.mu.Lock()
	pending := s.pendingDisconnect
	s.pendingDisconnect = false
	s.mu.Unlock()
	if !pending {
		return
	}

	if err := s.invoke(OpDisconnect, func() error { return s.driver.Disconnect(ctx) }); err != nil {
		log.Warn().Err(err).Str("robot_id", s.ID()).Msg("Error while disconnecting robot")
	}
}

// Observation reads the current joint positions and stores them as the last
// observation.
func (s *Session) Observation(ctx context.Context) (robot.JointMap, error) {
	if err := s.requireObservable(); err != nil {
		return nil, err
	}
	var obs robot.JointMap
	err := s.call(ctx, OpObservation, true, func(ctx context.Context) error {
		if err := s.requireObservable(); err != nil {
			return err
		}
		err := s.invoke(OpObservation, func() error {
			var err error
			obs, err = s.driver.Observation(ctx)
			return err
		})
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.lastObs = obs.Copy()
		s.lastObsAt = time.Now()
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obs, nil
}

// SendAction writes target joint positions.
func (s *Session) SendAction(ctx context.Context, action robot.JointMap) error {
	if err := s.requireObservable(); err != nil {
		return err
	}
	t := s.Type()
	if t.IsLeader() {
		return errors.Wrapf(ErrInvalidArgument, "robot %s is a leader arm and accepts no actions", s.ID())
	}
	for _, j := range action.Joints() {
		if !t.Has(j) {
			return errors.Wrapf(ErrInvalidArgument, "joint %q is not part of %s", j, t)
		}
	}
	return s.call(ctx, OpSendAction, true, func(ctx context.Context) error {
		if err := s.requireObservable(); err != nil {
			return err
		}
		return s.invoke(OpSendAction, func() error { return s.driver.SendAction(ctx, action) })
	})
}

func (s *Session) requireObservable() error {
	return s.requireStatus(StatusConnected, StatusReady, StatusCalibrating)
}

// BeginCalibration moves a connected or ready session to calibrating.
func (s *Session) BeginCalibration(ctx context.Context) error {
	return s.statusCall(ctx, func() error {
		return s.transition(StatusCalibrating, StatusConnected, StatusReady)
	})
}

// EndCalibration moves a calibrating session to ready.
func (s *Session) EndCalibration(ctx context.Context) error {
	return s.statusCall(ctx, func() error {
		if err := s.transition(StatusReady, StatusCalibrating); err != nil {
			return err
		}
		s.mu.Lock()
		s.calibrated = true
		s.mu.Unlock()
		return nil
	})
}

// AbortCalibration returns a calibrating session to connected. Sessions that
// already left calibrating are left alone.
func (s *Session) AbortCalibration(ctx context.Context) error {
	return s.statusCall(ctx, func() error {
		if s.Status() != StatusCalibrating {
			return nil
		}
		s.mu.Lock()
		s.calibrated = false
		s.mu.Unlock()
		return s.transition(StatusConnected, StatusCalibrating)
	})
}

func (s *Session) statusCall(ctx context.Context, fn func() error) error {
	err := s.exec(ctx, func(context.Context) error { return fn() })
	if errors.Is(err, errCallTimeout) {
		return hardwareFailure("status", err)
	}
	return err
}

// SetHalfTurnHomings centers every joint at its current position.
// Failures leave the status unchanged so the step can be retried.
func (s *Session) SetHalfTurnHomings(ctx context.Context) (map[robot.Joint]int, error) {
	var homings map[robot.Joint]int
	err := s.call(ctx, OpSetHomings, false, func(ctx context.Context) error {
		if err := s.requireStatus(StatusCalibrating); err != nil {
			return err
		}
		return s.invoke(OpSetHomings, func() error {
			var err error
			homings, err = s.driver.SetHalfTurnHomings(ctx)
			return err
		})
	})
	if err != nil {
		// on a timeout the worker may still be writing homings
		return nil, err
	}
	return homings, nil
}

// WriteCalibration applies a calibration record to the driver.
func (s *Session) WriteCalibration(ctx context.Context, cal robot.Calibration) error {
	return s.call(ctx, OpWriteCalibration, false, func(ctx context.Context) error {
		if err := s.requireStatus(StatusCalibrating); err != nil {
			return err
		}
		return s.invoke(OpWriteCalibration, func() error { return s.driver.WriteCalibration(ctx, cal) })
	})
}

// SaveCalibration persists the calibration written last.
func (s *Session) SaveCalibration(ctx context.Context) error {
	return s.call(ctx, OpSaveCalibration, false, func(ctx context.Context) error {
		if err := s.requireStatus(StatusCalibrating); err != nil {
			return err
		}
		return s.invoke(OpSaveCalibration, func() error { return s.driver.SaveCalibration(ctx) })
	})
}
