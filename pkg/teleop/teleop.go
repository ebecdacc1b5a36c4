// Package teleop mirrors a leader arm onto a follower arm.
package teleop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

// DefaultHz is the control rate used when none is configured.
const DefaultHz = 60

// State represents the current state of teleoperation.
type State struct {
	Positions robot.JointMap
	Timestamp time.Time
	Error     error
}

// Controller manages the teleoperation control loop.
type Controller struct {
	leader   *session.Session
	follower *session.Session
	hz       int
	mirror   bool

	mu      sync.RWMutex
	running bool
	stateCh chan State
	logCh   chan string
}

// Config holds configuration for the controller.
type Config struct {
	Hz     int
	Mirror bool // Invert shoulder_pan and wrist_roll
}

// NewController creates a controller driving follower from leader. Both
// sessions stay owned by the caller.
func NewController(leader, follower *session.Session, cfg Config) (*Controller, error) {
	if leader == follower {
		return nil, errors.Wrap(session.ErrInvalidArgument, "leader and follower must be different robots")
	}
	if follower.Type().IsLeader() {
		return nil, errors.Wrapf(session.ErrInvalidArgument, "robot %s is a leader arm and cannot follow", follower.ID())
	}
	if cfg.Hz <= 0 {
		cfg.Hz = DefaultHz
	}

	return &Controller{
		leader:   leader,
		follower: follower,
		hz:       cfg.Hz,
		mirror:   cfg.Mirror,
		stateCh:  make(chan State, 1),
		logCh:    make(chan string, 10),
	}, nil
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

func (c *Controller) log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Debug().Str("leader", c.leader.ID()).Str("follower", c.follower.ID()).Msg(line)

	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), line)
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start runs the control loop until ctx is cancelled or one of the sessions
// stops accepting commands.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.Wrap(session.ErrConflict, "teleoperation already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if st := c.leader.Status(); !st.CanObserve() {
		return errors.Wrapf(session.ErrInvalidState, "leader %s is %s", c.leader.ID(), st)
	}
	if st := c.follower.Status(); st != session.StatusReady {
		return errors.Wrapf(session.ErrInvalidState, "follower %s is %s, expected %s", c.follower.ID(), st, session.StatusReady)
	}

	c.log("Teleoperation started at %d Hz (%s -> %s)", c.hz, c.leader.ID(), c.follower.ID())

	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log("Teleoperation stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := c.step(ctx); err != nil {
				c.log("Teleoperation aborted: %v", err)
				return err
			}
		}
	}
}

// step copies one leader observation to the follower. Only failures that
// leave a session unusable are returned.
func (c *Controller) step(ctx context.Context) error {
	positions, err := c.leader.Observation(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.log("Read error: %v", err)
		c.sendState(State{Error: err, Timestamp: time.Now()})
		return fatal(err)
	}

	followerPositions := positions
	if c.mirror {
		followerPositions = Mirror(positions)
	}

	if err := c.follower.SendAction(ctx, followerPositions); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.log("Write error: %v", err)
		if err := fatal(err); err != nil {
			return err
		}
	}

	c.sendState(State{
		Positions: positions,
		Timestamp: time.Now(),
	})
	return nil
}

func fatal(err error) error {
	if errors.Is(err, session.ErrHardwareFailure) || errors.Is(err, session.ErrInvalidState) || errors.Is(err, session.ErrClosed) {
		return err
	}
	return nil
}

// Mirror inverts shoulder_pan and wrist_roll so a facing leader drives the
// follower like a mirror image.
func Mirror(positions robot.JointMap) robot.JointMap {
	out := make(robot.JointMap, len(positions))
	for name, pos := range positions {
		if name == robot.ShoulderPan || name == robot.WristRoll {
			out[name] = -pos
		} else {
			out[name] = pos
		}
	}
	return out
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}
