// Package robottest provides an instrumented in-memory Driver for tests.
package robottest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/lerobot-hub/pkg/robot"
)

// Op names used to inject failures.
const (
	OpConnect     = "connect"
	OpDisconnect  = "disconnect"
	OpObservation = "observation"
	OpSendAction  = "send_action"
	OpHomings     = "homings"
	OpWrite       = "write_calibration"
	OpSave        = "save_calibration"
)

// Driver is a fake robot.Driver that records concurrent entry.
type Driver struct {
	// Delay is slept inside every call.
	Delay time.Duration
	// Calibrated is returned by IsCalibrated after Connect.
	Calibrated bool
	// Positions, if set, produces the n-th observation.
	Positions func(n int) robot.JointMap

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu           sync.Mutex
	failures     map[string]error
	calls        map[string]int
	actions      []robot.JointMap
	actionTimes  []time.Time
	calibration  robot.Calibration
	saved        robot.Calibration
	observations int
	block        chan struct{}
	connected    bool
}

// New returns a fake driver reporting the given calibration state.
func New(calibrated bool) *Driver {
	return &Driver{
		Calibrated: calibrated,
		failures:   make(map[string]error),
		calls:      make(map[string]int),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (d *Driver) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// Block makes every later call wait until Unblock is called.
func (d *Driver) Block() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = make(chan struct{})
}

// Unblock releases calls held by Block.
func (d *Driver) Unblock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
}

// MaxConcurrent returns the highest number of calls observed in flight at once.
func (d *Driver) MaxConcurrent() int {
	return int(d.maxInFlight.Load())
}

// Calls returns how often op was invoked.
func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Actions returns every action received, in order.
func (d *Driver) Actions() []robot.JointMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]robot.JointMap, len(d.actions))
	copy(out, d.actions)
	return out
}

// ActionTimes returns when each action was received.
func (d *Driver) ActionTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.actionTimes))
	copy(out, d.actionTimes)
	return out
}

// Saved returns the last persisted calibration.
func (d *Driver) Saved() robot.Calibration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saved
}

func (d *Driver) enter(op string) (func(), error) {
	n := d.inFlight.Add(1)
	for {
		peak := d.maxInFlight.Load()
		if n <= peak || d.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	d.mu.Lock()
	d.calls[op]++
	err := d.failures[op]
	block := d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}
	return func() { d.inFlight.Add(-1) }, err
}

func (d *Driver) Connect(ctx context.Context, calibrate bool) error {
	exit, err := d.enter(OpConnect)
	defer exit()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return errors.New("already connected")
	}
	d.connected = true
	return nil
}

// Disconnect always releases the fake, even when a failure is injected.
func (d *Driver) Disconnect(ctx context.Context) error {
	exit, err := d.enter(OpDisconnect)
	defer exit()
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return err
}

// Connected reports whether Connect succeeded without a later Disconnect.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) IsCalibrated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Calibrated || len(d.calibration) > 0
}

func (d *Driver) Observation(ctx context.Context) (robot.JointMap, error) {
	exit, err := d.enter(OpObservation)
	defer exit()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	n := d.observations
	d.observations++
	d.mu.Unlock()

	if d.Positions != nil {
		return d.Positions(n), nil
	}
	obs := make(robot.JointMap, len(robot.AllJoints()))
	for i, j := range robot.AllJoints() {
		obs[j] = float64(n + i)
	}
	return obs, nil
}

func (d *Driver) SendAction(ctx context.Context, action robot.JointMap) error {
	exit, err := d.enter(OpSendAction)
	defer exit()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.actions = append(d.actions, action.Copy())
	d.actionTimes = append(d.actionTimes, time.Now())
	d.mu.Unlock()
	return nil
}

func (d *Driver) SetHalfTurnHomings(ctx context.Context) (map[robot.Joint]int, error) {
	exit, err := d.enter(OpHomings)
	defer exit()
	if err != nil {
		return nil, err
	}
	homings := make(map[robot.Joint]int)
	for _, j := range robot.AllJoints() {
		homings[j] = 0
	}
	return homings, nil
}

func (d *Driver) WriteCalibration(ctx context.Context, cal robot.Calibration) error {
	exit, err := d.enter(OpWrite)
	defer exit()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.calibration = cal
	d.mu.Unlock()
	return nil
}

func (d *Driver) SaveCalibration(ctx context.Context) error {
	exit, err := d.enter(OpSave)
	defer exit()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.saved = d.calibration
	d.mu.Unlock()
	return nil
}

// ErrBus is a convenience failure for tests.
var ErrBus = errors.New("bus timeout")
