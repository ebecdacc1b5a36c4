package robot

import (
	"context"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
)

// Bus settings for Feetech STS servos.
const (
	BaudRate    = 1_000_000
	BusTimeout  = 100 * time.Millisecond
	resolution  = 4096
	halfTurnPos = (resolution - 1) / 2
)

// Arm represents a robot arm with multiple servos on a Feetech bus.
type Arm struct {
	port        string
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
	homings     map[Joint]int
	persist     func(Calibration) error
	passive     bool
}

// NewArm creates an arm for the given port. The bus is opened by Connect.
func NewArm(port string, cal Calibration, persist func(Calibration) error) *Arm {
	return &Arm{
		port:        port,
		calibration: cal,
		homings:     make(map[Joint]int),
		persist:     persist,
	}
}

// NewLeaderArm creates an arm whose torque stays disabled so it can be
// guided by hand.
func NewLeaderArm(port string, cal Calibration, persist func(Calibration) error) *Arm {
	a := NewArm(port, cal, persist)
	a.passive = true
	return a
}

// Connect opens the serial bus. Torque is enabled on calibrated arms unless
// calibrate is set, in which case the arm is left passive for a calibration run.
func (a *Arm) Connect(ctx context.Context, calibrate bool) error {
	if a.bus != nil {
		return errors.New("arm already connected")
	}

	// Open serial bus
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     a.port,
		BaudRate: BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  BusTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "open bus")
	}

	servos, err := bus.Scan(ctx, 1, len(AllJoints()))
	if err != nil {
		bus.Close()
		return errors.Wrap(err, "scan servos")
	}
	if len(servos) != len(AllJoints()) {
		bus.Close()
		return errors.Errorf("expected %d servos on %s, found %d", len(AllJoints()), a.port, len(servos))
	}

	a.bus = bus
	a.group = feetech.NewServoGroupByIDs(bus, a.servoIDs()...)

	if a.passive || calibrate || !a.IsCalibrated() {
		return errors.Wrap(a.group.DisableAll(ctx), "disable torque")
	}
	return errors.Wrap(a.group.EnableAll(ctx), "enable torque")
}

// Disconnect disables torque and closes the bus.
func (a *Arm) Disconnect(ctx context.Context) error {
	if a.bus == nil {
		return nil
	}
	disableErr := a.group.DisableAll(ctx)
	closeErr := a.bus.Close()
	a.bus, a.group = nil, nil
	if disableErr != nil {
		return errors.Wrap(disableErr, "disable torque")
	}
	return errors.Wrap(closeErr, "close bus")
}

// IsCalibrated reports whether every joint has a calibrated range.
func (a *Arm) IsCalibrated() bool {
	for _, j := range AllJoints() {
		mc, ok := a.calibration[j]
		if !ok || mc.RangeMax <= mc.RangeMin {
			return false
		}
	}
	return true
}

// Observation reads current positions from all motors.
// Calibrated joints are normalized to [-100, 100]; others are raw steps
// relative to the homing offset.
func (a *Arm) Observation(ctx context.Context) (JointMap, error) {
	if a.group == nil {
		return nil, errors.New("arm not connected")
	}

	// Read raw positions using sync read
	rawPositions, err := a.group.Positions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read positions")
	}

	positions := make(JointMap, len(rawPositions))
	for id, raw := range rawPositions {
		name, ok := a.jointByID(id)
		if !ok {
			continue
		}
		if cal, ok := a.calibration[name]; ok && cal.RangeMax > cal.RangeMin {
			positions[name] = cal.Normalize(raw)
			continue
		}
		positions[name] = float64(raw - a.homings[name])
	}
	return positions, nil
}

// SendAction writes target positions to the motors.
// Takes normalized positions in the range [-100, 100].
func (a *Arm) SendAction(ctx context.Context, action JointMap) error {
	if a.group == nil {
		return errors.New("arm not connected")
	}
	if a.passive {
		return errors.New("leader arm does not accept actions")
	}
	if !a.IsCalibrated() {
		return errors.New("arm not calibrated")
	}

	rawPositions := make(feetech.PositionMap, len(action))
	for name, norm := range action {
		cal, ok := a.calibration[name]
		if !ok {
			continue
		}
		rawPositions[cal.ID] = cal.Denormalize(norm)
	}

	// Write using sync write
	if err := a.group.SetPositions(ctx, rawPositions); err != nil {
		return errors.Wrap(err, "write positions")
	}
	return nil
}

// SetHalfTurnHomings records the current pose as the center of each joint.
// Torque is disabled so the arm can be moved by hand afterwards.
func (a *Arm) SetHalfTurnHomings(ctx context.Context) (map[Joint]int, error) {
	if a.group == nil {
		return nil, errors.New("arm not connected")
	}
	if err := a.group.DisableAll(ctx); err != nil {
		return nil, errors.Wrap(err, "disable torque")
	}

	rawPositions, err := a.group.Positions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read positions")
	}

	homings := make(map[Joint]int, len(rawPositions))
	for id, raw := range rawPositions {
		name, ok := a.jointByID(id)
		if !ok {
			continue
		}
		homings[name] = raw - halfTurnPos
	}

	a.homings = homings
	a.calibration = nil
	out := make(map[Joint]int, len(homings))
	for j, v := range homings {
		out[j] = v
	}
	return out, nil
}

// WriteCalibration applies a calibration. Zero homing offsets are filled in
// from the last SetHalfTurnHomings call.
func (a *Arm) WriteCalibration(ctx context.Context, cal Calibration) error {
	applied := make(Calibration, len(cal))
	for name, mc := range cal {
		if mc.HomingOffset == 0 {
			mc.HomingOffset = a.homings[name]
		}
		if mc.ID == 0 {
			mc.ID = defaultServoID(name)
		}
		applied[name] = mc
	}
	a.calibration = applied
	if a.group != nil && !a.passive && a.IsCalibrated() {
		return errors.Wrap(a.group.EnableAll(ctx), "enable torque")
	}
	return nil
}

// SaveCalibration persists the current calibration.
func (a *Arm) SaveCalibration(ctx context.Context) error {
	if a.persist == nil {
		return nil
	}
	return a.persist(a.calibration)
}

func (a *Arm) servoIDs() []int {
	if a.IsCalibrated() {
		return a.calibration.MotorIDs()
	}
	ids := make([]int, 0, len(AllJoints()))
	for _, name := range AllJoints() {
		ids = append(ids, a.servoID(name))
	}
	return ids
}

func (a *Arm) servoID(name Joint) int {
	if mc, ok := a.calibration[name]; ok && mc.ID != 0 {
		return mc.ID
	}
	return defaultServoID(name)
}

func (a *Arm) jointByID(id int) (Joint, bool) {
	if name, _, ok := a.calibration.ByID(id); ok {
		return name, true
	}
	for _, name := range AllJoints() {
		if a.servoID(name) == id {
			return name, true
		}
	}
	return "", false
}

// defaultServoID returns the factory servo ID of a joint (1-6 in AllJoints order).
func defaultServoID(name Joint) int {
	for i, j := range AllJoints() {
		if j == name {
			return i + 1
		}
	}
	return 0
}
