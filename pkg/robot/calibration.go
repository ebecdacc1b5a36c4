package robot

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// MotorCalibration holds calibration data for a single motor.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all motors, keyed by joint.
type Calibration map[Joint]MotorCalibration

// LoadCalibration loads calibration data from a JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read calibration file")
	}

	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, errors.Wrap(err, "parse calibration JSON")
	}
	return cal, nil
}

// SaveTo writes the calibration to path as indented JSON.
func (c Calibration) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode calibration")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write calibration file")
}

// Normalize converts a raw servo position to a normalized value in the range [-100, 100].
// The homing offset is subtracted before the range is applied.
func (c MotorCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	return (float64(raw-c.HomingOffset-c.RangeMin)/rangeSize)*200 - 100
}

// Denormalize converts a normalized value [-100, 100] to a raw servo position.
func (c MotorCalibration) Denormalize(norm float64) int {
	if norm < -100 {
		norm = -100
	} else if norm > 100 {
		norm = 100
	}
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin + c.HomingOffset
}

// MotorIDs returns the servo IDs for all motors in the calibration.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	// Use AllJoints() to ensure consistent ordering
	for _, name := range AllJoints() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns joint name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (Joint, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}

// FromRanges builds a calibration record from recorded joint ranges.
// Homing offsets and drive modes are left at zero; servo IDs follow AllJoints.
func FromRanges(mins, maxes JointMap) (Calibration, error) {
	cal := make(Calibration, len(mins))
	for i, name := range AllJoints() {
		lo, okMin := mins[name]
		hi, okMax := maxes[name]
		if !okMin && !okMax {
			continue
		}
		if !okMin || !okMax {
			return nil, errors.Errorf("incomplete range for %s", name)
		}
		cal[name] = MotorCalibration{
			ID:       i + 1,
			RangeMin: int(lo),
			RangeMax: int(hi),
		}
	}
	if len(cal) == 0 {
		return nil, errors.New("no range data")
	}
	return cal, nil
}
