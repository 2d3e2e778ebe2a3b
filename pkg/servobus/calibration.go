package servobus

import "fmt"

// Calibration maps a servo's raw encoder range onto [-100, 100].
type Calibration struct {
	ID           int `yaml:"id" json:"id"`
	DriveMode    int `yaml:"drive_mode,omitempty" json:"drive_mode"`
	HomingOffset int `yaml:"homing_offset,omitempty" json:"homing_offset"`
	RangeMin     int `yaml:"range_min" json:"range_min"`
	RangeMax     int `yaml:"range_max" json:"range_max"`
}

// Inverted reports whether the servo counts in the opposite direction.
func (c Calibration) Inverted() bool {
	return c.DriveMode == 1
}

// Validate checks that the range is usable.
func (c Calibration) Validate() error {
	if c.ID <= 0 || c.ID > 253 {
		return fmt.Errorf("servo id %d out of range", c.ID)
	}
	if c.RangeMax <= c.RangeMin {
		return fmt.Errorf("servo %d: range_max %d must exceed range_min %d", c.ID, c.RangeMax, c.RangeMin)
	}
	return nil
}

// Normalize converts a raw servo position to a normalized value in the range [-100, 100].
func (c Calibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	norm := (float64(raw-c.HomingOffset-c.RangeMin)/rangeSize)*200 - 100
	if c.Inverted() {
		return -norm
	}
	return norm
}

// Denormalize converts a normalized value [-100, 100] to a raw servo position.
func (c Calibration) Denormalize(norm float64) int {
	if c.Inverted() {
		norm = -norm
	}
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin + c.HomingOffset
}

// Calibrations holds the calibration of several servos.
type Calibrations []Calibration

// IDs returns the servo IDs in order.
func (cs Calibrations) IDs() []int {
	ids := make([]int, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.ID)
	}
	return ids
}

// ByID returns the calibration for a given servo ID.
func (cs Calibrations) ByID(id int) (Calibration, bool) {
	for _, c := range cs {
		if c.ID == id {
			return c, true
		}
	}
	return Calibration{}, false
}
