// Package probe drives a single probing cycle: descend until the touch
// sensor confirms contact, stop, report the displacement, and return to
// the start position.
package probe

import "github.com/pkg/errors"

// ErrPreTriggered is returned when the sensor already reads triggered
// before any move has been issued.
var ErrPreTriggered = errors.New("probe triggered before move")

// ErrNoContact marks a probe cycle that ran out of travel without a
// confirmed trigger. RunProbe itself reports this as an untriggered
// Result; callers that require contact wrap it into this error.
var ErrNoContact = errors.New("probe not triggered")

// Sensor is a debounceable binary touch sensor.
type Sensor interface {
	// Triggered reads the current sensor state.
	Triggered() (bool, error)
}

// SensorFunc adapts a plain function to the Sensor interface.
type SensorFunc func() (bool, error)

// Triggered reads the current sensor state.
func (f SensorFunc) Triggered() (bool, error) {
	return f()
}
