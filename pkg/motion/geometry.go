package motion

import (
	"deltacal/pkg/kinematics"
)

// SyncedDelta pairs the host-side delta model with a controller that
// plans its own coordinated moves. Calibration adjusts the model to
// place probe points; the controller executes the moves, so the two
// geometry copies have to agree or an adjustment would never reach
// the machine. Every correction update goes to both.
//
// The simulator needs none of this: it plans against the host model
// directly.
type SyncedDelta struct {
	*kinematics.Delta
	port *LinePort
}

// NewSyncedDelta wraps the model and pushes its current geometry so
// the controller starts out in agreement.
func NewSyncedDelta(model *kinematics.Delta, port *LinePort) (*SyncedDelta, error) {
	s := &SyncedDelta{Delta: model, port: port}
	if err := port.SetGeometry(model.Corrections()); err != nil {
		return nil, err
	}
	return s, nil
}

// SetCorrections updates the host model first, so a geometry the
// model rejects never reaches the controller.
func (s *SyncedDelta) SetCorrections(c kinematics.Corrections) error {
	if err := s.Delta.SetCorrections(c); err != nil {
		return err
	}
	return s.port.SetGeometry(s.Delta.Corrections())
}
