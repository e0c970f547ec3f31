package kinematics

import (
	"strings"

	"github.com/pkg/errors"
)

// NewFromConfig creates the model for a configured kinematics name.
// Only the delta model consults the geometry.
func NewFromConfig(kind string, cfg DeltaConfig) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "delta":
		return NewDelta(cfg)
	case "cartesian":
		return NewCartesian(), nil
	case "corexy":
		return NewCoreXY(), nil
	default:
		return nil, errors.Errorf("unsupported kinematics type %q", kind)
	}
}
