package config

// Default probe settings, matching the firmware the machines shipped
// with.
const (
	DefaultProbePin     = "nc"
	DefaultProbeHeight  = 5.0
	DefaultProbeRadius  = 100.0
	DefaultSlowFeedrate = 5.0
	DefaultFastFeedrate = 100.0
)

var defaultTowerAngles = [3]float64{210, 330, 90}

// ZProbeConfig holds the [zprobe] section.
type ZProbeConfig struct {
	Enable        bool
	Pin           string
	DebounceCount int
	ProbeHeight   float64 // travel clearance above the bed, mm
	ProbeRadius   float64 // default calibration circle radius, mm
	SlowFeedrate  float64 // mm/s
	FastFeedrate  float64 // mm/s
}

// GeometryConfig holds the [delta] section.
type GeometryConfig struct {
	ArmLength    float64
	Radius       float64
	TowerAngle   [3]float64 // degrees
	RadiusOffset [3]float64 // mm per tower
	AngleOffset  [3]float64 // degrees per tower
}

// MachineConfig is the typed view of a machine configuration file.
type MachineConfig struct {
	Kinematics string // "delta", "cartesian" or "corexy"
	ZProbe     ZProbeConfig
	Geometry   GeometryConfig
	Trim       [3]float64 // endstop trim per axis, mm
}

// IsDelta reports whether the configured kinematic model is the
// parallel delta type.
func (m *MachineConfig) IsDelta() bool { return m.Kinematics == "delta" }

// LoadMachine extracts the typed machine configuration. The [delta]
// section is required for delta kinematics; [zprobe] and [endstops]
// fall back to defaults when absent.
func LoadMachine(cfg *Config) (*MachineConfig, error) {
	m := &MachineConfig{}

	var err error
	if sec := cfg.GetSectionOptional("machine"); sec != nil {
		m.Kinematics, err = sec.GetChoice("kinematics", []string{"delta", "cartesian", "corexy"}, "delta")
		if err != nil {
			return nil, err
		}
	} else {
		m.Kinematics = "delta"
	}

	if err := loadZProbe(cfg, &m.ZProbe); err != nil {
		return nil, err
	}
	if m.IsDelta() {
		if err := loadGeometry(cfg, &m.Geometry); err != nil {
			return nil, err
		}
	}
	if err := loadTrim(cfg, &m.Trim); err != nil {
		return nil, err
	}
	return m, nil
}

func loadZProbe(cfg *Config, z *ZProbeConfig) error {
	zero := 0.0
	zeroInt := 0
	sec := cfg.GetSectionOptional("zprobe")
	if sec == nil {
		*z = ZProbeConfig{
			Pin:          DefaultProbePin,
			ProbeHeight:  DefaultProbeHeight,
			ProbeRadius:  DefaultProbeRadius,
			SlowFeedrate: DefaultSlowFeedrate,
			FastFeedrate: DefaultFastFeedrate,
		}
		return nil
	}

	var err error
	if z.Enable, err = sec.GetBool("enable", false); err != nil {
		return err
	}
	if z.Pin, err = sec.Get("probe_pin", DefaultProbePin); err != nil {
		return err
	}
	if z.DebounceCount, err = sec.GetIntWithBounds("debounce_count", &zeroInt, nil, 0); err != nil {
		return err
	}
	if z.ProbeHeight, err = sec.GetFloatWithBounds("probe_height", FloatBounds{Above: &zero}, DefaultProbeHeight); err != nil {
		return err
	}
	if z.ProbeRadius, err = sec.GetFloatWithBounds("probe_radius", FloatBounds{Above: &zero}, DefaultProbeRadius); err != nil {
		return err
	}
	if z.SlowFeedrate, err = sec.GetFloatWithBounds("slow_feedrate", FloatBounds{Above: &zero}, DefaultSlowFeedrate); err != nil {
		return err
	}
	if z.FastFeedrate, err = sec.GetFloatWithBounds("fast_feedrate", FloatBounds{Above: &zero}, DefaultFastFeedrate); err != nil {
		return err
	}
	return nil
}

func loadGeometry(cfg *Config, g *GeometryConfig) error {
	sec, err := cfg.GetSection("delta")
	if err != nil {
		return err
	}
	zero := 0.0
	if g.ArmLength, err = sec.GetFloatWithBounds("arm_length", FloatBounds{Above: &zero}); err != nil {
		return err
	}
	if g.Radius, err = sec.GetFloatWithBounds("radius", FloatBounds{Above: &zero}); err != nil {
		return err
	}
	for i, t := range [3]string{"a", "b", "c"} {
		if g.TowerAngle[i], err = sec.GetFloat("tower_"+t+"_angle", defaultTowerAngles[i]); err != nil {
			return err
		}
		if g.RadiusOffset[i], err = sec.GetFloat("tower_"+t+"_radius_offset", 0); err != nil {
			return err
		}
		if g.AngleOffset[i], err = sec.GetFloat("tower_"+t+"_angle_offset", 0); err != nil {
			return err
		}
	}
	return nil
}

func loadTrim(cfg *Config, trim *[3]float64) error {
	sec := cfg.GetSectionOptional("endstops")
	if sec == nil {
		return nil
	}
	var err error
	for i, axis := range [3]string{"x", "y", "z"} {
		if trim[i], err = sec.GetFloat("trim_"+axis, 0); err != nil {
			return err
		}
	}
	return nil
}
