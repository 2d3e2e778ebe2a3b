package robot

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/gwillem/mechctl/pkg/actuator"
	"github.com/gwillem/mechctl/pkg/servobus"
)

const DefaultConfigFile = "mechctl.yaml"

// RunLevel in a move step's level selects the level the run was started
// at.
const RunLevel = "$level"

// Drivers an actuator can be bound to.
const (
	DriverSim     = "sim"
	DriverFeetech = "feetech"
)

// Config holds the robot configuration
type Config struct {
	Bus       BusConfig        `yaml:"bus,omitempty"`
	Hz        int              `yaml:"hz,omitempty"`
	Actuators []ActuatorConfig `yaml:"actuators"`
	Effectors []EffectorConfig `yaml:"effectors,omitempty"`
	Maneuvers []ManeuverConfig `yaml:"maneuvers,omitempty"`
}

// BusConfig holds the serial bus shared by all feetech actuators
type BusConfig struct {
	Port     string        `yaml:"port"`
	BaudRate int           `yaml:"baud_rate,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// ActuatorConfig describes one actuator and its hardware.
type ActuatorConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`

	// Servo IDs for feetech actuators: the first is the primary, the rest
	// follow it. Every servo is also a sensor.
	Servos servobus.Calibrations `yaml:"servos,omitempty"`

	// Simulated motors: one primary plus Followers, each with an encoder.
	Sim SimConfig `yaml:"sim,omitempty"`

	MinPosition    float64   `yaml:"min_position,omitempty"`
	MaxPosition    float64   `yaml:"max_position,omitempty"`
	MaxVelocity    float64   `yaml:"max_velocity,omitempty"`
	MaxVoltage     float64   `yaml:"max_voltage,omitempty"`
	MinOutput      float64   `yaml:"min_output,omitempty"`
	MaxOutput      float64   `yaml:"max_output,omitempty"`
	PositionFactor float64   `yaml:"position_factor,omitempty"`
	VelocityFactor float64   `yaml:"velocity_factor,omitempty"`
	Fusion         string    `yaml:"fusion,omitempty"`
	Weights        []float64 `yaml:"weights,omitempty"`

	// Named positions that move steps can target by level.
	Levels map[string]float64 `yaml:"levels,omitempty"`
}

// Sensors returns the number of sensors the actuator is built with.
func (a ActuatorConfig) Sensors() int {
	if a.Driver == DriverFeetech {
		return len(a.Servos)
	}
	return a.Sim.Followers + 1
}

// SimConfig describes simulated motors
type SimConfig struct {
	FreeSpeed float64   `yaml:"free_speed,omitempty"`
	Gain      float64   `yaml:"gain,omitempty"`
	Followers int       `yaml:"followers,omitempty"`
	Bias      []float64 `yaml:"bias,omitempty"` // per-encoder reading bias
}

// EffectorConfig describes a roller-style action on an actuator
type EffectorConfig struct {
	Name     string  `yaml:"name"`
	Actuator string  `yaml:"actuator"`
	Output   float64 `yaml:"output"`
}

// ManeuverConfig describes a maneuver template
type ManeuverConfig struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Level   string        `yaml:"level,omitempty"` // default for RunLevel steps
	Steps   []StepConfig  `yaml:"steps"`
}

// StepConfig describes one step. Exactly one of Move, Spin, Action or
// Wait is set. A move targets Level instead of Target when Level is set.
type StepConfig struct {
	Move      string        `yaml:"move,omitempty"`
	Spin      string        `yaml:"spin,omitempty"`
	Action    string        `yaml:"action,omitempty"`
	Wait      time.Duration `yaml:"wait,omitempty"`
	Target    float64       `yaml:"target,omitempty"`
	Level     string        `yaml:"level,omitempty"`
	Tolerance float64       `yaml:"tolerance,omitempty"`
	Hold      bool          `yaml:"hold,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

func (s StepConfig) kinds() int {
	n := 0
	for _, set := range []bool{s.Move != "", s.Spin != "", s.Action != "", s.Wait > 0} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks names and references between sections.
func (c *Config) Validate() error {
	var errs error
	actuators := make(map[string]*ActuatorConfig)
	for i := range c.Actuators {
		a := &c.Actuators[i]
		if a.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("actuator %d: name is required", i))
			continue
		}
		if actuators[a.Name] != nil {
			errs = multierr.Append(errs, fmt.Errorf("actuator %s: duplicate name", a.Name))
		}
		actuators[a.Name] = a
		errs = multierr.Append(errs, a.validate(c.Bus))
	}

	effectors := make(map[string]bool)
	for _, e := range c.Effectors {
		if e.Name == "" || effectors[e.Name] {
			errs = multierr.Append(errs, fmt.Errorf("effector %q: missing or duplicate name", e.Name))
		}
		effectors[e.Name] = true
		a := actuators[e.Actuator]
		switch {
		case a == nil:
			errs = multierr.Append(errs, fmt.Errorf("effector %s: unknown actuator %q", e.Name, e.Actuator))
		case a.Driver == DriverFeetech:
			errs = multierr.Append(errs, fmt.Errorf("effector %s: feetech actuator %s cannot run open loop", e.Name, e.Actuator))
		}
	}

	maneuvers := make(map[string]bool)
	for _, m := range c.Maneuvers {
		if m.Name == "" || maneuvers[m.Name] {
			errs = multierr.Append(errs, fmt.Errorf("maneuver %q: missing or duplicate name", m.Name))
		}
		maneuvers[m.Name] = true
		for i, s := range m.Steps {
			if err := s.validate(m, actuators, effectors); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("maneuver %s step %d: %w", m.Name, i, err))
			}
		}
	}
	return errs
}

func (a *ActuatorConfig) validate(bus BusConfig) error {
	var errs error
	switch a.Driver {
	case DriverSim:
	case DriverFeetech:
		if len(a.Servos) == 0 {
			errs = multierr.Append(errs, errors.New("feetech driver needs servos"))
		}
		for _, s := range a.Servos {
			errs = multierr.Append(errs, s.Validate())
		}
		if bus.Port == "" {
			errs = multierr.Append(errs, errors.New("feetech driver needs bus.port"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown driver %q", a.Driver))
	}

	if _, err := actuator.ParseFusion(a.Fusion, a.Weights); err != nil {
		errs = multierr.Append(errs, err)
	}
	if len(a.Weights) > a.Sensors() {
		errs = multierr.Append(errs, fmt.Errorf("%d fusion weights for %d sensors", len(a.Weights), a.Sensors()))
	}
	if a.MinOutput != 0 || a.MaxOutput != 0 {
		if a.MinOutput < -1 || a.MaxOutput > 1 || a.MinOutput >= a.MaxOutput {
			errs = multierr.Append(errs, fmt.Errorf("output limits [%v, %v] must be ordered within [-1, 1]", a.MinOutput, a.MaxOutput))
		}
	}
	limited := a.MaxPosition > a.MinPosition
	for name, p := range a.Levels {
		if limited && (p < a.MinPosition || p > a.MaxPosition) {
			errs = multierr.Append(errs, fmt.Errorf("level %s at %v outside [%v, %v]", name, p, a.MinPosition, a.MaxPosition))
		}
	}

	if errs == nil {
		return nil
	}
	return fmt.Errorf("actuator %s: %w", a.Name, errs)
}

func (s StepConfig) validate(m ManeuverConfig, actuators map[string]*ActuatorConfig, effectors map[string]bool) error {
	if s.kinds() != 1 {
		return errors.New("set exactly one of move, spin, action, wait")
	}
	var errs error
	for _, ref := range []string{s.Move, s.Spin} {
		if ref != "" && actuators[ref] == nil {
			errs = multierr.Append(errs, fmt.Errorf("unknown actuator %q", ref))
		}
	}
	if (s.Move != "" || s.Spin != "") && s.Tolerance <= 0 {
		errs = multierr.Append(errs, errors.New("tolerance must be positive"))
	}
	if a := actuators[s.Spin]; a != nil && a.Driver == DriverFeetech {
		errs = multierr.Append(errs, fmt.Errorf("feetech actuator %s cannot spin at a velocity", s.Spin))
	}
	if s.Action != "" && !effectors[s.Action] {
		errs = multierr.Append(errs, fmt.Errorf("unknown action %q", s.Action))
	}

	if s.Level != "" {
		a := actuators[s.Move]
		switch {
		case s.Move == "":
			errs = multierr.Append(errs, errors.New("level only applies to move steps"))
		case a == nil:
		case len(a.Levels) == 0:
			errs = multierr.Append(errs, fmt.Errorf("actuator %s has no levels", s.Move))
		case s.Level == RunLevel:
			if _, ok := a.Levels[m.Level]; m.Level != "" && !ok {
				errs = multierr.Append(errs, fmt.Errorf("actuator %s has no level %q", s.Move, m.Level))
			}
		default:
			if _, ok := a.Levels[s.Level]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("actuator %s has no level %q", s.Move, s.Level))
			}
		}
	}
	return errs
}

// Actuator returns the named actuator's configuration.
func (c *Config) Actuator(name string) (*ActuatorConfig, bool) {
	for i := range c.Actuators {
		if c.Actuators[i].Name == name {
			return &c.Actuators[i], true
		}
	}
	return nil, false
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads and validates configuration from a specific file
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the config file exists
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
