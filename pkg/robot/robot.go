// Package robot assembles actuators, end effectors and maneuvers from a
// configuration file.
package robot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gwillem/mechctl/pkg/actuator"
	"github.com/gwillem/mechctl/pkg/effector"
	"github.com/gwillem/mechctl/pkg/maneuver"
	"github.com/gwillem/mechctl/pkg/scheduler"
	"github.com/gwillem/mechctl/pkg/servobus"
	"github.com/gwillem/mechctl/pkg/sim"
)

// Default simulation parameters.
const (
	DefaultSimFreeSpeed = 100.0
	DefaultSimGain      = 8.0
)

// Option configures Build.
type Option func(*options)

type options struct {
	log   *zap.Logger
	clock func() time.Time
}

// WithLogger sets the logger for every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock sets the clock maneuvers use for timeouts.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Robot holds the assembled components.
type Robot struct {
	cfg       *Config
	bus       *servobus.Bus
	servos    map[string][]*servobus.Servo
	world     sim.World
	actuators []*actuator.Controller
	byName    map[string]*actuator.Controller
	effectors map[string]effector.Action
	maneuvers map[string]*maneuver.Template
}

// Build creates every component described by cfg. A serial bus is opened
// only if a feetech actuator is configured.
func Build(ctx context.Context, cfg *Config, opts ...Option) (*Robot, error) {
	o := options{log: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Robot{
		cfg:       cfg,
		byName:    make(map[string]*actuator.Controller),
		servos:    make(map[string][]*servobus.Servo),
		effectors: make(map[string]effector.Action),
		maneuvers: make(map[string]*maneuver.Template),
	}

	for _, ac := range cfg.Actuators {
		hw, err := r.hardware(ac)
		if err != nil {
			r.Close()
			return nil, err
		}
		fusion, err := actuator.ParseFusion(ac.Fusion, ac.Weights)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("actuator %s: %w", ac.Name, err)
		}
		ctrl, err := actuator.New(ctx, actuator.Config{
			Name:           ac.Name,
			MinPosition:    ac.MinPosition,
			MaxPosition:    ac.MaxPosition,
			MaxVelocity:    ac.MaxVelocity,
			MaxVoltage:     ac.MaxVoltage,
			MinOutput:      ac.MinOutput,
			MaxOutput:      ac.MaxOutput,
			PositionFactor: ac.PositionFactor,
			VelocityFactor: ac.VelocityFactor,
			Fusion:         fusion,
		}, hw, actuator.WithLogger(o.log))
		if err != nil {
			r.Close()
			return nil, err
		}
		r.actuators = append(r.actuators, ctrl)
		r.byName[ac.Name] = ctrl
	}

	for _, ec := range cfg.Effectors {
		r.effectors[ec.Name] = effector.NewRoller(ec.Name, r.byName[ec.Actuator], ec.Output)
	}

	for _, mc := range cfg.Maneuvers {
		steps := make([]maneuver.Step, 0, len(mc.Steps))
		for _, sc := range mc.Steps {
			steps = append(steps, r.step(sc))
		}
		r.maneuvers[mc.Name] = maneuver.New(mc.Name, steps,
			maneuver.WithTimeout(mc.Timeout),
			maneuver.WithLevel(mc.Level),
			maneuver.WithClock(o.clock),
			maneuver.WithLogger(o.log),
		)
	}

	o.log.Info("robot built",
		zap.Int("actuators", len(r.actuators)),
		zap.Int("effectors", len(r.effectors)),
		zap.Int("maneuvers", len(r.maneuvers)),
		zap.Bool("simulated", r.world.Len() > 0),
	)
	return r, nil
}

func (r *Robot) hardware(ac ActuatorConfig) (actuator.Hardware, error) {
	switch ac.Driver {
	case DriverFeetech:
		return r.servoHardware(ac)
	default:
		return r.simHardware(ac), nil
	}
}

func (r *Robot) servoHardware(ac ActuatorConfig) (actuator.Hardware, error) {
	if r.bus == nil {
		bus, err := servobus.Open(servobus.Config{
			Port:     r.cfg.Bus.Port,
			BaudRate: r.cfg.Bus.BaudRate,
			Timeout:  r.cfg.Bus.Timeout,
		})
		if err != nil {
			return actuator.Hardware{}, err
		}
		r.bus = bus
	}

	var hw actuator.Hardware
	for i, cal := range ac.Servos {
		s := r.bus.Servo(cal)
		if i == 0 {
			hw.Primary = s
		} else {
			hw.Followers = append(hw.Followers, s)
		}
		hw.Sensors = append(hw.Sensors, s)
		r.servos[ac.Name] = append(r.servos[ac.Name], s)
	}
	return hw, nil
}

func (r *Robot) simHardware(ac ActuatorConfig) actuator.Hardware {
	speed, gain := ac.Sim.FreeSpeed, ac.Sim.Gain
	if speed == 0 {
		speed = DefaultSimFreeSpeed
	}
	if gain == 0 {
		gain = DefaultSimGain
	}

	var hw actuator.Hardware
	for i := 0; i <= ac.Sim.Followers; i++ {
		m := sim.NewMotor(speed, gain)
		r.world.Add(m)
		if i == 0 {
			hw.Primary = m
		} else {
			hw.Followers = append(hw.Followers, m)
		}
		bias := 0.0
		if i < len(ac.Sim.Bias) {
			bias = ac.Sim.Bias[i]
		}
		hw.Sensors = append(hw.Sensors, sim.NewEncoder(m, bias))
	}
	return hw
}

func (r *Robot) step(sc StepConfig) maneuver.Step {
	switch {
	case sc.Move != "":
		var m *maneuver.Move
		ac, _ := r.cfg.Actuator(sc.Move)
		switch sc.Level {
		case "":
			m = maneuver.MoveTo(r.byName[sc.Move], sc.Target, sc.Tolerance)
		case RunLevel:
			m = maneuver.MoveToLevel(r.byName[sc.Move], ac.Levels, sc.Tolerance)
		default:
			m = maneuver.MoveTo(r.byName[sc.Move], ac.Levels[sc.Level], sc.Tolerance)
		}
		m.WithTimeout(sc.Timeout)
		if sc.Hold {
			m.Holding()
		}
		return m
	case sc.Spin != "":
		m := maneuver.SpinAt(r.byName[sc.Spin], sc.Target, sc.Tolerance).WithTimeout(sc.Timeout)
		if sc.Hold {
			m.Holding()
		}
		return m
	case sc.Action != "":
		return maneuver.Perform(sc.Action, r.effectors[sc.Action], sc.Timeout)
	default:
		return maneuver.Delay(sc.Wait)
	}
}

// Actuators returns the controllers in configuration order.
func (r *Robot) Actuators() []*actuator.Controller {
	return append([]*actuator.Controller(nil), r.actuators...)
}

// Updaters returns the controllers as scheduler updaters.
func (r *Robot) Updaters() []scheduler.Updater {
	us := make([]scheduler.Updater, len(r.actuators))
	for i, a := range r.actuators {
		us[i] = a
	}
	return us
}

// Actuator returns a controller by name.
func (r *Robot) Actuator(name string) (*actuator.Controller, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Calibrations returns the current servo calibrations of a feetech
// actuator, including any zero applied since Build.
func (r *Robot) Calibrations(name string) servobus.Calibrations {
	servos := r.servos[name]
	if len(servos) == 0 {
		return nil
	}
	cals := make(servobus.Calibrations, len(servos))
	for i, s := range servos {
		cals[i] = s.Calibration()
	}
	return cals
}

// Effector returns an end-effector action by name.
func (r *Robot) Effector(name string) (effector.Action, bool) {
	e, ok := r.effectors[name]
	return e, ok
}

// Maneuver returns a maneuver template by name.
func (r *Robot) Maneuver(name string) (*maneuver.Template, bool) {
	m, ok := r.maneuvers[name]
	return m, ok
}

// Maneuvers returns the maneuver names, sorted.
func (r *Robot) Maneuvers() []string {
	names := make([]string, 0, len(r.maneuvers))
	for name := range r.maneuvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Simulated reports whether any actuator runs on simulated hardware.
func (r *Robot) Simulated() bool {
	return r.world.Len() > 0
}

// Simulate advances simulated hardware by dt. It does nothing for real
// hardware.
func (r *Robot) Simulate(dt time.Duration) {
	r.world.Step(dt)
}

// Hz returns the configured control rate.
func (r *Robot) Hz() int {
	return r.cfg.Hz
}

// Stop idles every actuator and stops every end effector.
func (r *Robot) Stop(ctx context.Context) error {
	var errs error
	for _, e := range r.effectors {
		if e.IsActive() {
			errs = multierr.Append(errs, e.Stop(ctx))
		}
	}
	for _, a := range r.actuators {
		errs = multierr.Append(errs, a.Stop(ctx))
	}
	return errs
}

// Close releases the serial bus, if one was opened.
func (r *Robot) Close() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Close()
}
