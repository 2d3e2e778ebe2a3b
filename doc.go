// Package mechctl controls the actuators of a mechanism and sequences them
// through multi-step maneuvers.
//
// Each actuator is a motor group (a primary drive unit plus followers)
// with one or more position sensors. Commands are open loop, voltage,
// velocity or position, and a setpoint tracker answers whether the
// actuator has reached its target. Maneuvers chain moves, end-effector
// actions and waits, advancing at most one step per control tick.
//
// # Installation
//
//	go install github.com/gwillem/mechctl/cmd/mechctl@latest
//
// # Usage
//
// Assign Feetech servos to actuators and record their range:
//
//	mechctl setup
//
// Inspect the configuration and run a maneuver:
//
//	mechctl list
//	mechctl run pickup
//
// Actuators with the sim driver run against an in-memory model, so
// maneuvers can be tried without hardware.
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/mechctl: CLI with setup, list, run and zero commands
//   - pkg/actuator: Actuator controller, commands and sensor fusion
//   - pkg/maneuver: Step sequencer with timeouts and cancellation
//   - pkg/effector: End-effector actions
//   - pkg/scheduler: Periodic control loop
//   - pkg/robot: YAML configuration and assembly
//   - pkg/servobus: Feetech STS servo binding and calibration
//   - pkg/sim: Simulated motors, encoders and actions
package mechctl
