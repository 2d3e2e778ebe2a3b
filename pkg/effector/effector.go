// Package effector defines end-effector actions consumed by maneuvers.
package effector

import (
	"context"
	"fmt"
)

// Action is a start/stop capability such as an intake or a gripper.
// IsActive turning false on its own means the action finished.
type Action interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive() bool
}

// Driven is implemented by actions that run on an actuator.
type Driven interface {
	Actuator() string
}

// OpenLoopDriver is the part of an actuator a Roller needs.
type OpenLoopDriver interface {
	Name() string
	DriveOpenLoop(ctx context.Context, output float64) error
}

// Roller runs an actuator open loop while active, like an intake wheel.
type Roller struct {
	name   string
	drive  OpenLoopDriver
	output float64
	active bool
}

// NewRoller returns a roller that drives at output in [-1, 1] when started.
func NewRoller(name string, drive OpenLoopDriver, output float64) *Roller {
	return &Roller{name: name, drive: drive, output: output}
}

func (r *Roller) Name() string { return r.name }

// Actuator names the actuator the roller drives.
func (r *Roller) Actuator() string { return r.drive.Name() }

func (r *Roller) Start(ctx context.Context) error {
	if err := r.drive.DriveOpenLoop(ctx, r.output); err != nil {
		return fmt.Errorf("start %s: %w", r.name, err)
	}
	r.active = true
	return nil
}

// Stop always leaves the roller inactive, even if the stop write is
// rejected.
func (r *Roller) Stop(ctx context.Context) error {
	r.active = false
	if err := r.drive.DriveOpenLoop(ctx, 0); err != nil {
		return fmt.Errorf("stop %s: %w", r.name, err)
	}
	return nil
}

func (r *Roller) IsActive() bool { return r.active }
