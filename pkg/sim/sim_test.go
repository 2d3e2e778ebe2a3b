package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/mechctl/pkg/actuator"
)

func TestMotor_PositionApproach(t *testing.T) {
	ctx := context.Background()
	m := NewMotor(10, 5)
	require.NoError(t, m.WriteReference(ctx, 4, actuator.ModePosition))

	for i := 0; i < 200; i++ {
		m.Step(10 * time.Millisecond)
		assert.LessOrEqual(t, m.Velocity(), 10.0)
	}
	assert.InDelta(t, 4, m.Position(), 1e-3)
}

func TestMotor_OpenLoop(t *testing.T) {
	ctx := context.Background()
	m := NewMotor(10, 5)

	require.NoError(t, m.WriteDutyCycle(ctx, 0.5))
	m.Step(time.Second)
	assert.InDelta(t, 5, m.Position(), 1e-9)

	require.NoError(t, m.WriteVoltage(ctx, -6))
	m.Step(time.Second)
	assert.InDelta(t, 0, m.Position(), 1e-9)

	assert.ErrorIs(t, m.WriteReference(ctx, 1, actuator.ModeVoltage), actuator.ErrUnsupported)
}

func TestMotor_FollowerMirrors(t *testing.T) {
	ctx := context.Background()
	leader, follower := NewMotor(10, 5), NewMotor(10, 5)
	require.NoError(t, follower.Follow(ctx, leader))
	assert.Same(t, leader, follower.Leader())

	require.NoError(t, leader.WriteReference(ctx, 3, actuator.ModeVelocity))
	assert.Equal(t, actuator.ModeVelocity, follower.Mode())
	assert.Equal(t, 3.0, follower.Reference())
	assert.Equal(t, 0, follower.Writes())

	assert.Error(t, leader.Follow(ctx, leader))
}

func TestMotor_OutputLimits(t *testing.T) {
	ctx := context.Background()
	leader, follower := NewMotor(10, 100), NewMotor(10, 100)
	require.NoError(t, follower.Follow(ctx, leader))
	require.NoError(t, leader.SetOutputLimits(ctx, -0.2, 1))
	leader.Place(5, 0)
	follower.Place(5, 0)

	// Driving down is capped at a fifth of the free speed.
	require.NoError(t, leader.WriteReference(ctx, 0, actuator.ModePosition))
	leader.Step(100 * time.Millisecond)
	follower.Step(100 * time.Millisecond)
	assert.InDelta(t, -2, leader.Velocity(), 1e-9)
	assert.InDelta(t, -2, follower.Velocity(), 1e-9)

	require.NoError(t, leader.WriteReference(ctx, 20, actuator.ModeVelocity))
	leader.Step(100 * time.Millisecond)
	assert.InDelta(t, 10, leader.Velocity(), 1e-9)

	assert.Error(t, leader.SetOutputLimits(ctx, 1, -1))
}

func TestMotor_Fault(t *testing.T) {
	m := NewMotor(1, 1)
	boom := errors.New("boom")
	m.Fail(boom)
	assert.ErrorIs(t, m.WriteDutyCycle(context.Background(), 1), boom)
	assert.Equal(t, 0, m.Writes())
}

func TestEncoder(t *testing.T) {
	ctx := context.Background()
	m := NewMotor(1, 1)
	m.Place(2, 0.5)
	e := NewEncoder(m, 0.25)

	p, err := e.ReadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.25, p)

	require.NoError(t, e.ResetPosition(ctx, 10))
	p, _ = e.ReadPosition(ctx)
	assert.Equal(t, 10.0, p)

	v, _ := e.ReadVelocity(ctx)
	assert.Equal(t, 0.5, v)

	e.Fail(errors.New("unplugged"))
	_, err = e.ReadPosition(ctx)
	assert.Error(t, err)
}

func TestController_WithSimulatedElevator(t *testing.T) {
	ctx := context.Background()
	left, right := NewMotor(50, 4), NewMotor(50, 4)
	ctrl, err := actuator.New(ctx, actuator.Config{Name: "elevator"}, actuator.Hardware{
		Primary:   left,
		Followers: []actuator.Follower{right},
		Sensors:   []actuator.Sensor{NewEncoder(left, 0), NewEncoder(right, 0)},
	})
	require.NoError(t, err)

	var w World
	w.Add(left, right)
	require.NoError(t, ctrl.SetPositionTarget(ctx, 20))

	arrived := -1
	for tick := 0; tick < 500 && arrived < 0; tick++ {
		w.Step(20 * time.Millisecond)
		ctrl.Update(ctx)
		if ctrl.AtTarget(0.5) {
			arrived = tick
		}
	}
	require.GreaterOrEqual(t, arrived, 0, "elevator never arrived")
	assert.InDelta(t, left.Position(), right.Position(), 1e-9)
}

func TestController_SetsSimOutputLimits(t *testing.T) {
	ctx := context.Background()
	m := NewMotor(10, 100)
	ctrl, err := actuator.New(ctx, actuator.Config{Name: "elevator", MinOutput: -0.2, MaxOutput: 1},
		actuator.Hardware{Primary: m, Sensors: []actuator.Sensor{NewEncoder(m, 0)}})
	require.NoError(t, err)

	m.Place(5, 0)
	require.NoError(t, ctrl.SetPositionTarget(ctx, 0))
	m.Step(time.Second)
	assert.InDelta(t, 3, m.Position(), 1e-9)
}

func TestLatch(t *testing.T) {
	ctx := context.Background()
	var l Latch
	require.NoError(t, l.Start(ctx))
	assert.True(t, l.IsActive())
	l.Release()
	assert.False(t, l.IsActive())
	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, 1, l.Starts())
	assert.Equal(t, 1, l.Stops())
}
