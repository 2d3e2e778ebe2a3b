package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gwillem/mechctl/pkg/actuator"
	"github.com/gwillem/mechctl/pkg/maneuver"
	"github.com/gwillem/mechctl/pkg/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingUpdater struct {
	name string
	log  *[]string
}

func (u *recordingUpdater) Name() string { return u.name }

func (u *recordingUpdater) Update(context.Context) actuator.Reading {
	*u.log = append(*u.log, "update "+u.name)
	return actuator.Reading{Valid: true}
}

func (u *recordingUpdater) Status() actuator.Status {
	return actuator.Status{Name: u.name}
}

func TestLoop_TickOrder(t *testing.T) {
	ctx := context.Background()
	var log []string
	loop := New(Config{Hz: 100}, []Updater{
		&recordingUpdater{name: "elevator", log: &log},
		&recordingUpdater{name: "wrist", log: &log},
	}, WithPhysics(func(dt time.Duration) {
		log = append(log, "physics "+dt.String())
	}))

	run := maneuver.New("probe", []maneuver.Step{
		maneuver.WaitUntil("probe", func() bool {
			log = append(log, "poll")
			return false
		}),
	}).Instantiate()
	loop.Start(run)

	loop.Tick(ctx)
	loop.Tick(ctx)

	assert.Equal(t, []string{
		"physics 10ms", "update elevator", "update wrist",
		"physics 10ms", "update elevator", "update wrist", "poll",
	}, log)
}

func TestLoop_PrunesTerminalRuns(t *testing.T) {
	ctx := context.Background()
	loop := New(Config{}, nil)
	assert.Equal(t, 50, loop.Hz())

	run := maneuver.New("quick", []maneuver.Step{maneuver.Delay(0)}).Instantiate()
	loop.Start(run)
	require.Equal(t, 1, loop.Active())

	snap := loop.Tick(ctx)
	rs, ok := snap.Run(run.ID())
	require.True(t, ok)
	assert.Equal(t, maneuver.Running, rs.State)
	assert.Equal(t, "wait 0s", rs.StepName)

	snap = loop.Tick(ctx)
	rs, _ = snap.Run(run.ID())
	assert.Equal(t, maneuver.Finished, rs.State)
	assert.Equal(t, 0, loop.Active())
	assert.Equal(t, uint64(1), snap.Tick)

	snap = loop.Tick(ctx)
	_, ok = snap.Run(run.ID())
	assert.False(t, ok)
}

func TestLoop_Cancel(t *testing.T) {
	ctx := context.Background()
	loop := New(Config{}, nil)
	run := maneuver.New("forever", []maneuver.Step{maneuver.WaitUntil("never", nil)}).Instantiate()
	loop.Start(run)
	loop.Tick(ctx)

	assert.True(t, loop.Cancel(ctx, run.ID()))
	assert.Equal(t, maneuver.Cancelled, run.State())

	loop.Tick(ctx)
	assert.False(t, loop.Cancel(ctx, run.ID()))
}

func TestLoop_DrivesSimulatedActuator(t *testing.T) {
	ctx := context.Background()
	motor := sim.NewMotor(20, 5)
	elevator, err := actuator.New(ctx, actuator.Config{Name: "elevator"}, actuator.Hardware{
		Primary: motor,
		Sensors: []actuator.Sensor{sim.NewEncoder(motor, 0)},
	})
	require.NoError(t, err)

	loop := New(Config{Hz: 50}, []Updater{elevator}, WithPhysics(motor.Step))
	run := maneuver.New("raise", []maneuver.Step{maneuver.MoveTo(elevator, 7, 0.5)}).Instantiate()
	loop.Start(run)

	var snap Snapshot
	for i := 0; i < 200 && !run.State().Terminal(); i++ {
		snap = loop.Tick(ctx)
	}
	require.True(t, run.IsFinished())
	require.Len(t, snap.Actuators, 1)
	assert.Equal(t, "elevator", snap.Actuators[0].Name)
	assert.InDelta(t, 7, snap.Actuators[0].Position, 0.5)
}

func TestLoop_RunPublishesSnapshotsAndCancelsOnExit(t *testing.T) {
	loop := New(Config{Hz: 200}, nil)
	run := maneuver.New("forever", []maneuver.Step{maneuver.WaitUntil("never", nil)}).Instantiate()
	loop.Start(run)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case snap := <-loop.Snapshots():
		assert.NotEmpty(t, snap.Runs)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, maneuver.Cancelled, run.State())
}

func TestLoop_RunTwice(t *testing.T) {
	loop := New(Config{Hz: 200}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		loop.mu.Lock()
		defer loop.mu.Unlock()
		return loop.running
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, loop.Run(ctx))

	cancel()
	<-done
}
