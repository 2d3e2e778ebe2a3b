package maneuver

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/mechctl/pkg/actuator"
	"github.com/gwillem/mechctl/pkg/effector"
	"github.com/gwillem/mechctl/pkg/sim"
)

type fakeClock struct {
	t time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type rig struct {
	motor   *sim.Motor
	encoder *sim.Encoder
	ctrl    *actuator.Controller
}

func newRig(t *testing.T, name string, cfg actuator.Config) *rig {
	t.Helper()
	cfg.Name = name
	m := sim.NewMotor(100, 5)
	e := sim.NewEncoder(m, 0)
	c, err := actuator.New(context.Background(), cfg, actuator.Hardware{
		Primary: m,
		Sensors: []actuator.Sensor{e},
	})
	require.NoError(t, err)
	return &rig{motor: m, encoder: e, ctrl: c}
}

// tick performs one scheduler period: refresh sensors, then advance.
func (r *rig) tick(ctx context.Context, run *Run, position float64) State {
	r.motor.Place(position, 0)
	r.ctrl.Update(ctx)
	return run.Tick(ctx)
}

func TestRun_TransitionsExactlyWhenWithinTolerance(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	elevator := newRig(t, "elevator", actuator.Config{})
	intake := &sim.Latch{}

	tmpl := New("score", []Step{
		MoveTo(elevator.ctrl, 5, 0.1),
		Perform("intake", intake, 3*time.Second),
	}, WithClock(clk.Now))
	run := tmpl.Instantiate()
	assert.Equal(t, NotStarted, run.State())
	assert.Equal(t, -1, run.StepIndex())

	for tick := 0; tick <= 9; tick++ {
		elevator.tick(ctx, run, float64(tick)*0.5)
		clk.Advance(20 * time.Millisecond)
		require.Equal(t, 0, run.StepIndex(), "tick %d", tick)
		require.Equal(t, 0, intake.Starts())
	}

	elevator.tick(ctx, run, 4.95)
	assert.Equal(t, 1, run.StepIndex())
	assert.Equal(t, Running, run.State())
	assert.Equal(t, 1, intake.Starts())
	assert.True(t, intake.IsActive())

	results := run.Results()
	require.Len(t, results, 1)
	assert.Equal(t, Completed, results[0].Outcome)
	assert.Equal(t, 10, results[0].Ticks)
}

func TestRun_ActionTimeoutIsNominalCompletion(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	intake := &sim.Latch{}
	run := New("intake", []Step{Perform("intake", intake, 3*time.Second)}, WithClock(clk.Now)).Instantiate()

	run.Tick(ctx)
	require.True(t, intake.IsActive())

	clk.Advance(2999 * time.Millisecond)
	assert.Equal(t, Running, run.Tick(ctx))
	assert.Equal(t, 2999*time.Millisecond, run.StepElapsed())

	clk.Advance(time.Millisecond)
	assert.Equal(t, Finished, run.Tick(ctx))
	assert.True(t, run.IsFinished())
	assert.NoError(t, run.Err())
	assert.False(t, intake.IsActive())
	assert.Equal(t, 1, intake.Stops())
	assert.Equal(t, Expired, run.Results()[0].Outcome)
}

func TestRun_ActionFinishingEarlyIsStillStopped(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	gripper := &sim.Latch{}
	run := New("grab", []Step{Perform("grip", gripper, 3*time.Second)}, WithClock(clk.Now)).Instantiate()

	run.Tick(ctx)
	clk.Advance(100 * time.Millisecond)
	gripper.Release()

	assert.Equal(t, Finished, run.Tick(ctx))
	assert.Equal(t, 1, gripper.Stops())
	assert.Equal(t, Completed, run.Results()[0].Outcome)
}

func TestRun_CancelStopsSetpoints(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	elevator := newRig(t, "elevator", actuator.Config{})
	intake := &sim.Latch{}

	run := New("score", []Step{
		MoveTo(elevator.ctrl, 100, 0.1).Holding(),
		Perform("intake", intake, time.Second),
	}, WithClock(clk.Now)).Instantiate()

	for tick := 0; tick < 5; tick++ {
		elevator.tick(ctx, run, 1)
	}
	writes := elevator.motor.Writes()
	require.Equal(t, 5, writes)

	run.Cancel(ctx)
	assert.Equal(t, Cancelled, run.State())

	for tick := 0; tick < 5; tick++ {
		assert.Equal(t, Cancelled, elevator.tick(ctx, run, 100))
	}
	assert.Equal(t, writes, elevator.motor.Writes())
	assert.False(t, run.IsFinished())
	assert.Equal(t, 0, intake.Starts())
	assert.Equal(t, actuator.Position{Target: 100}, elevator.ctrl.Command())
	assert.Equal(t, Aborted, run.Results()[0].Outcome)
}

func TestRun_CancelStopsActiveAction(t *testing.T) {
	ctx := context.Background()
	intake := &sim.Latch{}
	run := New("intake", []Step{Perform("intake", intake, 0)}).Instantiate()

	run.Tick(ctx)
	run.Cancel(ctx)
	assert.False(t, intake.IsActive())
	assert.Equal(t, Cancelled, run.State())

	run.Cancel(ctx)
	assert.Equal(t, 1, intake.Stops())
}

func TestRun_CancelBeforeStart(t *testing.T) {
	run := New("noop", []Step{Delay(time.Second)}).Instantiate()
	run.Cancel(context.Background())
	assert.Equal(t, Cancelled, run.Tick(context.Background()))
	assert.Empty(t, run.Results())
}

func TestRun_StallIsObservable(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	wrist := newRig(t, "wrist", actuator.Config{})
	run := New("tilt", []Step{MoveTo(wrist.ctrl, 10, 0.1)}, WithClock(clk.Now)).Instantiate()

	wrist.tick(ctx, run, 0)
	for tick := 0; tick < 50; tick++ {
		clk.Advance(100 * time.Millisecond)
		wrist.tick(ctx, run, 3)
	}
	assert.Equal(t, Running, run.State())
	assert.Equal(t, 0, run.StepIndex())
	assert.Equal(t, 50, run.StepTicks())
	assert.Equal(t, 5*time.Second, run.StepElapsed())
	assert.NoError(t, run.Err())
}

func TestRun_DegradedActuatorNeverCompletes(t *testing.T) {
	ctx := context.Background()
	wrist := newRig(t, "wrist", actuator.Config{})
	run := New("tilt", []Step{MoveTo(wrist.ctrl, 10, 0.5)}).Instantiate()

	wrist.tick(ctx, run, 10)
	wrist.encoder.Fail(assert.AnError)
	for i := 0; i < 10; i++ {
		assert.Equal(t, Running, wrist.tick(ctx, run, 10))
	}

	wrist.encoder.Fail(nil)
	assert.Equal(t, Finished, wrist.tick(ctx, run, 10))
}

func TestRun_MoveTimeoutAdvances(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	wrist := newRig(t, "wrist", actuator.Config{})
	run := New("tilt", []Step{
		MoveTo(wrist.ctrl, 10, 0.1).WithTimeout(time.Second),
		Delay(0),
	}, WithClock(clk.Now)).Instantiate()

	wrist.tick(ctx, run, 0)
	clk.Advance(time.Second)
	wrist.tick(ctx, run, 0)
	assert.Equal(t, 1, run.StepIndex())
	assert.Equal(t, Expired, run.Results()[0].Outcome)
}

func TestRun_RejectedSetpointStalls(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	elevator := newRig(t, "elevator", actuator.Config{MinPosition: 0, MaxPosition: 180})
	require.NoError(t, elevator.ctrl.SetPositionTarget(ctx, 50))

	run := New("overreach", []Step{
		MoveTo(elevator.ctrl, 200, 1).WithTimeout(2 * time.Second),
	}, WithClock(clk.Now)).Instantiate()

	// Sitting on the old reference must not count as arriving at the new one.
	elevator.tick(ctx, run, 50)
	require.ErrorIs(t, run.Err(), actuator.ErrInvalidCommand)
	for i := 0; i < 5; i++ {
		clk.Advance(100 * time.Millisecond)
		assert.Equal(t, Running, elevator.tick(ctx, run, 50))
	}

	clk.Advance(2 * time.Second)
	assert.Equal(t, Finished, elevator.tick(ctx, run, 50))
	assert.Equal(t, Expired, run.Results()[0].Outcome)
}

func TestRun_OverallTimeout(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	intake := &sim.Latch{}
	run := New("slow", []Step{
		Perform("intake", intake, 0),
	}, WithClock(clk.Now), WithTimeout(5*time.Second)).Instantiate()

	run.Tick(ctx)
	clk.Advance(4 * time.Second)
	assert.Equal(t, Running, run.Tick(ctx))

	clk.Advance(time.Second)
	assert.Equal(t, TimedOut, run.Tick(ctx))
	assert.ErrorIs(t, run.Err(), ErrTimedOut)
	assert.False(t, run.IsFinished())
	assert.False(t, intake.IsActive())
	assert.Zero(t, run.StepElapsed())
}

func TestRun_HoldingReissuesReference(t *testing.T) {
	ctx := context.Background()
	held := newRig(t, "held", actuator.Config{})
	once := newRig(t, "once", actuator.Config{})

	r1 := New("held", []Step{MoveTo(held.ctrl, 3, 0.1).Holding()}).Instantiate()
	r2 := New("once", []Step{MoveTo(once.ctrl, 3, 0.1)}).Instantiate()
	for i := 0; i < 4; i++ {
		held.tick(ctx, r1, 0)
		once.tick(ctx, r2, 0)
	}
	assert.Equal(t, 4, held.motor.Writes())
	assert.Equal(t, 1, once.motor.Writes())
}

func TestRun_VelocityStep(t *testing.T) {
	ctx := context.Background()
	shooter := newRig(t, "shooter", actuator.Config{})
	run := New("spin up", []Step{SpinAt(shooter.ctrl, 40, 2)}).Instantiate()

	run.Tick(ctx)
	assert.Equal(t, actuator.Velocity{Target: 40}, shooter.ctrl.Command())

	shooter.motor.Place(0, 35)
	shooter.ctrl.Update(ctx)
	assert.Equal(t, Running, run.Tick(ctx))

	shooter.motor.Place(0, 39)
	shooter.ctrl.Update(ctx)
	assert.Equal(t, Finished, run.Tick(ctx))
}

func TestRun_WaitUntil(t *testing.T) {
	ctx := context.Background()
	ready := false
	run := New("wait", []Step{WaitUntil("ready", func() bool { return ready })}).Instantiate()

	run.Tick(ctx)
	assert.Equal(t, Running, run.Tick(ctx))
	ready = true
	assert.Equal(t, Finished, run.Tick(ctx))

	never := New("never", []Step{WaitUntil("nil", nil)}).Instantiate()
	never.Tick(ctx)
	assert.Equal(t, Running, never.Tick(ctx))
}

func TestRun_OneTransitionPerTick(t *testing.T) {
	ctx := context.Background()
	run := New("instant", []Step{
		WaitUntil("a", func() bool { return true }),
		WaitUntil("b", func() bool { return true }),
		WaitUntil("c", func() bool { return true }),
	}).Instantiate()

	var states []State
	var steps []int
	for i := 0; i < 4; i++ {
		states = append(states, run.Tick(ctx))
		steps = append(steps, run.StepIndex())
	}
	assert.Equal(t, []State{Running, Running, Running, Finished}, states)
	assert.Equal(t, []int{0, 1, 2, 2}, steps)
}

func TestRun_EmptyTemplate(t *testing.T) {
	run := New("empty", nil).Instantiate()
	assert.Equal(t, Finished, run.Tick(context.Background()))
	assert.True(t, run.IsFinished())
}

func TestTemplate_IntakePositions(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	elevator := newRig(t, "elevator", actuator.Config{})
	wrist := newRig(t, "wrist", actuator.Config{})
	intake := &sim.Latch{}

	tmpl := New("intake position", []Step{
		MoveTo(elevator.ctrl, 0.5, 0.2),
		MoveTo(wrist.ctrl, 0.5, 0.2),
		Perform("intake", intake, 3*time.Second),
	}, WithClock(clk.Now))
	assert.Equal(t, []string{"elevator", "wrist"}, tmpl.Actuators())
	assert.Equal(t, []string{"elevator position 0.5", "wrist position 0.5", "intake"}, tmpl.StepNames())

	a, b := tmpl.Instantiate(), tmpl.Instantiate()
	assert.NotEqual(t, a.ID(), b.ID())

	step := func() {
		elevator.motor.Place(0.5, 0)
		wrist.motor.Place(0.5, 0)
		elevator.ctrl.Update(ctx)
		wrist.ctrl.Update(ctx)
		a.Tick(ctx)
		clk.Advance(time.Second)
	}
	for i := 0; i < 8 && !a.State().Terminal(); i++ {
		step()
	}
	require.True(t, a.IsFinished())
	assert.Equal(t, NotStarted, b.State())

	want := []StepResult{
		{Index: 0, Name: "elevator position 0.5", Outcome: Completed, Ticks: 1, Elapsed: time.Second},
		{Index: 1, Name: "wrist position 0.5", Outcome: Completed, Ticks: 1, Elapsed: time.Second},
		{Index: 2, Name: "intake", Outcome: Expired, Ticks: 3, Elapsed: 3 * time.Second},
	}
	if diff := cmp.Diff(want, a.Results()); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestTemplate_InstantiateAtLevels(t *testing.T) {
	ctx := context.Background()
	elevator := newRig(t, "elevator", actuator.Config{MinPosition: 0, MaxPosition: 180})
	levels := Levels{"intake": 0.5, "l1": 7, "l4": 173}

	tmpl := New("score", []Step{MoveToLevel(elevator.ctrl, levels, 1)}, WithLevel("l1"))
	assert.Equal(t, "l1", tmpl.Level())
	assert.Equal(t, []string{"elevator position by level"}, tmpl.StepNames())

	low, err := tmpl.InstantiateAt("intake")
	require.NoError(t, err)
	high, err := tmpl.InstantiateAt("l4")
	require.NoError(t, err)
	assert.Equal(t, "l4", high.Level())

	low.Tick(ctx)
	st := elevator.ctrl.Status()
	require.True(t, st.HasReference)
	assert.Equal(t, 0.5, st.Reference)
	assert.Equal(t, "elevator position 0.5 (intake)", low.StepName())

	high.Tick(ctx)
	assert.Equal(t, 173.0, elevator.ctrl.Status().Reference)
	assert.Equal(t, "elevator position 173 (l4)", high.StepName())

	// The default level binds plain Instantiate.
	def := tmpl.Instantiate()
	def.Tick(ctx)
	assert.Equal(t, 7.0, elevator.ctrl.Status().Reference)
	assert.NoError(t, def.Err())

	_, err = tmpl.InstantiateAt("l9")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}

func TestTemplate_UnboundLevelStalls(t *testing.T) {
	ctx := context.Background()
	elevator := newRig(t, "elevator", actuator.Config{})

	run := New("score", []Step{MoveToLevel(elevator.ctrl, Levels{"l1": 7}, 1)}).Instantiate()
	assert.Equal(t, Running, run.Tick(ctx))
	assert.ErrorIs(t, run.Err(), ErrUnknownLevel)
	assert.Equal(t, actuator.ModeIdle, elevator.ctrl.Mode())
}

func TestTemplate_ActuatorsIncludeActions(t *testing.T) {
	elevator := newRig(t, "elevator", actuator.Config{})
	intake := newRig(t, "intake", actuator.Config{})

	tmpl := New("pickup", []Step{
		MoveTo(elevator.ctrl, 1, 0.1),
		Perform("roll-in", effector.NewRoller("roll-in", intake.ctrl, 0.6), time.Second),
		Perform("latch", &sim.Latch{}, time.Second),
		MoveTo(elevator.ctrl, 0, 0.1),
	})
	assert.Equal(t, []string{"elevator", "intake"}, tmpl.Actuators())
}
