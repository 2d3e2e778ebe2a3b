// Package maneuver sequences actuator moves and end-effector actions into a
// single cancellable unit.
//
// A Template is a reusable, ordered list of steps. Each call to Instantiate
// returns a Run that the host scheduler advances with Tick, once per control
// period, after the actuators have refreshed their sensors. Waiting is never
// a blocking call: a run simply stays on the same step across ticks.
package maneuver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTimedOut is reported by Run.Err when the overall maneuver timeout
// elapsed.
var ErrTimedOut = errors.New("maneuver timed out")

// State is the lifecycle state of a Run.
type State int

const (
	NotStarted State = iota
	Running
	Finished
	Cancelled
	TimedOut
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further ticks can change the run.
func (s State) Terminal() bool {
	return s == Finished || s == Cancelled || s == TimedOut
}

// Outcome records how a step ended.
type Outcome int

const (
	Completed Outcome = iota // completion predicate held
	Expired                  // step timeout elapsed first
	Aborted                  // run was cancelled or timed out
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Expired:
		return "expired"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StepResult describes a finished step.
type StepResult struct {
	Index   int
	Name    string
	Outcome Outcome
	Ticks   int
	Elapsed time.Duration
}

// Option configures a Template.
type Option func(*Template)

// WithTimeout bounds the whole maneuver.
func WithTimeout(d time.Duration) Option {
	return func(t *Template) { t.timeout = d }
}

// WithClock replaces time.Now for step and maneuver timeouts.
func WithClock(now func() time.Time) Option {
	return func(t *Template) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLevel sets the level Instantiate binds leveled steps to.
func WithLevel(level string) Option {
	return func(t *Template) { t.level = level }
}

// WithLogger sets the logger used by runs.
func WithLogger(l *zap.Logger) Option {
	return func(t *Template) {
		if l != nil {
			t.log = l
		}
	}
}

// Template is an immutable maneuver definition.
type Template struct {
	name    string
	steps   []Step
	level   string
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// New returns a template running steps in order.
func New(name string, steps []Step, opts ...Option) *Template {
	t := &Template{
		name:  name,
		steps: append([]Step(nil), steps...),
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Template) Name() string           { return t.name }
func (t *Template) Len() int               { return len(t.steps) }
func (t *Template) Timeout() time.Duration { return t.timeout }
func (t *Template) Level() string          { return t.level }

// StepNames lists the steps in order.
func (t *Template) StepNames() []string {
	names := make([]string, len(t.steps))
	for i, s := range t.steps {
		names[i] = s.Name()
	}
	return names
}

// Actuators lists the actuators driven by move steps and by actions that
// report their actuator, without duplicates.
func (t *Template) Actuators() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range t.steps {
		d, ok := s.(interface{ Actuators() []string })
		if !ok {
			continue
		}
		for _, name := range d.Actuators() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// Instantiate returns a new run in the NotStarted state at the template's
// default level. A leveled step without a position for that level fails
// when it is activated.
func (t *Template) Instantiate() *Run {
	steps := append([]Step(nil), t.steps...)
	if t.level != "" {
		for i, s := range steps {
			if l, ok := s.(Leveled); ok {
				if bound, err := l.AtLevel(t.level); err == nil {
					steps[i] = bound
				}
			}
		}
	}
	return t.newRun(t.level, steps)
}

// InstantiateAt returns a new run whose leveled steps drive to level. It
// fails if any leveled step has no position for level.
func (t *Template) InstantiateAt(level string) (*Run, error) {
	steps := append([]Step(nil), t.steps...)
	for i, s := range steps {
		l, ok := s.(Leveled)
		if !ok {
			continue
		}
		bound, err := l.AtLevel(level)
		if err != nil {
			return nil, fmt.Errorf("maneuver %s step %d: %w", t.name, i, err)
		}
		steps[i] = bound
	}
	return t.newRun(level, steps), nil
}

func (t *Template) newRun(level string, steps []Step) *Run {
	id := uuid.New()
	log := t.log.With(zap.String("maneuver", t.name), zap.String("run", id.String()))
	if level != "" {
		log = log.With(zap.String("level", level))
	}
	return &Run{
		id:    id,
		tmpl:  t,
		level: level,
		steps: steps,
		log:   log,
	}
}

// Run is a running instance of a Template. It is driven by a single
// goroutine and is not safe for concurrent use.
type Run struct {
	id    uuid.UUID
	tmpl  *Template
	level string
	steps []Step
	log   *zap.Logger

	state       State
	index       int
	started     time.Time
	stepStarted time.Time
	stepTicks   int
	stepErr     error
	err         error
	results     []StepResult
}

func (r *Run) ID() uuid.UUID       { return r.id }
func (r *Run) Name() string        { return r.tmpl.name }
func (r *Run) Template() *Template { return r.tmpl }
func (r *Run) State() State        { return r.state }
func (r *Run) Level() string       { return r.level }

// IsFinished reports whether every step completed. It stays false for
// cancelled and timed-out runs.
func (r *Run) IsFinished() bool { return r.state == Finished }

// StepIndex returns the current step, or -1 before the first tick.
func (r *Run) StepIndex() int {
	if r.state == NotStarted {
		return -1
	}
	return r.index
}

// StepName returns the current step's name, or "" before the first tick.
func (r *Run) StepName() string {
	if r.state == NotStarted || r.index >= len(r.steps) {
		return ""
	}
	return r.steps[r.index].Name()
}

// StepElapsed is how long the current step has been active. It is zero
// unless the run is Running.
func (r *Run) StepElapsed() time.Duration {
	if r.state != Running {
		return 0
	}
	return r.tmpl.now().Sub(r.stepStarted)
}

// StepTicks counts the ticks the current step has been polled.
func (r *Run) StepTicks() int {
	return r.stepTicks
}

// Err returns the activation error of the current step, or ErrTimedOut.
// A step whose activation failed never completes and only moves on if its
// own timeout elapses.
func (r *Run) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.stepErr
}

// Results returns the steps that have ended so far.
func (r *Run) Results() []StepResult {
	return append([]StepResult(nil), r.results...)
}

// Tick advances the run by at most one transition and returns the new
// state. The first tick activates step 0. Ticks on a terminal run do
// nothing.
func (r *Run) Tick(ctx context.Context) State {
	now := r.tmpl.now()

	switch r.state {
	case NotStarted:
		r.started = now
		if len(r.steps) == 0 {
			r.state = Finished
			r.log.Info("maneuver finished", zap.Int("steps", 0))
			return r.state
		}
		r.state = Running
		r.log.Info("maneuver started", zap.Int("steps", len(r.steps)))
		r.activate(ctx, 0, now)
		return r.state
	case Running:
	default:
		return r.state
	}

	if r.tmpl.timeout > 0 && now.Sub(r.started) >= r.tmpl.timeout {
		r.err = ErrTimedOut
		r.abort(ctx, TimedOut, now)
		r.log.Warn("maneuver timed out",
			zap.Duration("timeout", r.tmpl.timeout),
			zap.Int("step", r.index),
			zap.String("step_name", r.StepName()),
		)
		return r.state
	}

	step := r.steps[r.index]
	r.stepTicks++

	done := false
	if r.stepErr == nil {
		if h, ok := step.(Holder); ok {
			if err := h.Hold(ctx); err != nil {
				r.log.Warn("hold failed", zap.String("step", step.Name()), zap.Error(err))
			}
		}
		done = step.Poll(ctx)
	}

	outcome := Completed
	if !done && step.Timeout() > 0 && now.Sub(r.stepStarted) >= step.Timeout() {
		done, outcome = true, Expired
	}
	if !done {
		return r.state
	}

	r.end(ctx, step, outcome, now)
	if r.index+1 == len(r.steps) {
		r.state = Finished
		r.log.Info("maneuver finished", zap.Duration("elapsed", now.Sub(r.started)))
		return r.state
	}
	r.activate(ctx, r.index+1, now)
	return r.state
}

// Cancel stops the run. The active step is deactivated, so a running
// action stops, but actuators keep their last reference. Cancelling a
// terminal run does nothing.
func (r *Run) Cancel(ctx context.Context) {
	switch r.state {
	case NotStarted:
		r.state = Cancelled
	case Running:
		r.abort(ctx, Cancelled, r.tmpl.now())
	default:
		return
	}
	r.log.Info("maneuver cancelled", zap.Int("step", r.index))
}

func (r *Run) activate(ctx context.Context, i int, now time.Time) {
	r.index = i
	r.stepStarted = now
	r.stepTicks = 0
	r.stepErr = nil

	step := r.steps[i]
	if err := step.Activate(ctx); err != nil {
		r.stepErr = fmt.Errorf("step %d (%s): %w", i, step.Name(), err)
		r.log.Warn("step activation failed, stalling", zap.Int("step", i), zap.Error(err))
		return
	}
	r.log.Debug("step activated", zap.Int("step", i), zap.String("name", step.Name()))
}

func (r *Run) end(ctx context.Context, step Step, outcome Outcome, now time.Time) {
	if err := step.Deactivate(ctx); err != nil {
		r.log.Warn("step deactivation failed", zap.String("step", step.Name()), zap.Error(err))
	}
	r.results = append(r.results, StepResult{
		Index:   r.index,
		Name:    step.Name(),
		Outcome: outcome,
		Ticks:   r.stepTicks,
		Elapsed: now.Sub(r.stepStarted),
	})
	r.log.Debug("step ended", zap.Int("step", r.index), zap.Stringer("outcome", outcome))
}

func (r *Run) abort(ctx context.Context, state State, now time.Time) {
	r.end(ctx, r.steps[r.index], Aborted, now)
	r.state = state
}
