// Package scheduler runs the periodic control loop that drives actuators
// and maneuvers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gwillem/mechctl/pkg/actuator"
	"github.com/gwillem/mechctl/pkg/maneuver"
)

// Updater is an actuator refreshed once per tick.
type Updater interface {
	Name() string
	Update(ctx context.Context) actuator.Reading
	Status() actuator.Status
}

// RunStatus is a telemetry view of a maneuver run.
type RunStatus struct {
	ID          uuid.UUID
	Name        string
	State       maneuver.State
	Step        int
	StepName    string
	StepTicks   int
	StepElapsed time.Duration
	Err         error
}

// Snapshot is the state of the loop after one tick.
type Snapshot struct {
	Tick      uint64
	Timestamp time.Time
	Actuators []actuator.Status
	Runs      []RunStatus
}

// Run returns the status of the run with the given ID.
func (s Snapshot) Run(id uuid.UUID) (RunStatus, bool) {
	for _, r := range s.Runs {
		if r.ID == id {
			return r, true
		}
	}
	return RunStatus{}, false
}

// Config holds configuration for the loop.
type Config struct {
	Hz int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(l *zap.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// WithPhysics registers a hook called at the start of every tick with the
// tick period, before sensors are read. Simulated hardware uses it to
// advance its model.
func WithPhysics(step func(dt time.Duration)) Option {
	return func(lp *Loop) { lp.physics = step }
}

// Loop ticks a fixed set of actuators and any number of maneuver runs.
// Within a tick every actuator is refreshed before any run advances, so all
// completion checks see the same sensor data.
type Loop struct {
	actuators []Updater
	hz        int
	log       *zap.Logger
	physics   func(dt time.Duration)

	mu      sync.Mutex
	runs    []*maneuver.Run
	running bool
	ticks   uint64
	stateCh chan Snapshot
}

// New creates a loop over actuators.
func New(cfg Config, actuators []Updater, opts ...Option) *Loop {
	if cfg.Hz <= 0 {
		cfg.Hz = 50
	}
	l := &Loop{
		actuators: actuators,
		hz:        cfg.Hz,
		log:       zap.NewNop(),
		stateCh:   make(chan Snapshot, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Hz returns the control frequency.
func (l *Loop) Hz() int {
	return l.hz
}

// Period returns the tick period.
func (l *Loop) Period() time.Duration {
	return time.Second / time.Duration(l.hz)
}

// Snapshots returns a channel that receives the latest snapshot from Run.
// Older snapshots are dropped if the reader falls behind.
func (l *Loop) Snapshots() <-chan Snapshot {
	return l.stateCh
}

// Start schedules run from the next tick. Callers must not start two runs
// that drive the same actuator; an overlap is logged but not prevented.
func (l *Loop) Start(run *maneuver.Run) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mine := run.Template().Actuators()
	for _, other := range l.runs {
		for _, a := range other.Template().Actuators() {
			for _, b := range mine {
				if a == b {
					l.log.Warn("maneuvers share an actuator",
						zap.String("actuator", a),
						zap.String("running", other.Name()),
						zap.String("starting", run.Name()),
					)
				}
			}
		}
	}
	l.runs = append(l.runs, run)
	l.log.Info("maneuver scheduled", zap.String("maneuver", run.Name()), zap.Stringer("run", run.ID()))
}

// Cancel cancels the run with the given ID. It reports whether the run was
// active.
func (l *Loop) Cancel(ctx context.Context, id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.runs {
		if r.ID() == id {
			r.Cancel(ctx)
			return true
		}
	}
	return false
}

// CancelAll cancels every active run.
func (l *Loop) CancelAll(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.runs {
		r.Cancel(ctx)
	}
}

// Active returns the number of runs that have not reached a terminal state.
func (l *Loop) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// Tick performs one control period: physics hook, sensor refresh of every
// actuator, one step of every run, then removal of terminal runs. The
// returned snapshot still includes runs that ended during this tick.
func (l *Loop) Tick(ctx context.Context) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.physics != nil {
		l.physics(l.Period())
	}
	for _, a := range l.actuators {
		a.Update(ctx)
	}

	snap := Snapshot{
		Tick:      l.ticks,
		Timestamp: time.Now(),
		Actuators: make([]actuator.Status, 0, len(l.actuators)),
		Runs:      make([]RunStatus, 0, len(l.runs)),
	}

	active := l.runs[:0]
	for _, r := range l.runs {
		r.Tick(ctx)
		snap.Runs = append(snap.Runs, statusOf(r))
		if !r.State().Terminal() {
			active = append(active, r)
		}
	}
	for i := len(active); i < len(l.runs); i++ {
		l.runs[i] = nil
	}
	l.runs = active

	for _, a := range l.actuators {
		snap.Actuators = append(snap.Actuators, a.Status())
	}
	l.ticks++
	return snap
}

// Run ticks the loop at the configured rate until ctx is done. Active runs
// are cancelled on the way out.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("already running")
	}
	l.running = true
	l.mu.Unlock()

	l.log.Info("control loop started", zap.Int("hz", l.hz), zap.Int("actuators", len(l.actuators)))

	ticker := time.NewTicker(l.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-ticker.C:
			l.sendState(l.Tick(ctx))
		}
	}
}

func (l *Loop) sendState(s Snapshot) {
	select {
	case l.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-l.stateCh:
		default:
		}
		l.stateCh <- s
	}
}

func (l *Loop) shutdown() {
	l.CancelAll(context.Background())

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.log.Info("control loop stopped")
}

func statusOf(r *maneuver.Run) RunStatus {
	return RunStatus{
		ID:          r.ID(),
		Name:        r.Name(),
		State:       r.State(),
		Step:        r.StepIndex(),
		StepName:    r.StepName(),
		StepTicks:   r.StepTicks(),
		StepElapsed: r.StepElapsed(),
		Err:         r.Err(),
	}
}
