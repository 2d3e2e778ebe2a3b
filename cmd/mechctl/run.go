package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/mechctl/pkg/maneuver"
	"github.com/gwillem/mechctl/pkg/robot"
	"github.com/gwillem/mechctl/pkg/scheduler"
)

type RunCommand struct {
	Hz      int    `long:"hz" description:"Control loop frequency (default from config)"`
	Level   string `short:"l" long:"level" description:"Level for leveled moves (default from the maneuver)"`
	Plain   bool   `long:"plain" description:"Print step transitions instead of the live view"`
	Release bool   `long:"release" description:"Idle every actuator afterwards instead of holding the last reference"`

	Args struct {
		Maneuver string `positional-arg-name:"maneuver" required:"yes"`
	} `positional-args:"yes"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Actuator colors, assigned in configuration order
var actuatorColors = []string{"196", "208", "226", "46", "51", "201", "99", "255"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	faultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (c *RunCommand) Execute(args []string) error {
	cfg, err := loadRobotConfig()
	if err != nil {
		return err
	}
	if c.Hz > 0 {
		cfg.Hz = c.Hz
	}

	var lines logLines
	var log *zap.Logger
	if c.Plain {
		log, err = stderrLogger()
	} else {
		lines = make(logLines, 64)
		log, err = newLogger(environ, opts.Verbose, lines)
	}
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r, err := robot.Build(ctx, cfg, robot.WithLogger(log))
	if err != nil {
		return err
	}
	defer r.Close()

	tmpl, ok := r.Maneuver(c.Args.Maneuver)
	if !ok {
		return fmt.Errorf("unknown maneuver %q (have: %s)", c.Args.Maneuver, strings.Join(r.Maneuvers(), ", "))
	}

	loopOpts := []scheduler.Option{scheduler.WithLogger(log)}
	if r.Simulated() {
		loopOpts = append(loopOpts, scheduler.WithPhysics(r.Simulate))
	}
	loop := scheduler.New(scheduler.Config{Hz: cfg.Hz}, r.Updaters(), loopOpts...)
	level := c.Level
	if level == "" {
		level = tmpl.Level()
	}
	run, err := tmpl.InstantiateAt(level)
	if err != nil {
		return err
	}
	loop.Start(run)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(loopCtx)
	}()

	if c.Plain {
		watchPlain(ctx, loop, run)
	} else {
		p := tea.NewProgram(newRunModel(cfg, loop, run, lines), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			log.Error("live view failed", zap.Error(err))
		}
	}

	// Stopping the loop cancels the run if it is still going.
	cancel()
	if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := settle(context.Background(), r, c.Release); err != nil {
		log.Warn("stop failed", zap.Error(err))
	}

	printSummary(run)
	if run.State() != maneuver.Finished {
		return fmt.Errorf("maneuver %s ended %s", run.Name(), run.State())
	}
	return nil
}

// settle leaves actuators holding their last reference unless release is
// set, in which case everything is idled. Feetech servos go limp when
// idled.
func settle(ctx context.Context, r *robot.Robot, release bool) error {
	if !release {
		return nil
	}
	return r.Stop(ctx)
}

// watchPlain prints a line per step transition until the run leaves the
// loop or ctx is done.
func watchPlain(ctx context.Context, loop *scheduler.Loop, run *maneuver.Run) {
	if run.Level() != "" {
		fmt.Printf("Running %s at level %s, %d Hz\n", run.Name(), run.Level(), loop.Hz())
	} else {
		fmt.Printf("Running %s at %d Hz\n", run.Name(), loop.Hz())
	}
	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-loop.Snapshots():
			rs, ok := snap.Run(run.ID())
			if !ok {
				return
			}
			if rs.Step != last && rs.Step >= 0 {
				fmt.Printf("  [%d] %s\n", rs.Step, rs.StepName)
				last = rs.Step
			}
			if rs.State.Terminal() {
				return
			}
		}
	}
}

func printSummary(run *maneuver.Run) {
	rows := make([][]string, 0, len(run.Results()))
	for _, res := range run.Results() {
		rows = append(rows, []string{
			fmt.Sprint(res.Index),
			res.Name,
			res.Outcome.String(),
			fmt.Sprint(res.Ticks),
			res.Elapsed.Round(time.Millisecond).String(),
		})
	}
	fmt.Println(renderTable([]string{"#", "Step", "Outcome", "Ticks", "Elapsed"}, rows))

	line := fmt.Sprintf("%s: %s", run.Name(), run.State())
	if err := run.Err(); err != nil {
		line += " (" + err.Error() + ")"
	}
	if run.State() == maneuver.Finished {
		fmt.Println(successStyle.Render(line))
	} else {
		fmt.Println(faultStyle.Render(line))
	}
}

type runModel struct {
	loop      *scheduler.Loop
	run       *maneuver.Run
	lines     logLines
	names     []string
	colors    map[string]string
	chart     *streamlinechart.Model
	width     int      // terminal width
	height    int      // terminal height
	logs      []string // last N log messages
	status    scheduler.RunStatus
	actuators string
	ended     bool
	quitting  bool
}

type snapshotMsg scheduler.Snapshot
type logMsg string

func waitForSnapshot(loop *scheduler.Loop) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(<-loop.Snapshots())
	}
}

func waitForLog(lines logLines) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-lines)
	}
}

func newRunModel(cfg *robot.Config, loop *scheduler.Loop, run *maneuver.Run, lines logLines) runModel {
	lo, hi := chartRange(cfg)
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(lo, hi),
	)

	m := runModel{
		loop:   loop,
		run:    run,
		lines:  lines,
		colors: make(map[string]string),
		chart:  &chart,
		status: scheduler.RunStatus{Step: -1},
	}
	for i, a := range cfg.Actuators {
		color := actuatorColors[i%len(actuatorColors)]
		m.names = append(m.names, a.Name)
		m.colors[a.Name] = color
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(color))
		chart.SetDataSetStyles(a.Name, runes.ThinLineStyle, style)
	}
	return m
}

// chartRange covers every actuator limit and move target in cfg.
func chartRange(cfg *robot.Config) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	see := func(v float64) {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	for _, a := range cfg.Actuators {
		if a.MaxPosition > a.MinPosition {
			see(a.MinPosition)
			see(a.MaxPosition)
		}
	}
	for _, m := range cfg.Maneuvers {
		for _, s := range m.Steps {
			if s.Move != "" {
				see(s.Target)
			}
		}
	}
	if math.IsInf(lo, 0) {
		return -1, 1
	}
	if hi-lo < 1e-9 {
		return lo - 1, hi + 1
	}
	pad := (hi - lo) * 0.1
	return lo - pad, hi + pad
}

func (m *runModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *runModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize - 1
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m runModel) Init() tea.Cmd {
	return tea.Batch(
		waitForSnapshot(m.loop),
		waitForLog(m.lines),
	)
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.ended {
				m.loop.Cancel(context.Background(), m.run.ID())
			}
			m.quitting = true
			return m, tea.Quit
		}

	case snapshotMsg:
		snap := scheduler.Snapshot(msg)
		var faults []string
		for _, a := range snap.Actuators {
			m.chart.PushDataSet(a.Name, a.Position)
			if a.Degraded {
				faults = append(faults, a.Name)
			}
		}
		m.chart.DrawAll()
		m.actuators = ""
		if len(faults) > 0 {
			m.actuators = "degraded: " + strings.Join(faults, ", ")
		}

		rs, ok := snap.Run(m.run.ID())
		if ok {
			m.status = rs
		}
		if !ok || rs.State.Terminal() {
			m.ended = true
			return m, nil
		}
		return m, waitForSnapshot(m.loop)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.lines)
	}

	return m, nil
}

func (m runModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("mechctl run " + m.run.Name()))
	sb.WriteString(fmt.Sprintf(" - %d Hz  ", m.loop.Hz()))
	switch {
	case m.ended:
		sb.WriteString(statusStyle.Render(fmt.Sprintf("%s, press 'q' to exit", m.status.State)))
	case m.status.Step >= 0:
		sb.WriteString(statusStyle.Render(fmt.Sprintf("step %d: %s (%s)",
			m.status.Step, m.status.StepName, m.status.StepElapsed.Round(10*time.Millisecond))))
	}
	if m.status.Err != nil {
		sb.WriteString("  " + faultStyle.Render(m.status.Err.Error()))
	}
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Legend
	sb.WriteString(m.renderLegend())
	if m.actuators != "" {
		sb.WriteString("  " + faultStyle.Render(m.actuators))
	}
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20))

	var body string
	if len(m.logs) == 0 {
		body = statusStyle.Render("Press 'q' to cancel")
	} else {
		body = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(body))
	sb.WriteString("\n")

	return sb.String()
}

func (m runModel) renderLegend() string {
	var items []string
	for _, name := range m.names {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(m.colors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+name)
	}
	return strings.Join(items, "  ")
}
