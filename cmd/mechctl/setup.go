package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/mechctl/pkg/robot"
	"github.com/gwillem/mechctl/pkg/servobus"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const (
	choiceNew  = "\x00new"
	choiceSkip = "\x00skip"
)

type SetupCommand struct {
	MaxID int `long:"max-id" default:"20" description:"Highest servo ID to scan for"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("mechctl setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━"))
	fmt.Println()

	// Step 1: find a bus with servos
	found := c.findBuses()
	if len(found) == 0 {
		return errors.New("no servos found; make sure the bus is connected and powered on")
	}
	defer func() {
		for _, f := range found {
			f.bus.Close()
		}
	}()

	port, err := choosePort(found)
	if err != nil {
		return err
	}
	var chosen busInfo
	for _, f := range found {
		if f.port == port {
			chosen = f
		}
	}

	cfg := &robot.Config{Hz: 50}
	if robot.ConfigExists(opts.Config) {
		if cfg, err = robot.LoadConfigFrom(opts.Config); err != nil {
			return err
		}
		fmt.Printf("Updating %s\n", opts.Config)
	}
	cfg.Bus.Port = port

	// Step 2: assign servos to actuators
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Assign servos ━━━"))
	fmt.Println()
	ctx := context.Background()
	var assigned []int
	for _, s := range chosen.servos {
		fmt.Printf("  Wiggling servo %d...\n", s.ID)
		if err := chosen.bus.Identify(ctx, s); err != nil {
			fmt.Printf("  %s\n", dimStyle.Render(err.Error()))
		}
		name, err := chooseActuator(cfg, s)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		assignServo(cfg, name, s.ID)
		assigned = append(assigned, s.ID)
	}
	if len(assigned) == 0 {
		fmt.Println("No servos assigned.")
		return nil
	}

	// Step 3: record range of motion
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Record range of motion ━━━"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println()
	ranges, err := recordRanges(ctx, chosen.bus, cfg, assigned)
	if err != nil {
		return err
	}
	applyRanges(cfg, ranges)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("resulting config is invalid: %w", err)
	}
	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Add maneuvers to the file, then start one with: " + headerStyle.Render("mechctl run <maneuver>"))
	return nil
}

type busInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *servobus.Bus
}

func (c *SetupCommand) findBuses() []busInfo {
	fmt.Println("Scanning serial ports...")
	fmt.Println()

	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var found []busInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, err := servobus.Open(servobus.Config{Port: port})
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		servos, err := bus.Scan(ctx, 1, c.MaxID)
		cancel()
		if err != nil || len(servos) == 0 {
			bus.Close()
			continue
		}

		fmt.Printf("  Found %d servo(s) on %s\n", len(servos), port)
		found = append(found, busInfo{port: port, servos: servos, bus: bus})
	}
	return found
}

func choosePort(found []busInfo) (string, error) {
	if len(found) == 1 {
		return found[0].port, nil
	}
	options := make([]huh.Option[string], 0, len(found))
	for _, f := range found {
		options = append(options, huh.NewOption(fmt.Sprintf("%s (%d servos)", f.port, len(f.servos)), f.port))
	}
	var port string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which bus drives the mechanism?").
				Options(options...).
				Value(&port),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return port, nil
}

// chooseActuator asks which actuator a servo belongs to. It returns "" to
// skip the servo.
func chooseActuator(cfg *robot.Config, s feetech.FoundServo) (string, error) {
	var options []huh.Option[string]
	for _, a := range cfg.Actuators {
		if a.Driver == robot.DriverFeetech {
			options = append(options, huh.NewOption(a.Name, a.Name))
		}
	}
	options = append(options,
		huh.NewOption("New actuator", choiceNew),
		huh.NewOption("Skip this servo", choiceSkip),
	)

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which actuator does servo %d drive?", s.ID)).
				Description("The servo that just wiggled. The first servo assigned to an actuator is its primary.").
				Options(options...).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}

	switch choice {
	case choiceSkip:
		return "", nil
	case choiceNew:
	default:
		return choice, nil
	}

	var name string
	input := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Actuator name").
				Value(&name).
				Validate(func(v string) error {
					v = strings.TrimSpace(v)
					if v == "" {
						return errors.New("name is required")
					}
					if _, ok := cfg.Actuator(v); ok {
						return fmt.Errorf("%s already exists", v)
					}
					return nil
				}),
		),
	)
	if err := input.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(name), nil
}

// assignServo moves servo id to the named actuator, creating it if needed.
func assignServo(cfg *robot.Config, name string, id int) {
	for i := range cfg.Actuators {
		a := &cfg.Actuators[i]
		kept := a.Servos[:0]
		for _, s := range a.Servos {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		a.Servos = kept
	}

	a, ok := cfg.Actuator(name)
	if !ok {
		cfg.Actuators = append(cfg.Actuators, robot.ActuatorConfig{Name: name, Driver: robot.DriverFeetech})
		a = &cfg.Actuators[len(cfg.Actuators)-1]
	}
	a.Servos = append(a.Servos, servobus.Calibration{ID: id})
}

type servoRange struct {
	cur, min, max int
}

func applyRanges(cfg *robot.Config, ranges map[int]servoRange) {
	for i := range cfg.Actuators {
		for j := range cfg.Actuators[i].Servos {
			cal := &cfg.Actuators[i].Servos[j]
			if r, ok := ranges[cal.ID]; ok {
				cal.RangeMin, cal.RangeMax, cal.HomingOffset = r.min, r.max, 0
			}
		}
	}
}

func recordRanges(ctx context.Context, bus *servobus.Bus, cfg *robot.Config, ids []int) (map[int]servoRange, error) {
	// Release torque so the mechanism can be moved by hand
	if err := bus.Release(ctx, ids...); err != nil {
		return nil, err
	}
	positions, err := bus.RawPositions(ctx, ids...)
	if err != nil {
		return nil, err
	}

	labels := make(map[int]string, len(ids))
	for _, a := range cfg.Actuators {
		for _, s := range a.Servos {
			labels[s.ID] = fmt.Sprintf("%s #%d", a.Name, s.ID)
		}
	}

	ranges := make(map[int]servoRange, len(ids))
	for _, id := range ids {
		p := positions[id]
		ranges[id] = servoRange{cur: p, min: p, max: p}
	}

	p := tea.NewProgram(calibrationModel{ctx: ctx, bus: bus, ids: ids, labels: labels, ranges: ranges})
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("record ranges: %w", err)
	}
	return final.(calibrationModel).ranges, nil
}

// Calibration TUI model
type calibrationModel struct {
	ctx      context.Context
	bus      *servobus.Bus
	ids      []int
	labels   map[int]string
	ranges   map[int]servoRange
	quitting bool
}

type tickMsg time.Time

func calibrationTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return calibrationTick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		positions, err := m.bus.RawPositions(m.ctx, m.ids...)
		if err == nil {
			for id, pos := range positions {
				r, ok := m.ranges[id]
				if !ok {
					continue
				}
				r.cur = pos
				r.min = min(r.min, pos)
				r.max = max(r.max, pos)
				m.ranges[id] = r
			}
		}
		return m, calibrationTick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.ids))
	spans := make([]int, 0, len(m.ids))
	for _, id := range m.ids {
		r := m.ranges[id]
		spans = append(spans, r.max-r.min)
		rows = append(rows, []string{
			m.labels[id],
			fmt.Sprintf("%d", r.cur),
			fmt.Sprintf("%d", r.min),
			fmt.Sprintf("%d", r.max),
			fmt.Sprintf("%d", r.max-r.min),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Servo", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableNameStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(spans) && spans[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	var sb strings.Builder
	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))
	return sb.String()
}
