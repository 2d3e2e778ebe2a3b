package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/mechctl/pkg/robot"
)

type ListCommand struct{}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableNameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func (c *ListCommand) Execute(args []string) error {
	cfg, err := loadRobotConfig()
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("Actuators"))
	fmt.Println(renderTable([]string{"Name", "Driver", "Hardware", "Range", "Fusion"}, actuatorRows(cfg)))
	fmt.Println()
	fmt.Println(headerStyle.Render("Maneuvers"))
	fmt.Println(renderTable([]string{"Name", "Steps", "Timeout"}, maneuverRows(cfg)))
	return nil
}

func actuatorRows(cfg *robot.Config) [][]string {
	rows := make([][]string, 0, len(cfg.Actuators))
	for _, a := range cfg.Actuators {
		var hw string
		switch a.Driver {
		case robot.DriverFeetech:
			ids := make([]string, 0, len(a.Servos))
			for _, id := range a.Servos.IDs() {
				ids = append(ids, fmt.Sprint(id))
			}
			hw = "servos " + strings.Join(ids, ",")
		default:
			hw = fmt.Sprintf("%d motor(s)", a.Sim.Followers+1)
		}

		limits := "unlimited"
		if a.MaxPosition > a.MinPosition {
			limits = fmt.Sprintf("%g .. %g", a.MinPosition, a.MaxPosition)
		}
		fusion := a.Fusion
		if fusion == "" {
			fusion = "mean"
		}
		rows = append(rows, []string{a.Name, a.Driver, hw, limits, fusion})
	}
	return rows
}

func maneuverRows(cfg *robot.Config) [][]string {
	rows := make([][]string, 0, len(cfg.Maneuvers))
	for _, m := range cfg.Maneuvers {
		timeout := "none"
		if m.Timeout > 0 {
			timeout = m.Timeout.String()
		}
		rows = append(rows, []string{m.Name, fmt.Sprint(len(m.Steps)), timeout})
	}
	return rows
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case col == 0:
				return tableNameStyle
			default:
				return tableCellStyle
			}
		}).
		Render()
}
