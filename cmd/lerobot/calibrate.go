package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/calibration"
	"github.com/gwillem/lerobot-hub/pkg/robot"
)

type CalibrateCommand struct {
	From   string `long:"from" description:"Import a calibration JSON file instead of running the procedure"`
	Export string `long:"export" description:"Also write the resulting calibration to this JSON file"`
	Args   struct {
		Robot string `positional-arg-name:"robot" description:"Robot id from the config file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *CalibrateCommand) Execute(args []string) error {
	h, err := openHub(opts.Config)
	if err != nil {
		return err
	}
	defer h.close()

	id := c.Args.Robot
	if c.From != "" {
		cal, err := robot.LoadCalibration(c.From)
		if err != nil {
			return err
		}
		if err := h.store.SaveCalibration(id, cal); err != nil {
			return err
		}
		fmt.Printf("Imported %d joints from %s\n", len(cal), c.From)
	} else if err := runCalibration(context.Background(), h, id); err != nil {
		return err
	}
	fmt.Printf("Calibration saved to %s\n", opts.Config)

	if c.Export != "" {
		for _, rc := range h.store.Robots() {
			if rc.ID != id {
				continue
			}
			if err := rc.Calibration.SaveTo(c.Export); err != nil {
				return err
			}
			fmt.Printf("Calibration exported to %s\n", c.Export)
		}
	}
	return nil
}

// runCalibration connects a robot passively and walks the user through the
// center and range steps.
func runCalibration(ctx context.Context, h *hub, id string) error {
	sess, err := h.connect(ctx, id, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Str("robot_id", id).Msg("Disconnect after calibration failed")
		}
	}()

	coord := calibration.NewCoordinator(h.registry, calibration.Options{
		Period: time.Second / time.Duration(h.server.CalibrationRate),
	})
	defer coord.Shutdown()

	states := make(chan calibration.State, 1)
	publish := func(st calibration.State) {
		select {
		case states <- st:
		default:
			// Drop old state if channel full, replace with new
			select {
			case <-states:
			default:
			}
			select {
			case states <- st:
			default:
			}
		}
	}

	if _, err := coord.Start(ctx, id, publish); err != nil {
		return err
	}

	fmt.Println(subHeaderStyle.Render("Set the center position"))
	if !waitForUser("Move every joint to the middle of its range of motion.") {
		return abortCalibration(ctx, coord, id)
	}
	if _, err := coord.ConfirmCenter(ctx, id); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println("Explore the full range of motion for all joints.")
	fmt.Println()

	quietLogging()
	finalModel, err := tea.NewProgram(newCalibrationModel(id, states)).Run()
	if err != nil {
		return errors.Wrap(err, "run calibration UI")
	}
	if cm := finalModel.(calibrationModel); cm.aborted {
		return abortCalibration(ctx, coord, id)
	}

	final, err := coord.Finish(ctx, id)
	if err != nil {
		return err
	}

	fmt.Println(renderRanges(final))
	fmt.Println(successStyle.Render(fmt.Sprintf("%s calibrated.", id)))
	return nil
}

func abortCalibration(ctx context.Context, coord *calibration.Coordinator, id string) error {
	if err := coord.Abort(ctx, id); err != nil {
		return err
	}
	return errors.Errorf("calibration of %s aborted", id)
}

// Calibration TUI model
type calibrationModel struct {
	robotID  string
	states   <-chan calibration.State
	state    calibration.State
	quitting bool
	aborted  bool
}

type calStateMsg calibration.State

func waitForCalibrationState(ch <-chan calibration.State) tea.Cmd {
	return func() tea.Msg {
		return calStateMsg(<-ch)
	}
}

func newCalibrationModel(robotID string, states <-chan calibration.State) calibrationModel {
	return calibrationModel{robotID: robotID, states: states}
}

func (m calibrationModel) Init() tea.Cmd {
	return waitForCalibrationState(m.states)
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			m.quitting = true
			return m, tea.Quit
		case "q", "ctrl+c":
			m.quitting = true
			m.aborted = true
			return m, tea.Quit
		}

	case calStateMsg:
		m.state = calibration.State(msg)
		return m, waitForCalibrationState(m.states)
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(renderRanges(m.state))
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done, q to abort"))
	return sb.String()
}

// renderRanges draws the per-joint range table of a calibration state.
func renderRanges(st calibration.State) string {
	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	joints := robot.AllJoints()
	rows := make([][]string, 0, len(joints))
	ranges := make([]float64, 0, len(joints))
	for _, j := range joints {
		rangeSize := st.RangeMaxes[j] - st.RangeMins[j]
		ranges = append(ranges, rangeSize)
		rows = append(rows, []string{
			string(j),
			fmt.Sprintf("%.0f", st.CurrentPositions[j]),
			fmt.Sprintf("%.0f", st.RangeMins[j]),
			fmt.Sprintf("%.0f", st.RangeMaxes[j]),
			fmt.Sprintf("%.0f", rangeSize),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Motor", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableMotorStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	return t.Render()
}
