package main

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
	"github.com/gwillem/lerobot-hub/pkg/teleop"
)

type TeleoperateCommand struct {
	Leader   string `long:"leader" default:"leader" description:"Id of the leader robot"`
	Follower string `long:"follower" default:"follower" description:"Id of the follower robot"`
	Hz       int    `long:"hz" default:"60" description:"Control loop frequency"`
	Mirror   bool   `long:"mirror" description:"Mirror mode: invert shoulder_pan and wrist_roll positions"`
}

func (c *TeleoperateCommand) Execute(args []string) error {
	h, err := openHub(opts.Config)
	if err != nil {
		return err
	}
	defer h.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader, err := h.connect(ctx, c.Leader, false)
	if err != nil {
		return errors.Wrapf(err, "connect leader %s", c.Leader)
	}
	follower, err := h.connect(ctx, c.Follower, false)
	if err != nil {
		return errors.Wrapf(err, "connect follower %s", c.Follower)
	}
	fmt.Printf("Loaded configuration from %s\n", opts.Config)

	ctrl, err := teleop.NewController(leader, follower, teleop.Config{
		Hz:     c.Hz,
		Mirror: c.Mirror,
	})
	if err != nil {
		return err
	}

	quietLogging()
	go func() {
		if err := ctrl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Controller error")
		}
	}()

	p := tea.NewProgram(newTeleopModel(ctrl, leader, follower, c.Mirror), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return errors.Wrap(err, "run teleoperation UI")
	}
	return nil
}

// Screen rows taken by everything except the chart.
const (
	chromeRows = 2 + 3 + 7 + 2 // header, joint readout, log box, chart border
	maxLogs    = 5
)

var jointColors = map[robot.Joint]lipgloss.Color{
	robot.ShoulderPan:  "196",
	robot.ShoulderLift: "208",
	robot.ElbowFlex:    "226",
	robot.WristFlex:    "46",
	robot.WristRoll:    "51",
	robot.Gripper:      "201",
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	logBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
)

type teleopModel struct {
	ctrl     *teleop.Controller
	leader   *session.Session
	follower *session.Session
	mirror   bool

	chart  *streamlinechart.Model
	width  int
	height int

	last    robot.JointMap
	lastErr error
	frames  int
	paused  bool
	logs    []string
	done    bool
}

type teleopStateMsg teleop.State
type teleopLogMsg string

func newTeleopModel(ctrl *teleop.Controller, leader, follower *session.Session, mirror bool) teleopModel {
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(-100, 100))
	for _, j := range robot.AllJoints() {
		chart.SetDataSetStyles(string(j), runes.ThinLineStyle, lipgloss.NewStyle().Foreground(jointColors[j]))
	}
	return teleopModel{
		ctrl:     ctrl,
		leader:   leader,
		follower: follower,
		mirror:   mirror,
		chart:    &chart,
	}
}

func (m teleopModel) nextState() tea.Cmd {
	return func() tea.Msg { return teleopStateMsg(<-m.ctrl.States()) }
}

func (m teleopModel) nextLog() tea.Cmd {
	return func() tea.Msg { return teleopLogMsg(<-m.ctrl.Logs()) }
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(m.nextState(), m.nextLog())
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.chart.Resize(max(msg.Width-4, 40), max(msg.Height-chromeRows, 10))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.done = true
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
		case "c":
			m.logs = nil
		}
		return m, nil

	case teleopStateMsg:
		st := teleop.State(msg)
		m.lastErr = st.Error
		if st.Positions != nil {
			m.frames++
			// the chart freezes while the leader is still
			if !m.paused && moved(m.last, st.Positions) {
				for j, pos := range st.Positions {
					m.chart.PushDataSet(string(j), pos)
				}
				m.chart.DrawAll()
			}
			m.last = st.Positions
		}
		return m, m.nextState()

	case teleopLogMsg:
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > maxLogs {
			m.logs = m.logs[len(m.logs)-maxLogs:]
		}
		return m, m.nextLog()
	}
	return m, nil
}

func moved(prev, cur robot.JointMap) bool {
	if prev == nil {
		return true
	}
	for j, pos := range cur {
		if old, ok := prev[j]; !ok || old != pos {
			return true
		}
	}
	return false
}

func (m teleopModel) View() string {
	if m.done {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder
	sb.WriteString(m.header())
	sb.WriteString("\n\n")
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(m.readout())
	sb.WriteString("\n")
	sb.WriteString(m.logBox())
	sb.WriteString("\n")
	return sb.String()
}

func (m teleopModel) header() string {
	parts := []string{
		titleStyle.Render("LeRobot Teleoperate"),
		fmt.Sprintf("%s (%s) → %s (%s)", m.leader.ID(), m.leader.Status(), m.follower.ID(), m.follower.Status()),
		fmt.Sprintf("%d Hz", m.ctrl.Hz()),
	}
	if m.mirror {
		parts = append(parts, "mirrored")
	}
	if m.paused {
		parts = append(parts, "paused")
	}
	return strings.Join(parts, statusStyle.Render("  ·  "))
}

// readout shows each joint's color key and its latest leader position.
func (m teleopModel) readout() string {
	items := make([]string, 0, len(robot.AllJoints()))
	for _, j := range robot.AllJoints() {
		key := lipgloss.NewStyle().Foreground(jointColors[j]).Bold(true).Render("━━")
		value := "   -  "
		if pos, ok := m.last[j]; ok {
			value = fmt.Sprintf("%6.1f", pos)
		}
		items = append(items, fmt.Sprintf("%s %s %s", key, j, value))
	}
	line := strings.Join(items, "  ")
	return line + "\n" + statusStyle.Render(fmt.Sprintf("%d frames", m.frames))
}

func (m teleopModel) logBox() string {
	box := logBoxStyle.Width(max(m.width-4, 20))
	var lines []string
	if m.lastErr != nil {
		lines = append(lines, errorStyle.Render(m.lastErr.Error()))
	}
	lines = append(lines, m.logs...)
	if len(lines) == 0 {
		lines = append(lines, statusStyle.Render("q quit · p pause chart · c clear log"))
	}
	return box.Render(strings.Join(lines, "\n"))
}
