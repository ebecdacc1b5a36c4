package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/gwillem/lerobot-hub/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct {
	Model       string `long:"model" default:"so101" choice:"so100" choice:"so101" description:"Arm model"`
	NoCalibrate bool   `long:"no-calibrate" description:"Only register the arms, skip calibration"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("LeRobot Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━"))
	fmt.Println()

	store, err := robot.OpenConfigStore(opts.Config)
	if err != nil {
		return err
	}

	// Step 1: scan and identify arms
	arms, err := c.scanForArms()
	if err != nil {
		return err
	}
	for _, rc := range arms {
		if err := store.PutRobot(rc); err != nil {
			return errors.Wrap(err, "save config")
		}
	}
	fmt.Printf("Configuration saved to %s\n", opts.Config)

	// Step 2: calibrate each arm
	if !c.NoCalibrate {
		h, err := openHub(opts.Config)
		if err != nil {
			return err
		}
		defer h.close()

		for _, rc := range arms {
			fmt.Println()
			fmt.Println(subHeaderStyle.Render(fmt.Sprintf("━━━ Calibrating %s ━━━", rc.ID)))
			fmt.Println()
			if err := runCalibration(context.Background(), h, rc.ID); err != nil {
				return err
			}
		}
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Println()
	fmt.Println("Start teleoperation with: " + headerStyle.Render("lerobot teleoperate"))
	fmt.Println("Or serve the arms with:   " + headerStyle.Render("lerobot serve"))

	return nil
}

func (c *SetupCommand) types() (leader, follower robot.Type) {
	if c.Model == "so100" {
		return robot.TypeSO100Leader, robot.TypeSO100Follower
	}
	return robot.TypeSO101Leader, robot.TypeSO101Follower
}

func (c *SetupCommand) scanForArms() ([]robot.RobotConfig, error) {
	fmt.Println("Scanning for robot arms...")
	fmt.Println()

	arms := findArms()
	if len(arms) == 0 {
		fmt.Println("Make sure your arms are connected and powered on.")
		return nil, errors.New("no arms found")
	}

	fmt.Printf("Found %d arm(s). Let's identify them...\n\n", len(arms))

	leaderType, followerType := c.types()
	var configs []robot.RobotConfig
	taken := make(map[string]bool)

	for _, arm := range arms {
		role, err := identifyArmWithWiggle(arm)
		if err != nil {
			return nil, err
		}
		if role == "skip" {
			continue
		}

		rc := robot.RobotConfig{Port: arm.port, Type: followerType, ID: role}
		if role == "leader" {
			rc.Type = leaderType
		}
		if taken[rc.ID] {
			rc.ID = fmt.Sprintf("%s-%d", role, len(configs)+1)
		}
		if err := askRobotID(&rc); err != nil {
			return nil, err
		}
		taken[rc.ID] = true
		configs = append(configs, rc)
	}

	fmt.Println()
	if len(configs) == 0 {
		return nil, errors.New("no arms were identified")
	}

	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Arms identified:"))
	for _, rc := range configs {
		fmt.Printf("  %-10s %-16s %s\n", rc.ID, rc.Type, rc.Port)
	}
	return configs, nil
}

func askRobotID(rc *robot.RobotConfig) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Name for the arm on %s", rc.Port)).
				Description("Used as the robot id by the server and the CLI").
				Value(&rc.ID).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("a name is required")
					}
					return nil
				}),
		),
	)
	return form.Run()
}

type armInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

func findArms() []armInfo {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Error listing ports: %v", err)))
		return nil
	}

	var arms []armInfo

	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)

		bus, err := feetech.NewBus(feetech.BusConfig{
			Port:     port,
			BaudRate: robot.BaudRate,
			Protocol: feetech.ProtocolSTS,
			Timeout:  robot.BusTimeout,
		})
		if err != nil {
			cancel()
			continue
		}

		servos, err := bus.Scan(ctx, 1, len(robot.AllJoints()))
		cancel()

		if err != nil {
			bus.Close()
			continue
		}

		if isSOArm(servos) {
			fmt.Printf("  Found SO arm on %s\n", port)
			arms = append(arms, armInfo{
				port:   port,
				servos: servos,
				bus:    bus,
			})
		} else {
			bus.Close()
		}
	}

	return arms
}

// isSOArm reports whether the bus holds exactly servos 1-6.
func isSOArm(servos []feetech.FoundServo) bool {
	n := len(robot.AllJoints())
	if len(servos) != n {
		return false
	}

	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}

	for i := 1; i <= n; i++ {
		if !ids[i] {
			return false
		}
	}

	return true
}

func identifyArmWithWiggle(arm armInfo) (string, error) {
	defer arm.bus.Close()

	ctx := context.Background()

	// Find servo ID 1 (shoulder_pan) for wiggling
	var servo *feetech.Servo
	for _, s := range arm.servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.bus, s.ID, s.Model)
			break
		}
	}

	if servo != nil {
		wiggle(ctx, servo, arm.port)
	}

	var role string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which arm is on %s?", arm.port)).
				Description("The arm that just wiggled").
				Options(
					huh.NewOption("Leader (the one you move by hand)", "leader"),
					huh.NewOption("Follower (the one that follows)", "follower"),
					huh.NewOption("Skip this arm", "skip"),
				).
				Value(&role),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return role, nil
}

// wiggle moves the shoulder a little so the user can tell arms apart.
func wiggle(ctx context.Context, servo *feetech.Servo, port string) {
	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("  Error reading position: %v", err)))
		return
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("  Error enabling servo: %v", err)))
		return
	}

	fmt.Printf("\n  Wiggling arm on %s...\n", port)

	wiggleAmount := 30
	moveTimeMs := 500
	for _, pos := range []int{originalPos + wiggleAmount, originalPos - wiggleAmount, originalPos} {
		servo.SetPositionWithTime(ctx, pos, moveTimeMs)
		time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	}

	servo.Disable(ctx)
}

// waitForUser shows prompt and blocks until the user continues. It reports
// false if the user cancelled.
func waitForUser(prompt string) bool {
	fmt.Println(prompt)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("").
				Affirmative("Continue").
				Negative("").
				Value(new(bool)),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		return false
	}
	return true
}
