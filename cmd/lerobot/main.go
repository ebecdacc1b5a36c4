package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config   string `short:"c" long:"config" env:"LEROBOT_CONFIG" default:"lerobot.json" description:"Configuration file"`
	LogLevel string `long:"log-level" env:"LEROBOT_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogJSON  bool   `long:"log-json" env:"LEROBOT_LOG_JSON" description:"Write logs as JSON instead of console text"`

	Serve       ServeCommand       `command:"serve" description:"Serve the robots over HTTP and WebSocket"`
	Setup       SetupCommand       `command:"setup" description:"Scan for arms, register and calibrate them"`
	Calibrate   CalibrateCommand   `command:"calibrate" description:"Calibrate a configured robot"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Start teleoperation (leader-follower control)"`
	Record      RecordCommand      `command:"record" description:"Record a trajectory from a robot"`
	Recordings  RecordingsCommand  `command:"recordings" alias:"ls" description:"List the recordings of a robot"`
	Play        PlayCommand        `command:"play" description:"Play a recording back on its robot"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "LeRobot - session server and control CLI for SO-100/SO-101 arms"
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		configureLogging(opts.LogLevel, opts.LogJSON)
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
