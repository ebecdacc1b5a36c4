// Package lerobot is a session hub for SO-100/SO-101 robot arms.
//
// It owns one session per configured arm and serves them over HTTP and
// WebSocket: connect and disconnect, live joint state and actions, guided
// range-of-motion calibration, and trajectory recording and playback. The
// same building blocks drive a terminal CLI.
//
// # Installation
//
//	go install github.com/gwillem/lerobot-hub/cmd/lerobot@latest
//
// # Usage
//
// Detect, register and calibrate the arms, then serve them:
//
//	lerobot setup
//	lerobot serve
//
// Or drive them from the terminal:
//
//	lerobot teleoperate --leader leader --follower follower
//	lerobot record follower
//	lerobot play <recording-id>
//
// # Packages
//
//   - cmd/lerobot: CLI with serve, setup, calibrate, teleoperate and recording commands
//   - pkg/robot: Arm drivers, calibration data, and configuration
//   - pkg/session: Per-robot sessions and the registry that owns them
//   - pkg/calibration: Calibration coordinator
//   - pkg/recording: Recording coordinator and file store
//   - pkg/teleop: Teleoperation controller
//   - pkg/server: HTTP and WebSocket API
//   - pkg/task: Cancellable background goroutines
package lerobot
