package server

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/calibration"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

type calibrationCommand struct {
	Command string `json:"command"`
}

type calibrationError struct {
	Error string `json:"error"`
}

type calibrationStatus struct {
	Status string `json:"status"`
}

// calibrationSocketHandler drives one calibration from client commands. A
// calibration started on this connection is aborted if the client leaves
// before finishing.
func calibrationSocketHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		robotID := c.Param("id")
		if _, err := s.Registry.Get(robotID); err != nil {
			return err
		}

		conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Debug().Err(err).Msg("Calibration socket upgrade failed")
			return nil
		}
		defer conn.Close()

		ws := &socket{conn: conn}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		publish := func(st calibration.State) {
			if err := ws.send(st); err != nil {
				log.Debug().Err(err).Str("robot_id", robotID).Msg("Failed to publish calibration state")
			}
		}

		owned := false
		defer func() {
			if !owned {
				return
			}
			log.Info().Str("robot_id", robotID).Msg("Calibration client left, aborting")
			if err := s.Calibration.Abort(context.Background(), robotID); err != nil {
				log.Warn().Err(err).Str("robot_id", robotID).Msg("Failed to abort calibration")
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !closedNormally(err) {
					log.Debug().Err(err).Str("robot_id", robotID).Msg("Calibration socket read failed")
				}
				return nil
			}

			var cmd calibrationCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				if ws.send(calibrationError{Error: "malformed message: " + err.Error()}) != nil {
					return nil
				}
				continue
			}

			var opErr error
			switch cmd.Command {
			case "start":
				if _, opErr = s.Calibration.Start(ctx, robotID, publish); opErr == nil {
					owned = true
				}
			case "confirm_center":
				_, opErr = s.Calibration.ConfirmCenter(ctx, robotID)
			case "finish":
				if _, opErr = s.Calibration.Finish(ctx, robotID); opErr == nil {
					owned = false
					if err := ws.send(calibrationStatus{Status: "completed"}); err == nil {
						_ = ws.close(websocket.CloseNormalClosure, "calibration completed")
					}
					return nil
				}
			case "abort":
				if opErr = s.Calibration.Abort(ctx, robotID); opErr == nil {
					owned = false
					opErr = ws.send(calibrationStatus{Status: "aborted"})
				}
			default:
				opErr = errors.Wrapf(session.ErrInvalidArgument, "unknown command %q", cmd.Command)
			}

			if opErr != nil {
				if ws.send(calibrationError{Error: opErr.Error()}) != nil {
					return nil
				}
			}
		}
	}
}
