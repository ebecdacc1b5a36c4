package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
	"github.com/gwillem/lerobot-hub/pkg/task"
)

type controlRequest struct {
	Type   string             `json:"type"`
	Action map[string]float64 `json:"action"`
}

type controlState struct {
	Type string         `json:"type"`
	Data robot.JointMap `json:"data"`
}

type controlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newControlError(msg string) controlError {
	return controlError{Type: "error", Message: msg}
}

// controlSocketHandler streams joint states to the client and applies the
// actions it sends.
func controlSocketHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := s.Registry.Get(c.Param("id"))
		if err != nil {
			return err
		}

		conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Debug().Err(err).Msg("Control socket upgrade failed")
			return nil
		}
		defer conn.Close()

		ws := &socket{conn: conn}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		log.Info().Str("robot_id", sess.ID()).Str("remote", c.RealIP()).Msg("Control client connected")
		push := task.Go(ctx, func(ctx context.Context) {
			pushStates(ctx, ws, sess, s.Config.StateRate)
		})
		defer push.Stop()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !closedNormally(err) {
					log.Debug().Err(err).Str("robot_id", sess.ID()).Msg("Control socket read failed")
				}
				log.Info().Str("robot_id", sess.ID()).Msg("Control client disconnected")
				return nil
			}

			if msg := handleControl(ctx, sess, data); msg != "" {
				if err := ws.send(newControlError(msg)); err != nil {
					return nil
				}
			}
		}
	}
}

// handleControl applies one client message and returns an error message for
// the client, if any.
func handleControl(ctx context.Context, sess *session.Session, data []byte) string {
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "malformed message: " + err.Error()
	}

	switch req.Type {
	case "action":
		action, err := robot.ParseJointMap(sess.Type(), req.Action)
		if err != nil {
			return err.Error()
		}
		if err := sess.SendAction(ctx, action); err != nil {
			return err.Error()
		}
		return ""
	default:
		return "unknown message type: " + req.Type
	}
}

// pushStates sends observations at rate Hz. A failing read is reported once
// until reads succeed again.
func pushStates(ctx context.Context, ws *socket, sess *session.Session, rate int) {
	if rate <= 0 {
		rate = robot.DefaultStateRate
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		positions, err := sess.Observation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err.Error() != lastErr {
				lastErr = err.Error()
				if ws.send(newControlError(lastErr)) != nil {
					return
				}
			}
			continue
		}
		lastErr = ""
		if ws.send(controlState{Type: "state", Data: positions}) != nil {
			return
		}
	}
}
