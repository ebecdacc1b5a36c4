package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

type updateRobotRequest struct {
	Nickname *string `json:"nickname"`
	Notes    *string `json:"notes"`
}

type observationResponse struct {
	RobotID        string         `json:"robot_id"`
	JointPositions robot.JointMap `json:"joint_positions"`
	Timestamp      time.Time      `json:"timestamp"`
}

func getRobotsHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.Registry.List())
	}
}

func postRobotHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var rc robot.RobotConfig
		if err := c.Bind(&rc); err != nil {
			return badRequest(err, "decode robot")
		}

		sess, err := s.Registry.Add(rc)
		if err != nil {
			return err
		}
		if s.Robots != nil {
			if err := s.Robots.PutRobot(rc); err != nil {
				// keep the registry consistent with what is on disk
				if rmErr := s.Registry.Remove(rc.ID); rmErr != nil {
					log.Error().Err(rmErr).Str("robot_id", rc.ID).Msg("Failed to roll back robot")
				}
				return err
			}
		}

		log.Info().Str("robot_id", rc.ID).Str("robot_type", string(rc.Type)).Msg("Robot added")
		return c.JSON(http.StatusCreated, sess.State())
	}
}

func getRobotHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := s.Registry.Get(c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, sess.State())
	}
}

func putRobotHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := s.Registry.Get(c.Param("id"))
		if err != nil {
			return err
		}

		var req updateRobotRequest
		if err := c.Bind(&req); err != nil {
			return badRequest(err, "decode robot update")
		}

		sess.SetInfo(req.Nickname, req.Notes)
		if s.Robots != nil {
			err := s.Robots.UpdateRobot(sess.ID(), func(rc *robot.RobotConfig) {
				if req.Nickname != nil {
					rc.Nickname = *req.Nickname
				}
				if req.Notes != nil {
					rc.Notes = *req.Notes
				}
			})
			if err != nil {
				return err
			}
		}
		return c.JSON(http.StatusOK, sess.State())
	}
}

func deleteRobotHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		sess, err := s.Registry.Get(id)
		if err != nil {
			return err
		}

		s.releaseRobot(c, id)
		if sess.Status() != session.StatusDisconnected {
			if err := sess.Disconnect(ctx); err != nil {
				return err
			}
		}
		if err := s.Registry.Remove(id); err != nil {
			return err
		}
		if s.Robots != nil {
			if err := s.Robots.RemoveRobot(id); err != nil {
				return err
			}
		}

		log.Info().Str("robot_id", id).Msg("Robot removed")
		return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// releaseRobot ends calibrations and captures bound to a robot that is about
// to be disconnected.
func (s *Server) releaseRobot(c echo.Context, id string) {
	ctx := c.Request().Context()
	if _, ok := s.Calibration.Status(id); ok {
		if err := s.Calibration.Abort(ctx, id); err != nil {
			log.Warn().Err(err).Str("robot_id", id).Msg("Failed to abort calibration")
		}
	}
	if recID, ok := s.Recording.Active(id); ok {
		if _, err := s.Recording.Stop(ctx, recID, ""); err != nil {
			log.Warn().Err(err).Str("robot_id", id).Msg("Failed to stop recording")
		}
	}
}

func postConnectHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := s.Registry.Get(c.Param("id"))
		if err != nil {
			return err
		}

		calibrate := false
		if v := c.QueryParam("calibrate"); v != "" {
			calibrate, err = strconv.ParseBool(v)
			if err != nil {
				return badRequest(err, "calibrate")
			}
		}

		if err := sess.Connect(c.Request().Context(), calibrate); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, sess.State())
	}
}

func postDisconnectHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		sess, err := s.Registry.Get(id)
		if err != nil {
			return err
		}

		s.releaseRobot(c, id)
		if err := sess.Disconnect(c.Request().Context()); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, sess.State())
	}
}

func getObservationHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := s.Registry.Get(c.Param("id"))
		if err != nil {
			return err
		}

		positions, err := sess.Observation(c.Request().Context())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, observationResponse{
			RobotID:        sess.ID(),
			JointPositions: positions,
			Timestamp:      time.Now().UTC(),
		})
	}
}

func getCalibrationStatusHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if _, err := s.Registry.Get(id); err != nil {
			return err
		}
		st, ok := s.Calibration.Status(id)
		if !ok {
			return c.JSON(http.StatusOK, map[string]string{"robot_id": id, "step": "not_started"})
		}
		return c.JSON(http.StatusOK, st)
	}
}

func getRobotTypesHandler(s *Server) echo.HandlerFunc {
	type robotType struct {
		Type   robot.Type    `json:"robot_type"`
		Leader bool          `json:"leader"`
		Joints []robot.Joint `json:"joints"`
	}
	return func(c echo.Context) error {
		types := robot.Types()
		out := make([]robotType, 0, len(types))
		for _, t := range types {
			out = append(out, robotType{Type: t, Leader: t.IsLeader(), Joints: t.Joints()})
		}
		return c.JSON(http.StatusOK, out)
	}
}

func getPortsHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ports, err := s.ListPorts()
		if err != nil {
			return err
		}
		if ports == nil {
			ports = []robot.PortInfo{}
		}
		return c.JSON(http.StatusOK, map[string][]robot.PortInfo{"ports": ports})
	}
}

func postScanPortHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		port := c.QueryParam("port")
		if port == "" {
			return errors.Wrap(session.ErrInvalidArgument, "port is required")
		}
		results, err := s.ScanPort(c.Request().Context(), port)
		if err != nil {
			return errors.Wrapf(session.ErrHardwareFailure, "%v", err)
		}
		if results == nil {
			results = []robot.ScanResult{}
		}
		return c.JSON(http.StatusOK, map[string][]robot.ScanResult{"results": results})
	}
}
