package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type recordingStartResponse struct {
	RecordingID string `json:"recording_id"`
	Status      string `json:"status"`
}

type recordingStopResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Duration   float64 `json:"duration"`
	FrameCount int     `json:"frame_count"`
}

func postRecordingStartHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := s.Recording.Start(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, recordingStartResponse{RecordingID: id, Status: "recording"})
	}
}

func postRecordingStopHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := s.Recording.Stop(c.Request().Context(), c.Param("id"), c.QueryParam("name"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, recordingStopResponse{
			ID:         rec.ID,
			Name:       rec.Name,
			Duration:   rec.Duration,
			FrameCount: len(rec.Frames),
		})
	}
}

func getRecordingsHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		robotID := c.Param("id")
		if _, err := s.Registry.Get(robotID); err != nil {
			return err
		}
		list, err := s.Recording.List(robotID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, list)
	}
}

func postPlaybackHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		speed := 1.0
		if v := c.QueryParam("speed"); v != "" {
			var err error
			speed, err = strconv.ParseFloat(v, 64)
			if err != nil {
				return badRequest(err, "speed")
			}
		}

		if err := s.Recording.Playback(c.Request().Context(), c.Param("id"), speed, nil); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "playback_completed"})
	}
}

func deleteRecordingHandler(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.Recording.Delete(c.Param("id")); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
	}
}
