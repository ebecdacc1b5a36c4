// Package server exposes robot sessions, calibration and recording over
// HTTP and WebSocket.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/calibration"
	"github.com/gwillem/lerobot-hub/pkg/recording"
	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

// RobotStore persists robot configuration changes made over the API.
type RobotStore interface {
	PutRobot(rc robot.RobotConfig) error
	UpdateRobot(id string, fn func(*robot.RobotConfig)) error
	RemoveRobot(id string) error
}

// Server keeps the HTTP surface and the components it drives.
type Server struct {
	Echo *echo.Echo

	Config      robot.ServerConfig
	Registry    *session.Registry
	Calibration *calibration.Coordinator
	Recording   *recording.Coordinator
	// Robots may be nil, in which case API changes are not persisted.
	Robots RobotStore
	// ListPorts enumerates serial ports.
	ListPorts func() ([]robot.PortInfo, error)
	// ScanPort looks for motors on a serial port.
	ScanPort func(ctx context.Context, port string) ([]robot.ScanResult, error)

	upgrader websocket.Upgrader
}

// New builds a server with every route registered.
func New(cfg robot.ServerConfig, registry *session.Registry, cal *calibration.Coordinator, rec *recording.Coordinator, robots RobotStore) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	s := &Server{
		Echo:        e,
		Config:      cfg.Defaults(),
		Registry:    registry,
		Calibration: cal,
		Recording:   rec,
		Robots:      robots,
		ListPorts:   robot.ListPorts,
		ScanPort:    robot.ScanPort,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e.Use(recoverMiddleware, requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.Echo.Group("/api")

	api.GET("/robots", getRobotsHandler(s))
	api.POST("/robots", postRobotHandler(s))
	api.GET("/robots/:id", getRobotHandler(s))
	api.PUT("/robots/:id", putRobotHandler(s))
	api.DELETE("/robots/:id", deleteRobotHandler(s))
	api.POST("/robots/:id/connect", postConnectHandler(s))
	api.POST("/robots/:id/disconnect", postDisconnectHandler(s))
	api.GET("/robots/:id/observation", getObservationHandler(s))
	api.GET("/robots/:id/calibration", getCalibrationStatusHandler(s))
	api.GET("/robot-types", getRobotTypesHandler(s))
	api.GET("/ports", getPortsHandler(s))
	api.POST("/ports/scan", postScanPortHandler(s))

	// :id is a robot id for start and list, a recording id otherwise
	api.POST("/recording/:id/start", postRecordingStartHandler(s))
	api.POST("/recording/:id/stop", postRecordingStopHandler(s))
	api.GET("/recording/:id", getRecordingsHandler(s))
	api.POST("/recording/:id/playback", postPlaybackHandler(s))
	api.DELETE("/recording/:id", deleteRecordingHandler(s))

	s.Echo.GET("/ws/control/:id", controlSocketHandler(s))
	s.Echo.GET("/ws/calibration/:id", calibrationSocketHandler(s))

	s.Echo.GET("/metrics", metricsHandler())
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("listen", s.Config.Listen).Msg("Starting HTTP server")
	if err := s.Echo.Start(s.Config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "start echo server")
	}
	return nil
}

// Shutdown stops the HTTP server, running calibrations and captures, and
// disconnects every robot.
func (s *Server) Shutdown(ctx context.Context) []error {
	log.Warn().Msg("Shutting down server")

	var errs []error
	log.Debug().Msg("Shutting down echo server")
	if err := s.Echo.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Failed to shutdown echo server")
		errs = append(errs, err)
	}

	s.Calibration.Shutdown()
	s.Recording.Shutdown()
	s.Registry.Shutdown(ctx)
	return errs
}

func recoverMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Path()).Msg("Recovered from panic in handler")
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal error")
			}
		}()
		return next(c)
	}
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		log.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
		return nil
	}
}
