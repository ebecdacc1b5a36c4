package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/session"
)

// statusCode maps an error onto its HTTP status.
func statusCode(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists),
		errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrHardwareFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return msg
		}
		return http.StatusText(he.Code)
	}
	return err.Error()
}

func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request().URL.Path).Int("status", code).Msg("Request failed")
	} else {
		log.Debug().Err(err).Str("path", c.Request().URL.Path).Int("status", code).Msg("Request rejected")
	}

	if err := c.JSON(code, map[string]string{"error": errorMessage(err)}); err != nil {
		log.Error().Err(err).Msg("Failed to write error response")
	}
}

// badRequest wraps a decoding problem as ErrInvalidArgument.
func badRequest(err error, what string) error {
	return errors.Wrapf(session.ErrInvalidArgument, "%s: %v", what, err)
}
