package api

import (
	"errors"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
)

// errUnauthorized marks a username mismatch on an ownership-protected
// endpoint.
var errUnauthorized = errors.New("username does not own the current workflow run")

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// httpErrorHandler classifies errors into the API's error kinds. Internal
// errors are logged with an opaque id and never expose details.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status = http.StatusInternalServerError
		body   = errorBody{Code: "INTERNAL", Message: "internal server error"}
	)

	var he *echo.HTTPError
	var ite *fsm.InvalidTransitionError
	var conflict *storage.ConflictError
	var netErr net.Error

	switch {
	case errors.As(err, &he):
		status = he.Code
		body.Code = http.StatusText(he.Code)
		body.Message = message(he)
	case errors.As(err, &ite):
		status = http.StatusConflict
		body = errorBody{
			Code:    "INVALID_TRANSITION",
			Message: ite.Error(),
			Details: map[string]string{"from": ite.From, "to": ite.To},
		}
	case errors.Is(err, storage.ErrWorkflowRunNotCurrent):
		status = http.StatusConflict
		body = errorBody{Code: "WORKFLOW_RUN_NOT_CURRENT", Message: err.Error()}
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body = errorBody{Code: "CONFLICT", Message: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		body = errorBody{Code: "NOT_FOUND", Message: "resource not found"}
	case errors.Is(err, errUnauthorized):
		status = http.StatusUnauthorized
		body = errorBody{Code: "UNAUTHORIZED", Message: err.Error()}
	case errors.As(err, &netErr):
		status = http.StatusServiceUnavailable
		body = errorBody{Code: "UNAVAILABLE", Message: "database unavailable"}
	default:
		id := uuid.NewString()
		body.Details = map[string]string{"error_id": id}
		logger := log.WithComponent("api")
		logger.Error().Err(err).
			Str("error_id", id).
			Str("path", c.Path()).
			Msg("Internal error")
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func message(he *echo.HTTPError) string {
	if s, ok := he.Message.(string); ok {
		return s
	}
	return http.StatusText(he.Code)
}

// badRequest wraps a validation failure as a 400.
func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
