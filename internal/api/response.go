package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vesta/internal/domain"
	"vesta/internal/engine"
)

// Response is the envelope of every HTTP reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the failure half of a Response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeValidation    = "VALIDATION_FAILED"
	CodeNotFound      = "NOT_FOUND"
	CodeHalted        = "TRADING_HALTED"
	CodeCycleActive   = "CYCLE_ACTIVE"
	CodeNoActiveCycle = "NO_ACTIVE_CYCLE"
	CodeConflict      = "CONFLICT"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternal      = "INTERNAL_ERROR"
)

// classify maps an error onto an HTTP status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownSide):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrTradingHalted):
		return http.StatusConflict, CodeHalted
	case errors.Is(err, engine.ErrCycleActive):
		return http.StatusConflict, CodeCycleActive
	case errors.Is(err, engine.ErrNoActiveCycle):
		return http.StatusConflict, CodeNoActiveCycle
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, CodeConflict
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// respond writes data, or the classified error.
func respond(c *gin.Context, status int, data any, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(status, Response{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, Response{Error: &Error{Code: code, Message: err.Error()}})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Response{Error: &Error{Code: CodeBadRequest, Message: msg}})
}
