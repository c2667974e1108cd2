// Package httpapi is CoreMachine's inbound HTTP surface (spec §6): job
// submission and status lookup over gin, grounded directly on the
// teacher's internal/http package (handlers/response/middleware split).
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError and ErrorEnvelope mirror the teacher's
// internal/http/response.ErrorEnvelope shape, including trace/request ID
// propagation from AttachTraceContext.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error:     APIError{Message: msg, Code: code},
		TraceID:   c.GetString("trace_id"),
		RequestID: c.GetString("request_id"),
	})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
