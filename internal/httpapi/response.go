// Package httpapi exposes the operator-only HTTP query/control surface
// (spec §4.11): paginated product/queue/group queries and the retract and
// requeue control operations. No auth layer — this surface is assumed to
// sit behind an operator-only network boundary (dashboard/auth is out of
// scope, spec §1).
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError and ErrorEnvelope mirror the teacher's handlers/response.go
// envelope shape.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
