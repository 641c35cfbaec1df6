package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/domain"
)

// ErrorResponse is the standard format for API error responses. Code is
// the stable reason code from the domain error taxonomy.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MarkReadResponse reports how many direct messages a read receipt
// flipped. Zero on repeat calls; group reads only move the seen marker.
type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// writeError maps a domain error onto an HTTP status plus the wire reason
// code.
func writeError(c echo.Context, err error) error {
	reason := domain.Reason(err)

	status := http.StatusInternalServerError
	switch reason {
	case domain.ReasonValidation, domain.ReasonEmpty:
		status = http.StatusBadRequest
	case domain.ReasonForbidden:
		status = http.StatusForbidden
	case domain.ReasonNotFound:
		status = http.StatusNotFound
	}

	return c.JSON(status, ErrorResponse{Code: reason, Message: err.Error()})
}
