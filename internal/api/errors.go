package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"memoryd/internal/queryengine"
	"memoryd/internal/store"
)

// validationError carries one or more field-level problems, rendered as an
// {error, errors[]} body rather than a bare message.
type validationError struct {
	messages []string
}

func (e *validationError) Error() string {
	if len(e.messages) == 0 {
		return "validation failed"
	}
	return e.messages[0]
}

func newValidationError(messages ...string) error {
	return &validationError{messages: messages}
}

// mapError turns a component-layer error into the right HTTP response.
func mapError(c *echo.Context, err error) error {
	var verr *validationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": verr.Error(), "errors": verr.messages})
	}
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]any{"error": "not found"})
	}
	if errors.Is(err, queryengine.ErrBadRequest) {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
