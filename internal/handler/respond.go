package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Sreyas62/AffiHub/internal/apperr"
	"github.com/Sreyas62/AffiHub/pkg/logger"
)

// respondError maps an application error to its JSON response. Unknown
// errors become an opaque 500 and get logged with the cause.
func respondError(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c).Error("Request failed", zap.Error(err))
	}
	return c.JSON(status, echo.Map{"error": apperr.Message(err)})
}

// pathID parses a numeric path parameter.
func pathID(c echo.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, apperr.Validation("invalid %s", name)
	}
	return uint(id), nil
}

// queryInt parses an optional integer query parameter, with a default.
func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
