package middleware

import "github.com/labstack/echo/v4"

// abort writes the same {"error": "..."} body echo produces for handler
// errors, for middleware that answers before reaching a handler.
func abort(c echo.Context, status int, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]string{"error": msg})
}
