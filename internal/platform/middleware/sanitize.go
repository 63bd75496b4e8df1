package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8 << 10

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection or oversized header values before they reach routing.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			raw := req.URL.RawPath
			if raw == "" {
				raw = req.URL.Path
			}

			reason := ""
			switch {
			case containsPathTraversal(req.URL.Path) || containsPathTraversal(raw):
				reason = "path traversal"
			case containsNullByte(req.URL.Path) || containsNullByte(raw):
				reason = "null byte in path"
			}

			if reason == "" {
			headers:
				for name, values := range req.Header {
					for _, v := range values {
						if len(v) > maxHeaderValueSize {
							reason = "oversized header " + name
							break headers
						}
						if strings.ContainsAny(v, "\r\n") {
							reason = "header injection in " + name
							break headers
						}
					}
				}
			}

			if reason == "" {
			query:
				for key, values := range req.URL.Query() {
					for _, v := range values {
						if containsNullByte(key) || containsNullByte(v) {
							reason = "null byte in query parameter"
							break query
						}
					}
				}
			}

			if reason != "" {
				logger.Warn().
					Str("reason", reason).
					Str("path", req.URL.Path).
					Str("remote_ip", c.RealIP()).
					Msg("request rejected")
				return abort(c, http.StatusBadRequest, "malformed request: "+reason)
			}
			return next(c)
		}
	}
}

func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
