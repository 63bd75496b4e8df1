package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// bufferedResponseWriter holds the handler's output so a validator can be
// computed before anything reaches the client.
type bufferedResponseWriter struct {
	header     http.Header
	buf        bytes.Buffer
	statusCode int
	orig       http.ResponseWriter
}

func newBufferedResponseWriter(w http.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{header: w.Header(), statusCode: http.StatusOK, orig: w}
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }

func (w *bufferedResponseWriter) Write(b []byte) (int, error) { return w.buf.Write(b) }

func (w *bufferedResponseWriter) WriteHeader(code int) { w.statusCode = code }

func (w *bufferedResponseWriter) flush() error {
	w.orig.WriteHeader(w.statusCode)
	_, err := w.orig.Write(w.buf.Bytes())
	return err
}

// ETag tags successful GET responses with a strong validator and answers
// If-None-Match with 304. Clients polling open slots only download a body
// when a slot changed. Responses must be revalidated on every use.
func ETag() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return next(c)
			}

			res := c.Response()
			orig := res.Writer
			buf := newBufferedResponseWriter(orig)
			res.Writer = buf
			err := next(c)
			res.Writer = orig
			if err != nil {
				return err
			}
			if buf.statusCode != http.StatusOK {
				return buf.flush()
			}

			etag := computeETag(buf.buf.Bytes())
			h := res.Header()
			h.Set("ETag", etag)
			h.Set("Cache-Control", "private, no-cache")
			if etagMatch(req.Header.Get("If-None-Match"), etag) {
				h.Del("Content-Type")
				h.Del("Content-Length")
				orig.WriteHeader(http.StatusNotModified)
				res.Status = http.StatusNotModified
				return nil
			}
			return buf.flush()
		}
	}
}

func computeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// etagMatch checks an If-None-Match header, which may list several tags or
// be "*". Weak prefixes are ignored.
func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
