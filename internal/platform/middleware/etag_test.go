package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func openSlotsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"open_slots": {"09:00", "09:10"}})
}

func TestETag_SetsHeader(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := ETag()(openSlotsHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("expected 200 with body, got %d", rec.Code)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("expected ETag header")
	}
	if rec.Header().Get("Cache-Control") != "private, no-cache" {
		t.Errorf("unexpected Cache-Control %q", rec.Header().Get("Cache-Control"))
	}
}

func TestETag_NotModified(t *testing.T) {
	e := echo.New()
	first := httptest.NewRecorder()
	ETag()(openSlotsHandler)(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), first))
	tag := first.Header().Get("ETag")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", `"other", W/`+tag)
	rec := httptest.NewRecorder()
	if err := ETag()(openSlotsHandler)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("304 must not carry a body")
	}
}

func TestETag_SkipsWritesAndErrors(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	ETag()(openSlotsHandler)(c)
	if rec.Header().Get("ETag") != "" {
		t.Error("POST responses must not be tagged")
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	ETag()(func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	})(c)
	if rec.Code != http.StatusNotFound || rec.Header().Get("ETag") != "" {
		t.Errorf("error responses pass through untagged, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}
}

func TestETagMatch(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"*", true},
		{`"abc"`, true},
		{`W/"abc"`, true},
		{`"x", "abc"`, true},
		{`"abcd"`, false},
	}
	for _, tt := range tests {
		if got := etagMatch(tt.header, `"abc"`); got != tt.want {
			t.Errorf("etagMatch(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
