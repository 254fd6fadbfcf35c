package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRoutePatternAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/studies/st1/series/se1/retrieve", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/studies/:study/series/:uid/retrieve")
	c.Set("request_id", "req-42")

	handler := func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	}

	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"request_id":"req-42"`,
		`"route":"/api/v1/studies/:study/series/:uid/retrieve"`,
		`"path":"/api/v1/studies/st1/series/se1/retrieve"`,
		`"status":202`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s:\n%s", want, line)
		}
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	cases := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
		status  string
	}{
		{
			name: "client error logs warn",
			handler: func(c echo.Context) error {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
			},
			level:  `"level":"warn"`,
			status: `"status":404`,
		},
		{
			name: "handler error logs error with echo status",
			handler: func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusInternalServerError, "boom")
			},
			level:  `"level":"error"`,
			status: `"status":500`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/p1", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			Logger(zerolog.New(&buf))(tc.handler)(c)

			line := buf.String()
			if !strings.Contains(line, tc.level) || !strings.Contains(line, tc.status) {
				t.Errorf("expected %s and %s in:\n%s", tc.level, tc.status, line)
			}
		})
	}
}

func TestRecovery_CatchesPanicAndLogsStack(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/merged", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-panic")

	handler := func(c echo.Context) error {
		panic("row index out of range")
	}

	err := Recovery(zerolog.New(&buf))(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}

	line := buf.String()
	for _, want := range []string{
		`"request_id":"req-panic"`,
		`"path":"/api/v1/merged"`,
		"row index out of range",
		`"stack"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("panic log missing %s:\n%s", want, line)
		}
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Recovery(zerolog.New(&buf))(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be logged on the happy path, got %s", buf.String())
	}
}
