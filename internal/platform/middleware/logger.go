package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request. The browser API addresses
// everything by DICOM UIDs in the path, so the matched route pattern is
// logged next to the concrete path; the level follows the response status.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	log := logger.With().Str("component", "http").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()
			status := res.Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = log.Error().Err(err)
			case status >= 400:
				evt = log.Warn()
			default:
				evt = log.Info()
			}

			rid, _ := c.Get("request_id").(string)
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", status).
				Int64("bytes_out", res.Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
