// Package middleware provides the HTTP middleware chain used by the
// dicomdesk server: request IDs, request logging and panic recovery.
package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader carries the request correlation id on requests and
// responses.
const RequestIDHeader = "X-Request-ID"

// RequestID attaches an id to every request, preserving one supplied by
// the caller. The id is stored under the "request_id" context key and
// echoed back on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
