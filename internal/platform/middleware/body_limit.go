package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/bytes"
)

// DefaultBodyLimit applies when the configured limit is empty or invalid.
const DefaultBodyLimit = "1M"

// BodyLimit rejects request bodies larger than limit ("64K", "1M", "2048")
// with 413. Both declared and streamed bodies are counted.
func BodyLimit(limit string) echo.MiddlewareFunc {
	return echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit: normalizeLimit(limit),
		Skipper: func(c echo.Context) bool {
			switch c.Request().Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				return true
			}
			return false
		},
	})
}

func normalizeLimit(limit string) string {
	if n, err := bytes.Parse(limit); err != nil || n <= 0 {
		return DefaultBodyLimit
	}
	return limit
}
