package sse

import (
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"
)

// Handler streams frames to the client, e.g. GET /v1/stream?stream=a&stream=b.
func Handler(hub *Hub, keepAlive time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		var streams []string
		for _, s := range c.QueryParams()["stream"] {
			for _, part := range strings.Split(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					streams = append(streams, part)
				}
			}
		}

		lastID := strings.TrimSpace(c.Request().Header.Get("Last-Event-ID"))
		if lastID == "" {
			lastID = strings.TrimSpace(c.QueryParam("lastEventId"))
		}

		res := c.Response()
		h := res.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)
		res.Flush()

		return hub.Serve(c.Request().Context(), res, res.Flush, Request{
			UserID:      strings.TrimSpace(c.Request().Header.Get("X-User-ID")),
			Streams:     streams,
			LastEventID: lastID,
			KeepAlive:   keepAlive,
		})
	}
}
