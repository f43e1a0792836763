package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func paging(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// listOutboxHandler serves GET /v1/admin/outbox?state=pending|failed|processed.
func listOutboxHandler(repo repository.OutboxRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := paging(c)

		state := model.OutboxFailed
		if raw := strings.TrimSpace(c.QueryParam("state")); raw != "" {
			state = model.OutboxState(raw)
		}
		if !state.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "state must be pending, failed or processed"})
		}

		rows, err := repo.List(c.Request().Context(), state, limit, offset)
		if err != nil {
			if errors.Is(err, repository.ErrUnknownState) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			log.Error("outbox list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"state":   state,
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}

// listDeliveriesHandler serves GET /v1/admin/deliveries from the ClickHouse log.
func listDeliveriesHandler(deliveries repository.DeliveryLog, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := paging(c)

		f := repository.DeliveryFilter{
			EventType: strings.TrimSpace(c.QueryParam("event_type")),
			Sink:      strings.TrimSpace(c.QueryParam("sink")),
			Limit:     limit,
			Offset:    offset,
		}
		switch st := model.DeliveryStatus(strings.TrimSpace(c.QueryParam("status"))); st {
		case model.DeliverySucceeded, model.DeliveryFailed:
			f.Status = st
		}

		recs, err := deliveries.List(c.Request().Context(), f)
		if err != nil {
			log.Error("clickhouse deliveries list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(recs),
			"results": recs,
		})
	}
}
