package webhook

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/relay/internal/metrics"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	maxInboundBody = 1 << 20
	ctxBodyKey     = "webhook_body"
)

// VerifySignature rejects requests to :address whose signature does not
// verify with that address's secret. Addresses without a secret are rejected,
// and so are bodies over 1 MiB.
func VerifySignature(secretFor func(address string) (string, bool), tolerance time.Duration, now func() time.Time) echo.MiddlewareFunc {
	if now == nil {
		now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInboundBody+1))
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			}
			if len(body) > maxInboundBody {
				metrics.WebhookRejected.WithLabelValues("too_large").Inc()
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))
			c.Set(ctxBodyKey, body)

			secret, ok := secretFor(c.Param("address"))
			if !ok || secret == "" {
				metrics.WebhookRejected.WithLabelValues("no_secret").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "no secret for webhook address"})
			}

			v := Verifier{Secret: secret, Tolerance: tolerance}
			if err := v.Verify(c.Request().Header, body, now()); err != nil {
				metrics.WebhookRejected.WithLabelValues(rejectReason(err)).Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}
			return next(c)
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing"
	case errors.Is(err, ErrTimestampOutOfTolerance):
		return "timestamp"
	default:
		return "mismatch"
	}
}

// Register mounts POST <prefix>/:address on g with signature verification.
func (h *Host) Register(g *echo.Group, prefix string) {
	g.POST(prefix+"/:address", h.handleInbound, VerifySignature(h.secretFor, h.tolerance, h.now))
}

func (h *Host) handleInbound(c echo.Context) error {
	address := c.Param("address")
	ep := h.endpoint(address)
	if ep == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown webhook address"})
	}

	body, _ := c.Get(ctxBodyKey).([]byte)
	msg := h.inboundMessage(c.Request().Header, body)

	if err := ep.consume(c.Request().Context(), msg); err != nil {
		if resilience.IsPermanent(err) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.log.Error("inbound webhook consumer failed",
			zap.String("address", address),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "processing failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Host) inboundMessage(hdr http.Header, body []byte) model.TransportMessage {
	sent, err := time.Parse(time.RFC3339Nano, hdr.Get(HeaderEventTime))
	if err != nil {
		sent = h.now().UTC()
	}
	ct := hdr.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	msg := model.TransportMessage{
		MessageID:      strings.TrimSpace(hdr.Get(HeaderEventID)),
		CorrelationID:  hdr.Get(HeaderCorrelationID),
		ConversationID: hdr.Get(HeaderConversationID),
		MessageType:    hdr.Get(HeaderEventType),
		ContentType:    ct,
		Body:           body,
		SentTime:       sent,
	}
	if sub := hdr.Get(HeaderSubscription); sub != "" {
		msg = msg.WithHeader("webhook-subscription", sub)
	}
	return msg
}
