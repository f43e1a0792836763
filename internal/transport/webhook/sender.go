package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
)

const defaultTimeout = 10 * time.Second

// StatusError is a non-2xx answer from a subscriber.
type StatusError struct {
	Subscription string
	StatusCode   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s answered status=%d", e.Subscription, e.StatusCode)
}

// Sender posts messages to subscription URLs.
type Sender struct {
	client *http.Client
	now    func() time.Time
}

func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sender{client: &http.Client{Timeout: timeout}, now: time.Now}
}

// Send posts msg.Body to sub.URL. Client errors other than 408 and 429 are
// permanent; everything else may be retried.
func (s *Sender) Send(ctx context.Context, sub model.WebhookSubscription, msg model.TransportMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(msg.Body))
	if err != nil {
		return resilience.Permanent(err)
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = model.ContentTypeJSON
	}
	sent := msg.SentTime
	if sent.IsZero() {
		sent = s.now()
	}

	h := req.Header
	h.Set("Content-Type", contentType)
	h.Set(HeaderEventID, msg.MessageID)
	h.Set(HeaderEventType, msg.MessageType)
	h.Set(HeaderEventTime, sent.UTC().Format(time.RFC3339Nano))
	h.Set(HeaderSubscription, sub.Name)
	if msg.CorrelationID != "" {
		h.Set(HeaderCorrelationID, msg.CorrelationID)
	}
	if msg.ConversationID != "" {
		h.Set(HeaderConversationID, msg.ConversationID)
	}
	if sub.Secret != "" {
		ts := s.now().Unix()
		h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		h.Set(HeaderSignature, Sign(sub.Secret, ts, msg.Body))
	}

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode/100 != 2 {
		se := &StatusError{Subscription: sub.Name, StatusCode: res.StatusCode}
		if res.StatusCode/100 == 4 && res.StatusCode != http.StatusRequestTimeout && res.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(se)
		}
		return se
	}
	return nil
}
