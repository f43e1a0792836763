package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderEventID        = "X-Event-Id"
	HeaderEventType      = "X-Event-Type"
	HeaderEventTime      = "X-Event-Time"
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderConversationID = "X-Conversation-Id"
	HeaderSubscription   = "X-Webhook-Subscription"
	HeaderTimestamp      = "X-Webhook-Timestamp"
	HeaderSignature      = "X-Webhook-Signature"

	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature        = errors.New("missing webhook signature")
	ErrTimestampOutOfTolerance = errors.New("webhook timestamp outside tolerance")
	ErrSignatureMismatch       = errors.New("webhook signature mismatch")
)

// Sign returns hex(HMAC-SHA256(secret, "<unix>.<body>")).
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks signed inbound requests.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
}

func (v Verifier) Verify(h http.Header, body []byte, now time.Time) error {
	rawTS, sig := h.Get(HeaderTimestamp), h.Get(HeaderSignature)
	if rawTS == "" || sig == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrMissingSignature, rawTS)
	}

	tol := v.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > tol || skew < -tol {
		return ErrTimestampOutOfTolerance
	}

	want := Sign(v.Secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureMismatch
	}
	return nil
}
