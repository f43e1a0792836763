package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/resilience"
	"github.com/jmehdipour/relay/internal/transport"
	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type captured struct {
	mu   sync.Mutex
	reqs []*http.Request
	body [][]byte
}

func (c *captured) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.reqs = append(c.reqs, r)
		c.body = append(c.body, b)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSender() *Sender {
	s := NewSender(time.Second)
	s.now = func() time.Time { return fixedNow }
	return s
}

func orderMsg(typ string) model.TransportMessage {
	return model.TransportMessage{
		MessageID:     "01J0000000000000000000000A",
		CorrelationID: "corr-1",
		MessageType:   typ,
		ContentType:   model.ContentTypeJSON,
		Body:          []byte(`{"order_id":42}`),
		SentTime:      fixedNow,
	}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	ts := fixedNow.Unix()
	sig := Sign("s3cret", ts, body)

	h := http.Header{}
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, sig)

	v := Verifier{Secret: "s3cret"}
	require.NoError(t, v.Verify(h, body, fixedNow.Add(time.Minute)))

	assert.ErrorIs(t, v.Verify(h, []byte(`{"a":2}`), fixedNow), ErrSignatureMismatch)
	assert.ErrorIs(t, Verifier{Secret: "other"}.Verify(h, body, fixedNow), ErrSignatureMismatch)
	assert.ErrorIs(t, v.Verify(h, body, fixedNow.Add(6*time.Minute)), ErrTimestampOutOfTolerance)
	assert.ErrorIs(t, v.Verify(h, body, fixedNow.Add(-6*time.Minute)), ErrTimestampOutOfTolerance)
	assert.ErrorIs(t, v.Verify(http.Header{}, body, fixedNow), ErrMissingSignature)

	bad := h.Clone()
	bad.Set(HeaderTimestamp, "yesterday")
	assert.ErrorIs(t, v.Verify(bad, body, fixedNow), ErrMissingSignature)
}

func TestSender_Headers(t *testing.T) {
	var got captured
	srv := got.server(t, http.StatusAccepted)

	sub := model.WebhookSubscription{Name: "crm", URL: srv.URL, Secret: "k", Enabled: true}
	require.NoError(t, testSender().Send(context.Background(), sub, orderMsg("OrderCreated")))

	require.Equal(t, 1, got.count())
	h := got.reqs[0].Header
	assert.Equal(t, "01J0000000000000000000000A", h.Get(HeaderEventID))
	assert.Equal(t, "OrderCreated", h.Get(HeaderEventType))
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), h.Get(HeaderEventTime))
	assert.Equal(t, "corr-1", h.Get(HeaderCorrelationID))
	assert.Empty(t, h.Get(HeaderConversationID))
	assert.Equal(t, "crm", h.Get(HeaderSubscription))
	assert.Equal(t, model.ContentTypeJSON, h.Get("Content-Type"))
	assert.Equal(t, strconv.FormatInt(fixedNow.Unix(), 10), h.Get(HeaderTimestamp))
	assert.Equal(t, Sign("k", fixedNow.Unix(), got.body[0]), h.Get(HeaderSignature))
	assert.Equal(t, []byte(`{"order_id":42}`), got.body[0])
}

func TestSender_UnsignedWithoutSecret(t *testing.T) {
	var got captured
	srv := got.server(t, http.StatusOK)

	sub := model.WebhookSubscription{Name: "open", URL: srv.URL, Enabled: true}
	require.NoError(t, testSender().Send(context.Background(), sub, orderMsg("OrderCreated")))
	assert.Empty(t, got.reqs[0].Header.Get(HeaderSignature))
	assert.Empty(t, got.reqs[0].Header.Get(HeaderTimestamp))
}

func TestSender_StatusErrors(t *testing.T) {
	var c captured
	gone := c.server(t, http.StatusGone)
	busy := c.server(t, http.StatusServiceUnavailable)
	ctx := context.Background()

	err := testSender().Send(ctx, model.WebhookSubscription{Name: "gone", URL: gone.URL}, orderMsg("X"))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusGone, se.StatusCode)
	assert.True(t, resilience.IsPermanent(err))

	err = testSender().Send(ctx, model.WebhookSubscription{Name: "busy", URL: busy.URL}, orderMsg("X"))
	require.ErrorAs(t, err, &se)
	assert.False(t, resilience.IsPermanent(err))
}

func TestPublish_OnlyMatchingSubscriptions(t *testing.T) {
	var created, cancelled, disabled captured
	store, err := NewMemoryStore(
		model.WebhookSubscription{Name: "created", URL: created.server(t, 200).URL, Enabled: true, EventTypes: []string{"OrderCreated"}},
		model.WebhookSubscription{Name: "cancelled", URL: cancelled.server(t, 200).URL, Enabled: true, EventTypes: []string{"OrderCancelled"}},
		model.WebhookSubscription{Name: "off", URL: disabled.server(t, 200).URL, Enabled: false},
	)
	require.NoError(t, err)

	host := NewHost(store, testSender())
	pt, err := host.PublishTransport(context.Background(), "OrderCreated")
	require.NoError(t, err)
	require.NoError(t, pt.Publish(context.Background(), orderMsg("OrderCreated")))

	assert.Equal(t, 1, created.count())
	assert.Zero(t, cancelled.count())
	assert.Zero(t, disabled.count())
}

func TestPublish_AggregatesFailures(t *testing.T) {
	var ok, bad1, bad2 captured
	store, err := NewMemoryStore(
		model.WebhookSubscription{Name: "ok", URL: ok.server(t, 200).URL, Enabled: true},
		model.WebhookSubscription{Name: "bad1", URL: bad1.server(t, 500).URL, Enabled: true},
		model.WebhookSubscription{Name: "bad2", URL: bad2.server(t, 502).URL, Enabled: true},
	)
	require.NoError(t, err)

	pt, err := NewHost(store, testSender()).PublishTransport(context.Background(), "OrderCreated")
	require.NoError(t, err)
	err = pt.Publish(context.Background(), orderMsg("OrderCreated"))
	require.Error(t, err)

	errs := multierr.Errors(err)
	assert.Len(t, errs, 2)
	assert.Contains(t, err.Error(), "webhook bad1:")
	assert.Contains(t, err.Error(), "webhook bad2:")
	assert.Equal(t, 1, ok.count())
}

func TestSend_BySubscriptionName(t *testing.T) {
	var got captured
	store, err := NewMemoryStore(model.WebhookSubscription{Name: "crm", URL: got.server(t, 204).URL, Enabled: true, EventTypes: []string{"Other"}})
	require.NoError(t, err)
	host := NewHost(store, testSender())

	st, err := host.SendTransport(context.Background(), "crm")
	require.NoError(t, err)
	require.NoError(t, st.Send(context.Background(), orderMsg("OrderCreated")))
	assert.Equal(t, 1, got.count())

	st, err = host.SendTransport(context.Background(), "missing")
	require.NoError(t, err)
	assert.ErrorIs(t, st.Send(context.Background(), orderMsg("OrderCreated")), transport.ErrNoRoute)
}

func TestMemoryStore_RequiresName(t *testing.T) {
	_, err := NewMemoryStore(model.WebhookSubscription{URL: "http://x"})
	assert.ErrorIs(t, err, ErrSubscriptionName)
}

func inboundServer(t *testing.T, consume transport.ConsumeFunc) (*Host, *echo.Echo) {
	t.Helper()
	store, err := NewMemoryStore()
	require.NoError(t, err)
	host := NewHost(store, testSender(), WithInboundSecret("partner", "shh"))
	host.now = func() time.Time { return fixedNow }

	_, err = host.ConnectReceiveEndpoint(context.Background(), transport.ReceiveEndpointConfig{
		InputAddress: "partner",
		Consumer:     consume,
	})
	require.NoError(t, err)

	e := echo.New()
	host.Register(e.Group("/v1"), "/webhooks")
	return host, e
}

func signedRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/partner", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set(HeaderEventID, "evt-1")
	req.Header.Set(HeaderEventType, "PaymentSettled")
	req.Header.Set(HeaderEventTime, fixedNow.Format(time.RFC3339Nano))
	ts := fixedNow.Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(secret, ts, body))
	return req
}

func TestInbound_DeliversVerifiedRequest(t *testing.T) {
	var got model.TransportMessage
	_, e := inboundServer(t, func(_ context.Context, msg model.TransportMessage) error {
		got = msg
		return nil
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest([]byte(`{"amount":5}`), "shh"))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "evt-1", got.MessageID)
	assert.Equal(t, "PaymentSettled", got.MessageType)
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, []byte(`{"amount":5}`), got.Body)
	assert.True(t, fixedNow.Equal(got.SentTime))
}

func TestInbound_RejectsBadSignature(t *testing.T) {
	called := false
	_, e := inboundServer(t, func(context.Context, model.TransportMessage) error {
		called = true
		return nil
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest([]byte(`{}`), "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := signedRequest([]byte(`{}`), "shh")
	req.Header.Del(HeaderSignature)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestInbound_ConsumerErrorsMapToStatus(t *testing.T) {
	var next error
	host, e := inboundServer(t, func(context.Context, model.TransportMessage) error { return next })

	next = resilience.Permanent(errors.New("bad payload"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest([]byte(`{}`), "shh"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	next = errors.New("db down")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest([]byte(`{}`), "shh"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	require.NoError(t, host.Close())
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest([]byte(`{}`), "shh"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInbound_RejectsOversizedBody(t *testing.T) {
	called := false
	_, e := inboundServer(t, func(context.Context, model.TransportMessage) error {
		called = true
		return nil
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(bytes.Repeat([]byte("a"), maxInboundBody+10), "shh"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, called)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(bytes.Repeat([]byte("a"), maxInboundBody), "shh"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, called)
}

func TestInbound_AddressWithoutSecretIsRejected(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	host := NewHost(store, testSender(), WithInboundSecret("partner", ""))

	called := false
	_, err = host.ConnectReceiveEndpoint(context.Background(), transport.ReceiveEndpointConfig{
		InputAddress: "partner",
		Consumer: func(context.Context, model.TransportMessage) error {
			called = true
			return nil
		},
	})
	require.NoError(t, err)
	e := echo.New()
	host.Register(e.Group("/v1"), "/webhooks")

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/partner", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(HeaderEventID, "forged")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestEndpoint_RunReturnsOnClose(t *testing.T) {
	store, _ := NewMemoryStore()
	host := NewHost(store, testSender())
	ep, err := host.ConnectReceiveEndpoint(context.Background(), transport.ReceiveEndpointConfig{
		InputAddress: "a",
		Consumer:     func(context.Context, model.TransportMessage) error { return nil },
	})
	require.NoError(t, err)

	_, err = host.ConnectReceiveEndpoint(context.Background(), transport.ReceiveEndpointConfig{
		InputAddress: "a",
		Consumer:     func(context.Context, model.TransportMessage) error { return nil },
	})
	assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)

	done := make(chan error, 1)
	go func() { done <- ep.Run(context.Background()) }()
	require.NoError(t, ep.Close())
	require.NoError(t, <-done)
	assert.Equal(t, "a", ep.Address())
}

func TestPublish_RetriesPerSubscription(t *testing.T) {
	var flaky, steady captured
	fails := 1
	flakySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flaky.mu.Lock()
		flaky.reqs = append(flaky.reqs, r)
		fail := fails > 0
		fails--
		flaky.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(flakySrv.Close)

	store, err := NewMemoryStore(
		model.WebhookSubscription{Name: "flaky", URL: flakySrv.URL, Enabled: true},
		model.WebhookSubscription{Name: "steady", URL: steady.server(t, 200).URL, Enabled: true},
	)
	require.NoError(t, err)

	host := NewHost(store, testSender(), WithPipelines(func(sub string) *resilience.Pipeline {
		return resilience.New(sub, resilience.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
	}))
	pt, err := host.PublishTransport(context.Background(), "OrderCreated")
	require.NoError(t, err)
	require.NoError(t, pt.Publish(context.Background(), orderMsg("OrderCreated")))

	assert.Equal(t, 2, flaky.count())
	assert.Equal(t, 1, steady.count())
	assert.Same(t, host.pipeline("flaky"), host.pipeline("flaky"))
}
