package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmehdipour/relay/internal/config"
	"github.com/jmehdipour/relay/internal/model"
	"github.com/jmehdipour/relay/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	rows  []model.OutboxEntry
	err   error
	state model.OutboxState
	limit int
}

func (f *fakeOutbox) Insert(context.Context, *sqlx.Tx, model.OutboxEntry) error { return nil }
func (f *fakeOutbox) Claim(context.Context, string, time.Duration, int) ([]model.OutboxEntry, error) {
	return nil, nil
}
func (f *fakeOutbox) MarkProcessed(context.Context, string) error     { return nil }
func (f *fakeOutbox) MarkFailed(context.Context, string, error) error { return nil }
func (f *fakeOutbox) List(_ context.Context, st model.OutboxState, limit, _ int) ([]model.OutboxEntry, error) {
	f.state, f.limit = st, limit
	return f.rows, f.err
}

type fakeDeliveries struct{ filter repository.DeliveryFilter }

func (f *fakeDeliveries) Record(context.Context, ...model.DeliveryRecord) error { return nil }
func (f *fakeDeliveries) List(_ context.Context, flt repository.DeliveryFilter) ([]model.DeliveryRecord, error) {
	f.filter = flt
	return []model.DeliveryRecord{{OutboxID: "01A", Sink: "kafka", Status: model.DeliverySucceeded}}, nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Admin.Token = "secret"
	return cfg
}

func get(t *testing.T, h http.Handler, path string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if admin {
		req.Header.Set("X-Admin-Token", "secret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := NewServer(testConfig(), Deps{})
	rec := get(t, s.Handler(), "/healthz", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/metrics", false).Code)
}

func TestServer_AdminOutbox(t *testing.T) {
	msg := "sink kafka: broker down"
	repo := &fakeOutbox{rows: []model.OutboxEntry{{ID: "01A", EventType: "OrderCreated", Error: &msg, Attempts: 3}}}
	s := NewServer(testConfig(), Deps{Outbox: repo})

	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/v1/admin/outbox", false).Code)

	rec := get(t, s.Handler(), "/v1/admin/outbox?limit=10", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.OutboxFailed, repo.state)
	assert.Equal(t, 10, repo.limit)

	var body struct {
		Count   int                 `json:"count"`
		Results []model.OutboxEntry `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 3, body.Results[0].Attempts)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/v1/admin/outbox?state=stuck", true).Code)

	repo.err = errors.New("mysql gone")
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/v1/admin/outbox?state=pending", true).Code)
	assert.Equal(t, model.OutboxPending, repo.state)
}

func TestServer_AdminDeliveries(t *testing.T) {
	dl := &fakeDeliveries{}
	s := NewServer(testConfig(), Deps{Deliveries: dl})

	rec := get(t, s.Handler(), "/v1/admin/deliveries?sink=kafka&status=failed&offset=5", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kafka", dl.filter.Sink)
	assert.Equal(t, model.DeliveryFailed, dl.filter.Status)
	assert.Equal(t, 5, dl.filter.Offset)
	assert.Equal(t, 50, dl.filter.Limit)
}
