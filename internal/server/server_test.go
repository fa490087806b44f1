package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/book"
	"github.com/alanyoungcy/gridclear/internal/ledger/sim"
	"github.com/alanyoungcy/gridclear/internal/market"
	"github.com/alanyoungcy/gridclear/internal/metrics"
	"github.com/alanyoungcy/gridclear/internal/scheduler"
	"github.com/alanyoungcy/gridclear/internal/server/handler"
	"github.com/alanyoungcy/gridclear/internal/settlement"
	"github.com/alanyoungcy/gridclear/internal/store/memory"
)

const apiKey = "secret"

func newAPI(t *testing.T) (http.Handler, *metrics.Metrics) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	stores := memory.New(memory.WithClock(clock)).Stores()
	b := book.New("")
	orch := settlement.New(settlement.Config{FeeBps: 50}, stores.Settlements, sim.New(sim.WithOverdraft()), nil, logger,
		settlement.WithClock(clock), settlement.WithMetrics(m))
	sched := scheduler.New(scheduler.Config{EpochDuration: 15 * time.Minute, CarryOver: true}, stores, b, orch, logger,
		scheduler.WithClock(clock))
	require.NoError(t, sched.Tick(ctx, now))

	mkt, err := market.New(ctx, market.Config{}, stores, b, sched, orch, logger, market.WithClock(clock))
	require.NoError(t, err)

	h := Handlers{
		Health:      handler.NewHealthHandler("dev", nil),
		Orders:      handler.NewOrderHandler(mkt, logger),
		Epochs:      handler.NewEpochHandler(mkt, nil, logger),
		Settlements: handler.NewSettlementHandler(mkt, logger),
	}
	return Routes(Config{APIKey: apiKey}, h, m, nil, logger), m
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestAuthGuardsAPI(t *testing.T) {
	h, _ := newAPI(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/epochs/current", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	h, _ := newAPI(t)

	rec, body := do(t, h, http.MethodPost, "/api/orders",
		`{"side":"buy","owner":"alice","quantity":"10","limit_price":"5.5"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body["id"].(string)
	assert.Equal(t, "open", body["status"])
	assert.Equal(t, "5.5", body["limit_price"])

	rec, body = do(t, h, http.MethodGet, "/api/orders?owner=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["orders"], 1)

	rec, body = do(t, h, http.MethodGet, "/api/book", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["bids"], 1)

	rec, body = do(t, h, http.MethodDelete, "/api/orders/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", body["status"])

	rec, _ = do(t, h, http.MethodDelete, "/api/orders/"+id, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitValidation(t *testing.T) {
	h, _ := newAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"bad quantity", `{"side":"buy","owner":"a","quantity":"ten","limit_price":"1"}`},
		{"negative price", `{"side":"buy","owner":"a","quantity":"1","limit_price":"-1"}`},
		{"unknown side", `{"side":"hold","owner":"a","quantity":"1","limit_price":"1"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, "/api/orders", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestTriggerClearingOverHTTP(t *testing.T) {
	h, _ := newAPI(t)

	_, _ = do(t, h, http.MethodPost, "/api/orders", `{"side":"buy","owner":"alice","quantity":"10","limit_price":"5"}`)
	_, _ = do(t, h, http.MethodPost, "/api/orders", `{"side":"sell","owner":"bob","quantity":"10","limit_price":"5"}`)

	rec, cur := do(t, h, http.MethodGet, "/api/epochs/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	id := cur["id"].(string)

	rec, body := do(t, h, http.MethodPost, "/api/epochs/current/clear", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "settled", body["status"])

	rec, body = do(t, h, http.MethodGet, "/api/epochs/"+id+"/matches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["matches"], 1)

	rec, body = do(t, h, http.MethodGet, "/api/settlements?epoch_id="+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	settlements := body["settlements"].([]any)
	require.Len(t, settlements, 1)
	first := settlements[0].(map[string]any)
	assert.Equal(t, "50", first["gross_amount"])
	assert.Equal(t, "0.25", first["platform_fee"])

	rec, _ = do(t, h, http.MethodGet, "/api/settlements/"+first["id"].(string), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/epochs/"+id+"/report", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newAPI(t)
	_, _ = do(t, h, http.MethodGet, "/api/health", "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gridclear_http_requests_total")
}
