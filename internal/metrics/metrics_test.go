package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

func TestObserveMatches(t *testing.T) {
	m := New()
	m.ObserveMatches([]domain.Match{
		{Quantity: decimal.RequireFromString("2.5")},
		{Quantity: decimal.NewFromInt(1)},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Matches))
	assert.Equal(t, 3.5, testutil.ToFloat64(m.MatchedVolume))
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.SettlementExhausted.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SettlementExhausted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SettlementExhausted))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.EventDropped(domain.EventOrderMatched)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `gridclear_events_dropped_total{type="order_matched"} 1`))
}
