package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"strideBack/internal/models"
)

func TestCollectorRecordsEngineObservations(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Delivery(models.DeliveryOutcomeApplied)
	c.Delivery(models.DeliveryOutcomeApplied)
	c.Delivery(models.DeliveryOutcomeUntrusted)
	c.Entitlement(models.EntitlementState{Status: models.EntitlementStatusSubscribed, IsSubscribed: true})
	c.Limbo(3)

	if got := testutil.ToFloat64(c.deliveries.WithLabelValues(models.DeliveryOutcomeApplied)); got != 2 {
		t.Fatalf("applied deliveries: %v", got)
	}
	if got := testutil.ToFloat64(c.subscribed); got != 1 {
		t.Fatalf("subscribed gauge: %v", got)
	}
	if got := testutil.ToFloat64(c.known); got != 1 {
		t.Fatalf("known gauge: %v", got)
	}
	if got := testutil.ToFloat64(c.limbo); got != 3 {
		t.Fatalf("limbo gauge: %v", got)
	}

	c.Entitlement(models.UnknownEntitlement())
	if got := testutil.ToFloat64(c.known); got != 0 {
		t.Fatalf("known gauge after reset: %v", got)
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	c := New(prometheus.NewRegistry())
	h := c.Instrument("/entitlement")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/entitlement", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if n := testutil.CollectAndCount(c.requestDuration); n != 1 {
		t.Fatalf("expected one series, got %d", n)
	}
}
