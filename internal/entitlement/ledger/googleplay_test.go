package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"google.golang.org/api/option"

	"strideBack/internal/models"
)

func newTestGooglePlay(t *testing.T, status int) (*GooglePlay, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"code":` + strconv.Itoa(status) + `,"message":"nope"}}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	g, err := NewGooglePlay(context.Background(), "com.stride.app", true,
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewGooglePlay: %v", err)
	}
	return g, &paths
}

func TestGooglePlayRefundSubmitted(t *testing.T) {
	g, paths := newTestGooglePlay(t, http.StatusOK)
	if err := g.RequestRefund(context.Background(), models.Transaction{TransactionID: "GPA.1234"}); err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if len(*paths) != 1 || !strings.Contains((*paths)[0], "/applications/com.stride.app/orders/GPA.1234:refund") {
		t.Fatalf("unexpected request: %v", *paths)
	}
	if !strings.Contains((*paths)[0], "revoke=true") {
		t.Fatalf("expected revoke flag: %v", *paths)
	}
}

func TestGooglePlayRefundClassification(t *testing.T) {
	cases := map[int]models.RefundKind{
		http.StatusBadRequest:          models.RefundDeclined,
		http.StatusNotFound:            models.RefundDeclined,
		http.StatusTooManyRequests:     models.RefundTransient,
		http.StatusInternalServerError: models.RefundTransient,
		http.StatusServiceUnavailable:  models.RefundTransient,
	}
	for status, kind := range cases {
		g, _ := newTestGooglePlay(t, status)
		err := g.RequestRefund(context.Background(), models.Transaction{TransactionID: "GPA.1"})
		if models.RefundErrorKind(err) != kind {
			t.Fatalf("status %d: expected %s, got %v", status, kind, err)
		}
	}
}
