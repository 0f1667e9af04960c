package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"strideBack/internal/entitlement/feed"
	"strideBack/internal/entitlement/storetest"
	"strideBack/internal/entitlement/verify"
	"strideBack/internal/models"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type unavailableVerifier struct{}

func (unavailableVerifier) VerifyPayload(ctx context.Context, signed []byte) ([]byte, error) {
	return nil, &models.VerificationError{Kind: models.VerificationUnavailable}
}

func notificationBody(t *testing.T, auth *storetest.Authority, notificationType string, data map[string]any) string {
	t.Helper()
	signed, err := auth.Sign(map[string]any{
		"notificationType": notificationType,
		"notificationUUID": "0f1e2d3c",
		"version":          "2.0",
		"signedDate":       time.Now().UnixMilli(),
		"data":             data,
	})
	if err != nil {
		t.Fatalf("sign notification: %v", err)
	}
	raw, _ := json.Marshal(map[string]string{"signedPayload": string(signed)})
	return string(raw)
}

func newNotificationHandler(t *testing.T) (*AppleNotificationHandler, *storetest.Authority, *feed.Memory) {
	t.Helper()
	auth, err := storetest.NewAuthority()
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	v, err := verify.New(verify.Config{Roots: auth.RootPool(), BundleID: "com.stride.app"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	q := feed.NewMemory(1)
	return NewAppleNotificationHandler(v, q, "com.stride.app", testLogger{}), auth, q
}

func TestAppleNotificationQueued(t *testing.T) {
	h, auth, q := newNotificationHandler(t)
	body := notificationBody(t, auth, "DID_RENEW", map[string]any{
		"bundleId":              "com.stride.app",
		"signedTransactionInfo": "txn.jws.value",
		"signedRenewalInfo":     "renewal.jws.value",
	})

	rec := httptest.NewRecorder()
	h.AppleNotificationsV2(rec, httptest.NewRequest(http.MethodPost, "/apple/notifications", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if q.Len() != 1 {
		t.Fatalf("expected one queued update, got %d", q.Len())
	}

	// queue limit is one
	rec = httptest.NewRecorder()
	h.AppleNotificationsV2(rec, httptest.NewRequest(http.MethodPost, "/apple/notifications", strings.NewReader(body)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on full queue, got %d", rec.Code)
	}
}

func TestAppleNotificationIgnored(t *testing.T) {
	h, auth, q := newNotificationHandler(t)
	body := notificationBody(t, auth, "TEST", map[string]any{"bundleId": "com.stride.app"})

	rec := httptest.NewRecorder()
	h.AppleNotificationsV2(rec, httptest.NewRequest(http.MethodPost, "/apple/notifications", strings.NewReader(body)))
	if rec.Code != http.StatusOK || q.Len() != 0 {
		t.Fatalf("expected ignored notification, got %d with %d queued", rec.Code, q.Len())
	}
}

func TestAppleNotificationRejected(t *testing.T) {
	h, auth, q := newNotificationHandler(t)

	other, err := storetest.NewAuthority()
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	cases := map[string]string{
		"garbage":         `{"signedPayload":"not-a-jws"}`,
		"unknown signer":  notificationBody(t, other, "REFUND", map[string]any{"signedTransactionInfo": "x"}),
		"bundle mismatch": notificationBody(t, auth, "REFUND", map[string]any{"bundleId": "com.other", "signedTransactionInfo": "x"}),
		"bad body":        `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.AppleNotificationsV2(rec, httptest.NewRequest(http.MethodPost, "/apple/notifications", strings.NewReader(body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
	if q.Len() != 0 {
		t.Fatalf("rejected notifications must not be queued")
	}
}

func TestAppleNotificationVerifierUnavailable(t *testing.T) {
	h := NewAppleNotificationHandler(unavailableVerifier{}, feed.NewMemory(0), "", testLogger{})
	rec := httptest.NewRecorder()
	h.AppleNotificationsV2(rec, httptest.NewRequest(http.MethodPost, "/apple/notifications", strings.NewReader(`{"signedPayload":"a.b.c"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestClassifyNotification(t *testing.T) {
	if classifyNotification("TEST", "") != notificationIgnore {
		t.Fatalf("TEST must be ignored")
	}
	for _, typ := range []string{"REFUND", "REVOKE", "DID_RENEW", "EXPIRED", "SUBSCRIBED"} {
		if classifyNotification(typ, "") != notificationForward {
			t.Fatalf("%s must be forwarded", typ)
		}
	}
}
