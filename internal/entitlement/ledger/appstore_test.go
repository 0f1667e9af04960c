package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt"

	"strideBack/internal/models"
)

func testKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func newTestAppStore(t *testing.T, srv *httptest.Server, keyPEM string) *AppStore {
	t.Helper()
	s, err := NewAppStore(AppStoreConfig{
		IssuerID:              "issuer",
		BundleID:              "com.stride.app",
		KeyID:                 "KEY123",
		PrivateKey:            keyPEM,
		OriginalTransactionID: "1000",
		BaseURL:               srv.URL,
		HTTPClient:            srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewAppStore: %v", err)
	}
	return s
}

func TestFetchAllFollowsRevisions(t *testing.T) {
	key, keyPEM := testKey(t)
	var revisions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parsed, err := jwt.Parse(token, func(tok *jwt.Token) (interface{}, error) {
			if tok.Header["kid"] != "KEY123" {
				return nil, errors.New("unexpected kid")
			}
			return &key.PublicKey, nil
		})
		if err != nil || !parsed.Valid {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims := parsed.Claims.(jwt.MapClaims)
		if claims["aud"] != "appstoreconnect-v1" || claims["bid"] != "com.stride.app" {
			http.Error(w, "bad claims", http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/inApps/v2/history/1000" {
			http.NotFound(w, r)
			return
		}
		rev := r.URL.Query().Get("revision")
		revisions = append(revisions, rev)
		switch rev {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]any{"revision": "r1", "hasMore": true, "signedTransactions": []string{"a", "b"}})
		case "r1":
			_ = json.NewEncoder(w).Encode(map[string]any{"revision": "r2", "hasMore": false, "signedTransactions": []string{"c"}})
		}
	}))
	defer srv.Close()

	got, err := newTestAppStore(t, srv, keyPEM).FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(got) != 3 || string(got[0]) != "a" || string(got[2]) != "c" {
		t.Fatalf("unexpected payloads: %q", got)
	}
	if len(revisions) != 2 || revisions[1] != "r1" {
		t.Fatalf("unexpected revisions: %v", revisions)
	}
}

func TestFetchAllServerError(t *testing.T) {
	_, keyPEM := testKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestAppStore(t, srv, keyPEM).FetchAll(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestRenewalInfo(t *testing.T) {
	_, keyPEM := testKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inApps/v1/subscriptions/1000" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"subscriptionGroupIdentifier":"21000001","lastTransactions":[
			{"originalTransactionId":"1000","status":1,"signedRenewalInfo":"renewal-1"},
			{"originalTransactionId":"1001","status":2,"signedRenewalInfo":""}]}]}`))
	}))
	defer srv.Close()

	got, err := newTestAppStore(t, srv, keyPEM).RenewalInfo(context.Background())
	if err != nil {
		t.Fatalf("RenewalInfo: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "renewal-1" {
		t.Fatalf("unexpected renewals: %q", got)
	}
}

func TestAppStoreRefundUnsupported(t *testing.T) {
	_, keyPEM := testKey(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	err := newTestAppStore(t, srv, keyPEM).RequestRefund(context.Background(), models.Transaction{TransactionID: "1"})
	if models.RefundErrorKind(err) != models.RefundUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestNewAppStoreValidation(t *testing.T) {
	_, keyPEM := testKey(t)
	if _, err := NewAppStore(AppStoreConfig{IssuerID: "i", KeyID: "k", PrivateKey: keyPEM}); err == nil {
		t.Fatalf("expected error without original transaction id")
	}
	if _, err := NewAppStore(AppStoreConfig{IssuerID: "i", KeyID: "k", PrivateKey: "nope", OriginalTransactionID: "1"}); err == nil {
		t.Fatalf("expected error for invalid key")
	}
}
