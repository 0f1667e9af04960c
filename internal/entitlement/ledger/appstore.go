// Package ledger talks to the store servers that hold the account's
// authoritative transaction records.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"strideBack/internal/models"
)

const (
	appStoreProdBase    = "https://api.storekit.itunes.apple.com"
	appStoreSandboxBase = "https://api.storekit-sandbox.itunes.apple.com"

	// maxHistoryPages guards against a server that never clears hasMore.
	maxHistoryPages = 200
)

// AppStoreConfig holds App Store Server API credentials and the account anchor.
type AppStoreConfig struct {
	IssuerID   string
	BundleID   string
	KeyID      string
	PrivateKey string
	// OriginalTransactionID identifies the purchasing account.
	OriginalTransactionID string

	// Environment is "sandbox" or "production" (default).
	Environment string
	// BaseURL overrides the environment's API host.
	BaseURL    string
	HTTPClient *http.Client
}

// AppStore is an App Store Server API client.
type AppStore struct {
	issuerID string
	bundleID string
	keyID    string
	key      *ecdsa.PrivateKey
	anchor   string
	base     string
	client   *http.Client
}

// APIError is returned for non-2xx App Store responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("app store api: %d (%s)", e.Status, e.Body)
}

func NewAppStore(cfg AppStoreConfig) (*AppStore, error) {
	if strings.TrimSpace(cfg.IssuerID) == "" || strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, errors.New("app store: issuer_id, key_id and private_key are required")
	}
	if strings.TrimSpace(cfg.OriginalTransactionID) == "" {
		return nil, errors.New("app store: original transaction id is required")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = appStoreProdBase
		if strings.EqualFold(strings.TrimSpace(cfg.Environment), "sandbox") {
			base = appStoreSandboxBase
		}
	}
	return &AppStore{
		issuerID: strings.TrimSpace(cfg.IssuerID),
		bundleID: strings.TrimSpace(cfg.BundleID),
		keyID:    strings.TrimSpace(cfg.KeyID),
		key:      key,
		anchor:   strings.TrimSpace(cfg.OriginalTransactionID),
		base:     base,
		client:   client,
	}, nil
}

// FetchAll pages through the transaction history of the account.
func (s *AppStore) FetchAll(ctx context.Context) ([][]byte, error) {
	var (
		out      [][]byte
		revision string
	)
	for page := 0; page < maxHistoryPages; page++ {
		path := "/inApps/v2/history/" + url.PathEscape(s.anchor)
		if revision != "" {
			path += "?revision=" + url.QueryEscape(revision)
		}
		var body struct {
			Revision           string   `json:"revision"`
			HasMore            bool     `json:"hasMore"`
			SignedTransactions []string `json:"signedTransactions"`
		}
		if err := s.get(ctx, path, &body); err != nil {
			return nil, fmt.Errorf("transaction history: %w", err)
		}
		for _, signed := range body.SignedTransactions {
			out = append(out, []byte(signed))
		}
		if !body.HasMore || body.Revision == "" {
			return out, nil
		}
		revision = body.Revision
	}
	return nil, fmt.Errorf("transaction history: more than %d pages", maxHistoryPages)
}

// RenewalInfo returns the latest signed renewal info of every subscription
// group the account has purchased in.
func (s *AppStore) RenewalInfo(ctx context.Context) ([][]byte, error) {
	var body struct {
		Data []struct {
			SubscriptionGroupIdentifier string `json:"subscriptionGroupIdentifier"`
			LastTransactions            []struct {
				OriginalTransactionID string `json:"originalTransactionId"`
				Status                int    `json:"status"`
				SignedRenewalInfo     string `json:"signedRenewalInfo"`
			} `json:"lastTransactions"`
		} `json:"data"`
	}
	if err := s.get(ctx, "/inApps/v1/subscriptions/"+url.PathEscape(s.anchor), &body); err != nil {
		return nil, fmt.Errorf("subscription statuses: %w", err)
	}
	var out [][]byte
	for _, group := range body.Data {
		for _, last := range group.LastTransactions {
			if strings.TrimSpace(last.SignedRenewalInfo) != "" {
				out = append(out, []byte(last.SignedRenewalInfo))
			}
		}
	}
	return out, nil
}

// RequestRefund always fails: App Store refunds are requested by the user
// on the device.
func (s *AppStore) RequestRefund(ctx context.Context, txn models.Transaction) error {
	return &models.RefundError{Kind: models.RefundUnsupported, Err: errors.New("app store refunds are user initiated")}
}

func (s *AppStore) get(ctx context.Context, path string, out interface{}) error {
	token, err := s.signedToken()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *AppStore) signedToken() (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": s.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"aud": "appstoreconnect-v1",
	}
	if s.bundleID != "" {
		claims["bid"] = s.bundleID
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = s.keyID
	return t.SignedString(s.key)
}
