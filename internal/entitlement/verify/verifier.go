// Package verify confirms the chain of trust of App Store signed payloads.
package verify

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"strideBack/internal/models"
)

const defaultJWKSURL = "https://apple.com/.well-known/appstoreconnect/keys"

// Config controls trust anchors and the JWKS fallback.
type Config struct {
	// BundleID, when set, must match the bundleId of verified transactions.
	BundleID string
	// Roots overrides the Apple root pool.
	Roots *x509.CertPool
	// ExtraRootsPEM adds trust anchors on top of Roots.
	ExtraRootsPEM []byte
	// JWKSURL is used for payloads without an x5c header.
	JWKSURL    string
	JWKSTTL    time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// JWSVerifier verifies compact JWS payloads signed by the App Store.
type JWSVerifier struct {
	bundleID string
	roots    *x509.CertPool
	jwksURL  string
	jwksTTL  time.Duration
	client   *http.Client
	now      func() time.Time

	jwksMu     sync.Mutex
	jwks       *jose.JSONWebKeySet
	jwksExpiry time.Time
}

// New builds a verifier. Without Config.Roots the embedded Apple root is used.
func New(cfg Config) (*JWSVerifier, error) {
	roots := cfg.Roots
	if roots == nil {
		pool, err := appleRootCertPool()
		if err != nil {
			return nil, err
		}
		roots = pool
	}
	if len(cfg.ExtraRootsPEM) > 0 {
		roots = roots.Clone()
		if !roots.AppendCertsFromPEM(cfg.ExtraRootsPEM) {
			return nil, errors.New("verify: no certificates in extra roots")
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = defaultJWKSURL
	}
	ttl := cfg.JWKSTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &JWSVerifier{
		bundleID: strings.TrimSpace(cfg.BundleID),
		roots:    roots,
		jwksURL:  jwksURL,
		jwksTTL:  ttl,
		client:   client,
		now:      now,
	}, nil
}

// Verify checks txn.SignedPayload and confirms that the signed content
// describes the same transaction as the decoded record.
func (v *JWSVerifier) Verify(ctx context.Context, txn models.Transaction) (models.VerifiedTransaction, error) {
	payload, err := v.VerifyPayload(ctx, txn.SignedPayload)
	if err != nil {
		return models.VerifiedTransaction{}, err
	}
	var claims struct {
		TransactionID string `json:"transactionId"`
		BundleID      string `json:"bundleId"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return models.VerifiedTransaction{}, untrusted(fmt.Errorf("verified payload: %w", err))
	}
	if claims.TransactionID != txn.TransactionID {
		return models.VerifiedTransaction{}, untrusted(fmt.Errorf("transaction id mismatch: expected %s got %s", txn.TransactionID, claims.TransactionID))
	}
	if v.bundleID != "" && claims.BundleID != "" && claims.BundleID != v.bundleID {
		return models.VerifiedTransaction{}, untrusted(fmt.Errorf("bundle id mismatch: %s", claims.BundleID))
	}
	return models.VerifiedTransaction{Transaction: txn, VerifiedAt: v.now()}, nil
}

// VerifyPayload verifies a compact JWS and returns its payload.
func (v *JWSVerifier) VerifyPayload(ctx context.Context, signed []byte) ([]byte, error) {
	token := strings.TrimSpace(string(signed))
	if token == "" {
		return nil, untrusted(errors.New("empty signed payload"))
	}

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, untrusted(err)
	}
	if len(jws.Signatures) == 0 {
		return nil, untrusted(errors.New("missing signature"))
	}
	sig := jws.Signatures[0]

	payload, err := v.verifyWithX5C(jws, sig.Header)
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, jose.ErrMissingX5cHeader) {
		return nil, untrusted(err)
	}

	key, err := v.lookupKey(ctx, sig.Header.KeyID)
	if err != nil {
		return nil, err
	}
	payload, err = jws.Verify(&key)
	if err != nil {
		return nil, untrusted(err)
	}
	return payload, nil
}

func (v *JWSVerifier) verifyWithX5C(jws *jose.JSONWebSignature, header jose.Header) ([]byte, error) {
	opts := x509.VerifyOptions{
		Roots:       v.roots,
		CurrentTime: v.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	chains, err := header.Certificates(opts)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil, errors.New("apple jws: empty certificate chain")
	}
	leaf := chains[0][0]
	if leaf.PublicKey == nil {
		return nil, errors.New("apple jws: certificate missing public key")
	}
	return jws.Verify(leaf.PublicKey)
}

func (v *JWSVerifier) lookupKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	if strings.TrimSpace(kid) == "" {
		return jose.JSONWebKey{}, untrusted(errors.New("apple jws: no x5c and no kid"))
	}
	set, err := v.fetchJWKS(ctx)
	if err != nil {
		return jose.JSONWebKey{}, unavailable(err)
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, untrusted(fmt.Errorf("apple jwk not found: %s", kid))
	}
	return keys[0], nil
}

func (v *JWSVerifier) fetchJWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	v.jwksMu.Lock()
	defer v.jwksMu.Unlock()

	if v.jwks != nil && v.now().Before(v.jwksExpiry) {
		return v.jwks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("apple jwks: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, err
	}
	v.jwks = &set
	v.jwksExpiry = v.now().Add(v.jwksTTL)
	return v.jwks, nil
}

func untrusted(err error) error {
	return &models.VerificationError{Kind: models.VerificationUntrusted, Err: err}
}

func unavailable(err error) error {
	return &models.VerificationError{Kind: models.VerificationUnavailable, Err: err}
}
