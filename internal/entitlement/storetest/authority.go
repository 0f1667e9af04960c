// Package storetest builds App Store style signed payloads for tests: an
// in-memory root CA, a leaf signing certificate and ES256 JWS with an x5c chain.
package storetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Authority signs payloads the way the App Store does.
type Authority struct {
	Root    *x509.Certificate
	Leaf    *x509.Certificate
	leafKey *ecdsa.PrivateKey
	KeyID   string
}

// NewAuthority creates a root and leaf valid around the current time.
func NewAuthority() (*Authority, error) {
	now := time.Now()
	return NewAuthorityValid(now.Add(-time.Hour), now.Add(24*time.Hour))
}

// NewAuthorityValid creates an authority whose leaf is valid in [notBefore, notAfter].
func NewAuthorityValid(notBefore, notAfter time.Time) (*Authority, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	rootTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-48 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTpl, rootTpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	leafTpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Store Signing"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTpl, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create leaf: %w", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, err
	}
	return &Authority{Root: root, Leaf: leaf, leafKey: leafKey, KeyID: "test-key"}, nil
}

// RootPool returns a pool trusting only this authority.
func (a *Authority) RootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Root)
	return pool
}

// JWK returns the leaf public key as a JWKS entry.
func (a *Authority) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &a.leafKey.PublicKey, KeyID: a.KeyID, Algorithm: string(jose.ES256), Use: "sig"}
}

// Sign produces a compact JWS carrying the x5c chain.
func (a *Authority) Sign(payload any) ([]byte, error) {
	chain := []string{
		base64.StdEncoding.EncodeToString(a.Leaf.Raw),
		base64.StdEncoding.EncodeToString(a.Root.Raw),
	}
	opts := (&jose.SignerOptions{}).WithHeader("x5c", chain)
	return a.sign(payload, opts)
}

// SignWithKeyID produces a compact JWS without x5c, identified by kid only.
func (a *Authority) SignWithKeyID(payload any) ([]byte, error) {
	opts := (&jose.SignerOptions{}).WithHeader("kid", a.KeyID)
	return a.sign(payload, opts)
}

func (a *Authority) sign(payload any, opts *jose.SignerOptions) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: a.leafKey}, opts)
	if err != nil {
		return nil, err
	}
	obj, err := signer.Sign(body)
	if err != nil {
		return nil, err
	}
	out, err := obj.CompactSerialize()
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
