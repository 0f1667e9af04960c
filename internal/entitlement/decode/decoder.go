// Package decode turns App Store signed payloads into transaction records.
//
// Decoding reads the JWS payload without checking its signature; callers must
// pass the result through the verifier before trusting it.
package decode

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"strideBack/internal/models"
)

var allowedAlgorithms = []jose.SignatureAlgorithm{jose.ES256}

// transactionPayload follows JWSTransactionDecodedPayload. Pointers separate
// absent fields from zero values.
type transactionPayload struct {
	TransactionID               *string `json:"transactionId"`
	OriginalTransactionID       string  `json:"originalTransactionId"`
	ProductID                   *string `json:"productId"`
	SubscriptionGroupIdentifier string  `json:"subscriptionGroupIdentifier"`
	PurchaseDate                *int64  `json:"purchaseDate"`
	ExpiresDate                 *int64  `json:"expiresDate"`
	RevocationDate              *int64  `json:"revocationDate"`
	RevocationReason            *int    `json:"revocationReason"`
	OfferType                   *int    `json:"offerType"`
	OfferDiscountType           *string `json:"offerDiscountType"`
	Price                       *int64  `json:"price"`
	Currency                    string  `json:"currency"`
	Storefront                  string  `json:"storefront"`
	BundleID                    string  `json:"bundleId"`
	Environment                 string  `json:"environment"`
	SignedDate                  *int64  `json:"signedDate"`
}

type renewalPayload struct {
	OriginalTransactionID *string `json:"originalTransactionId"`
	AutoRenewProductID    *string `json:"autoRenewProductId"`
	AutoRenewStatus       *int    `json:"autoRenewStatus"`
	ExpirationIntent      *int    `json:"expirationIntent"`
	ProductID             string  `json:"productId"`
	SignedDate            *int64  `json:"signedDate"`
}

// Decode parses a signed transaction payload. It has no side effects.
func Decode(raw []byte) (models.Transaction, error) {
	body, err := Payload(raw)
	if err != nil {
		return models.Transaction{}, err
	}

	var p transactionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Transaction{}, shapeError(err)
	}
	if p.TransactionID == nil || strings.TrimSpace(*p.TransactionID) == "" {
		return models.Transaction{}, missing("transactionId")
	}
	if p.ProductID == nil || strings.TrimSpace(*p.ProductID) == "" {
		return models.Transaction{}, missing("productId")
	}
	if p.PurchaseDate == nil || *p.PurchaseDate <= 0 {
		return models.Transaction{}, missing("purchaseDate")
	}

	txn := models.Transaction{
		TransactionID:         *p.TransactionID,
		OriginalTransactionID: p.OriginalTransactionID,
		ProductID:             *p.ProductID,
		SubscriptionGroupID:   p.SubscriptionGroupIdentifier,
		PurchaseDate:          millis(*p.PurchaseDate),
		ExpirationDate:        optionalMillis(p.ExpiresDate),
		RevocationDate:        optionalMillis(p.RevocationDate),
		RevocationReason:      p.RevocationReason,
		OfferDiscountType:     p.OfferDiscountType,
		Currency:              p.Currency,
		Storefront:            p.Storefront,
		BundleID:              p.BundleID,
		Environment:           p.Environment,
		SignedDate:            optionalMillis(p.SignedDate),
		SignedPayload:         append([]byte(nil), raw...),
	}
	if p.OfferType != nil {
		ot := models.OfferType(*p.OfferType)
		txn.OfferType = &ot
	}
	if p.Price != nil {
		txn.Price = *p.Price
	}
	return txn, nil
}

// DecodeRenewal parses a signed renewal info payload.
func DecodeRenewal(raw []byte) (models.RenewalInfo, error) {
	body, err := Payload(raw)
	if err != nil {
		return models.RenewalInfo{}, err
	}
	var p renewalPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.RenewalInfo{}, shapeError(err)
	}
	if p.OriginalTransactionID == nil || strings.TrimSpace(*p.OriginalTransactionID) == "" {
		return models.RenewalInfo{}, missing("originalTransactionId")
	}
	info := models.RenewalInfo{
		OriginalTransactionID: *p.OriginalTransactionID,
		WillAutoRenew:         p.AutoRenewStatus != nil && *p.AutoRenewStatus == 1,
		NextProductID:         p.AutoRenewProductID,
		ExpirationIntent:      p.ExpirationIntent,
		SignedDate:            optionalMillis(p.SignedDate),
	}
	return info, nil
}

// Payload extracts the unverified JWS payload bytes.
func Payload(raw []byte) ([]byte, error) {
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return nil, &models.DecodeError{Kind: models.DecodeMalformed, Reason: "empty payload"}
	}
	jws, err := jose.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return nil, &models.DecodeError{Kind: models.DecodeMalformed, Reason: "invalid jws", Err: err}
	}
	return jws.UnsafePayloadWithoutVerification(), nil
}

func shapeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &models.DecodeError{Kind: models.DecodeMalformed, Field: typeErr.Field, Reason: "wrong type", Err: err}
	}
	return &models.DecodeError{Kind: models.DecodeMalformed, Reason: "invalid json", Err: err}
}

func missing(field string) error {
	return &models.DecodeError{Kind: models.DecodeMalformed, Field: field, Reason: "required"}
}

func millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := millis(*ms)
	return &t
}
