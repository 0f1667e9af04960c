package models

import "time"

// OfferType mirrors the App Store offer type codes.
type OfferType int

const (
	OfferTypeIntroductory OfferType = 1
	OfferTypePromotional  OfferType = 2
	OfferTypeOfferCode    OfferType = 3
	OfferTypeWinBack      OfferType = 4
)

// Transaction is an immutable record of one purchase, renewal or refund event.
// A revoked transaction keeps its id; revocation only sets RevocationDate.
type Transaction struct {
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id,omitempty"`
	ProductID             string     `json:"product_id"`
	SubscriptionGroupID   string     `json:"subscription_group_id,omitempty"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	ExpirationDate        *time.Time `json:"expiration_date,omitempty"`
	RevocationDate        *time.Time `json:"revocation_date,omitempty"`
	RevocationReason      *int       `json:"revocation_reason,omitempty"`
	OfferType             *OfferType `json:"offer_type,omitempty"`
	OfferDiscountType     *string    `json:"offer_discount_type,omitempty"`
	// Price is in milli-units of Currency, as delivered by the store.
	Price       int64      `json:"price"`
	Currency    string     `json:"currency,omitempty"`
	Storefront  string     `json:"storefront,omitempty"`
	BundleID    string     `json:"bundle_id,omitempty"`
	Environment string     `json:"environment,omitempty"`
	SignedDate  *time.Time `json:"signed_date,omitempty"`

	SignedPayload []byte `json:"-"`
}

// Revoked reports whether the store cancelled the transaction.
func (t Transaction) Revoked() bool {
	return t.RevocationDate != nil
}

// ActiveAt reports whether the transaction grants access at now.
func (t Transaction) ActiveAt(now time.Time) bool {
	if t.Revoked() {
		return false
	}
	return t.ExpirationDate == nil || t.ExpirationDate.After(now)
}

// VerifiedTransaction is a Transaction whose signature chain has been checked.
type VerifiedTransaction struct {
	Transaction
	VerifiedAt time.Time `json:"verified_at"`
}
