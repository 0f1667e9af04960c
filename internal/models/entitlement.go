package models

import "time"

const (
	EntitlementStatusUnknown       = "unknown"
	EntitlementStatusSubscribed    = "subscribed"
	EntitlementStatusNotSubscribed = "not_subscribed"
)

// RenewalInfo is the forward-looking projection of one subscription group.
type RenewalInfo struct {
	SubscriptionGroupID   string     `json:"subscription_group_id,omitempty"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	WillAutoRenew         bool       `json:"will_auto_renew"`
	NextProductID         *string    `json:"next_product_id,omitempty"`
	ExpirationIntent      *int       `json:"expiration_intent,omitempty"`
	SignedDate            *time.Time `json:"signed_date,omitempty"`
}

// EntitlementState is the single current snapshot of the user's entitlement.
// Values are never mutated after publication; a new value replaces the old one.
type EntitlementState struct {
	Status            string       `json:"status"`
	IsSubscribed      bool         `json:"is_subscribed"`
	ActiveProductID   *string      `json:"active_product_id,omitempty"`
	ActiveTransaction *Transaction `json:"active_transaction,omitempty"`
	RenewalInfo       *RenewalInfo `json:"renewal_info,omitempty"`
	LastEvaluatedAt   time.Time    `json:"last_evaluated_at"`
}

// UnknownEntitlement is the state before the first resolution completes.
func UnknownEntitlement() EntitlementState {
	return EntitlementState{Status: EntitlementStatusUnknown}
}

// Known reports whether at least one resolution has completed.
func (s EntitlementState) Known() bool {
	return s.Status != EntitlementStatusUnknown && s.Status != ""
}

// PurchaseHistorySnapshot is an ordered copy of the account's transactions,
// newest purchase first.
type PurchaseHistorySnapshot struct {
	Transactions []Transaction `json:"transactions"`
	FetchedAt    time.Time     `json:"fetched_at"`
}

const (
	RefundStatusSubmitted = "submitted"
	RefundStatusFailed    = "failed"
	RefundStatusDeclined  = "declined"
)

// RefundResult is returned for every refund request, including failed ones.
type RefundResult struct {
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	Retryable     bool      `json:"retryable"`
	Message       string    `json:"message,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}
