package storetest

import "time"

// Txn describes a transaction payload in test-friendly terms.
type Txn struct {
	ID        string
	Original  string
	Product   string
	Group     string
	Purchased time.Time
	Expires   *time.Time
	Revoked   *time.Time
	Signed    time.Time
	Bundle    string
}

// Claims renders t as a JWSTransactionDecodedPayload map.
func (t Txn) Claims() map[string]any {
	original := t.Original
	if original == "" {
		original = t.ID
	}
	group := t.Group
	if group == "" {
		group = "21000001"
	}
	signed := t.Signed
	if signed.IsZero() {
		signed = t.Purchased
	}
	m := map[string]any{
		"transactionId":               t.ID,
		"originalTransactionId":       original,
		"productId":                   t.Product,
		"subscriptionGroupIdentifier": group,
		"purchaseDate":                t.Purchased.UnixMilli(),
		"signedDate":                  signed.UnixMilli(),
		"price":                       4990,
		"currency":                    "USD",
		"storefront":                  "USA",
		"environment":                 "Sandbox",
		"type":                        "Auto-Renewable Subscription",
	}
	if t.Bundle != "" {
		m["bundleId"] = t.Bundle
	}
	if t.Expires != nil {
		m["expiresDate"] = t.Expires.UnixMilli()
	}
	if t.Revoked != nil {
		m["revocationDate"] = t.Revoked.UnixMilli()
		m["revocationReason"] = 0
	}
	return m
}

// SignTxn signs t with the x5c chain.
func (a *Authority) SignTxn(t Txn) ([]byte, error) {
	return a.Sign(t.Claims())
}

// Renewal renders a JWSRenewalInfoDecodedPayload map.
func Renewal(original, nextProduct string, autoRenew bool, signed time.Time) map[string]any {
	status := 0
	if autoRenew {
		status = 1
	}
	return map[string]any{
		"originalTransactionId": original,
		"autoRenewProductId":    nextProduct,
		"productId":             nextProduct,
		"autoRenewStatus":       status,
		"signedDate":            signed.UnixMilli(),
		"environment":           "Sandbox",
	}
}

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
