// Package resolve derives an EntitlementState from a set of verified transactions.
package resolve

import (
	"time"

	"strideBack/internal/models"
)

// Resolve recomputes the entitlement from the whole set. It is pure: the
// same transactions and time always produce the same state.
func Resolve(txns []models.Transaction, now time.Time) models.EntitlementState {
	var active *models.Transaction
	for i := range txns {
		t := txns[i]
		if !t.ActiveAt(now) {
			continue
		}
		if active == nil || newer(t, *active) {
			picked := t
			active = &picked
		}
	}

	if active == nil {
		return models.EntitlementState{
			Status:          models.EntitlementStatusNotSubscribed,
			LastEvaluatedAt: now,
		}
	}
	product := active.ProductID
	return models.EntitlementState{
		Status:            models.EntitlementStatusSubscribed,
		IsSubscribed:      true,
		ActiveProductID:   &product,
		ActiveTransaction: active,
		LastEvaluatedAt:   now,
	}
}

// AttachRenewal sets the renewal record of the active transaction's
// subscription group. Unsubscribed states and unknown groups get none.
func AttachRenewal(state models.EntitlementState, renewals map[string]models.RenewalInfo) models.EntitlementState {
	state.RenewalInfo = nil
	if state.ActiveTransaction == nil {
		return state
	}
	if info, ok := renewals[state.ActiveTransaction.SubscriptionGroupID]; ok {
		state.RenewalInfo = &info
	}
	return state
}

// newer orders by purchase date, then by transaction id so ties are stable.
func newer(a, b models.Transaction) bool {
	if !a.PurchaseDate.Equal(b.PurchaseDate) {
		return a.PurchaseDate.After(b.PurchaseDate)
	}
	return a.TransactionID > b.TransactionID
}
