package resolve

import (
	"reflect"
	"testing"
	"time"

	"strideBack/internal/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(t time.Time) *time.Time { return &t }

func txn(id, product string, purchased time.Time, expires *time.Time) models.Transaction {
	return models.Transaction{
		TransactionID:       id,
		ProductID:           product,
		SubscriptionGroupID: "group-1",
		PurchaseDate:        purchased,
		ExpirationDate:      expires,
	}
}

func TestResolveSubscribedWhenExpirationInFuture(t *testing.T) {
	state := Resolve([]models.Transaction{
		txn("1", "pro.monthly", now.Add(-24*time.Hour), at(now.Add(time.Hour))),
	}, now)

	if !state.IsSubscribed || state.Status != models.EntitlementStatusSubscribed {
		t.Fatalf("expected subscribed, got %+v", state)
	}
	if state.ActiveProductID == nil || *state.ActiveProductID != "pro.monthly" {
		t.Fatalf("unexpected active product: %v", state.ActiveProductID)
	}
	if !state.LastEvaluatedAt.Equal(now) {
		t.Fatalf("unexpected evaluation time: %v", state.LastEvaluatedAt)
	}
}

func TestResolveNonExpiringPurchase(t *testing.T) {
	state := Resolve([]models.Transaction{txn("1", "lifetime", now.Add(-time.Hour), nil)}, now)
	if !state.IsSubscribed {
		t.Fatalf("expected non-expiring purchase to entitle")
	}
}

func TestResolveExpiredIsNotSubscribed(t *testing.T) {
	state := Resolve([]models.Transaction{
		txn("1", "pro.monthly", now.Add(-48*time.Hour), at(now)),
	}, now)
	if state.IsSubscribed || state.Status != models.EntitlementStatusNotSubscribed {
		t.Fatalf("expiration equal to now must not entitle: %+v", state)
	}
}

func TestResolveOnlyRevoked(t *testing.T) {
	revoked := txn("1", "pro.monthly", now.Add(-time.Hour), at(now.Add(24*time.Hour)))
	revoked.RevocationDate = at(now.Add(-time.Minute))

	state := Resolve([]models.Transaction{revoked}, now)
	if state.IsSubscribed {
		t.Fatalf("revoked transaction must not entitle")
	}
	if state.ActiveTransaction != nil || state.ActiveProductID != nil {
		t.Fatalf("expected no active transaction, got %+v", state)
	}
}

func TestResolveEmptySet(t *testing.T) {
	state := Resolve(nil, now)
	if state.Status != models.EntitlementStatusNotSubscribed {
		t.Fatalf("expected not_subscribed, got %s", state.Status)
	}
	if !state.Known() {
		t.Fatalf("resolved state must be known")
	}
}

func TestResolvePicksLatestPurchase(t *testing.T) {
	state := Resolve([]models.Transaction{
		txn("1", "pro.monthly", now.Add(-72*time.Hour), at(now.Add(time.Hour))),
		txn("2", "pro.yearly", now.Add(-24*time.Hour), at(now.Add(300*24*time.Hour))),
		txn("3", "pro.weekly", now.Add(-48*time.Hour), at(now.Add(2*time.Hour))),
	}, now)
	if state.ActiveTransaction == nil || state.ActiveTransaction.TransactionID != "2" {
		t.Fatalf("expected transaction 2 active, got %+v", state.ActiveTransaction)
	}
}

func TestResolveTieBreaksOnTransactionID(t *testing.T) {
	purchased := now.Add(-time.Hour)
	a := txn("1000000001", "pro.monthly", purchased, at(now.Add(time.Hour)))
	b := txn("1000000002", "pro.yearly", purchased, at(now.Add(time.Hour)))

	for _, set := range [][]models.Transaction{{a, b}, {b, a}} {
		state := Resolve(set, now)
		if state.ActiveTransaction.TransactionID != "1000000002" {
			t.Fatalf("expected greater id to win, got %s", state.ActiveTransaction.TransactionID)
		}
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	set := []models.Transaction{
		txn("1", "pro.monthly", now.Add(-72*time.Hour), at(now.Add(time.Hour))),
		txn("2", "pro.yearly", now.Add(-24*time.Hour), nil),
	}
	first := Resolve(set, now)
	second := Resolve(set, now)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolve not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestResolveDoesNotAliasInput(t *testing.T) {
	set := []models.Transaction{txn("1", "pro.monthly", now.Add(-time.Hour), nil)}
	state := Resolve(set, now)
	set[0].ProductID = "changed"
	if state.ActiveTransaction.ProductID != "pro.monthly" {
		t.Fatalf("state must not share memory with the input set")
	}
}

func TestAttachRenewal(t *testing.T) {
	next := "pro.yearly"
	renewals := map[string]models.RenewalInfo{
		"group-1": {SubscriptionGroupID: "group-1", OriginalTransactionID: "1", WillAutoRenew: true, NextProductID: &next},
		"group-2": {SubscriptionGroupID: "group-2", OriginalTransactionID: "9"},
	}

	state := AttachRenewal(Resolve([]models.Transaction{txn("1", "pro.monthly", now.Add(-time.Hour), nil)}, now), renewals)
	if state.RenewalInfo == nil || state.RenewalInfo.SubscriptionGroupID != "group-1" {
		t.Fatalf("expected group-1 renewal, got %+v", state.RenewalInfo)
	}

	state = AttachRenewal(Resolve(nil, now), renewals)
	if state.RenewalInfo != nil {
		t.Fatalf("unsubscribed state must carry no renewal info")
	}

	state = AttachRenewal(Resolve([]models.Transaction{txn("1", "pro.monthly", now.Add(-time.Hour), nil)}, now), nil)
	if state.RenewalInfo != nil {
		t.Fatalf("missing renewal data must leave renewal info nil")
	}
}
