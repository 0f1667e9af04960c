// Package history keeps an on-demand snapshot of the account's purchases.
// It is independent of the live entitlement and is never merged with it.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strideBack/internal/entitlement/decode"
	"strideBack/internal/models"
)

// Logger is the logging surface the cache needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Ledger returns every signed transaction recorded for the account.
type Ledger interface {
	FetchAll(ctx context.Context) ([][]byte, error)
}

// Verifier confirms the chain of trust of decoded transactions.
type Verifier interface {
	Verify(ctx context.Context, txn models.Transaction) (models.VerifiedTransaction, error)
}

// Cache holds the latest purchase history snapshot.
type Cache struct {
	ledger   Ledger
	verifier Verifier
	logger   Logger
	now      func() time.Time
	observe  func(time.Duration)

	refreshMu sync.Mutex
	snapshot  atomic.Pointer[models.PurchaseHistorySnapshot]
}

// New creates an empty cache. observe, if set, receives refresh durations.
func New(ledger Ledger, verifier Verifier, logger Logger, observe func(time.Duration)) *Cache {
	return &Cache{ledger: ledger, verifier: verifier, logger: logger, now: time.Now, observe: observe}
}

// Refresh fetches the full ledger and replaces the snapshot. Entries that
// fail to decode or verify are left out.
func (c *Cache) Refresh(ctx context.Context) ([]models.Transaction, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	started := time.Now()
	payloads, err := c.ledger.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: fetch ledger: %w", err)
	}

	txns := make([]models.Transaction, 0, len(payloads))
	for _, raw := range payloads {
		txn, err := decode.Decode(raw)
		if err != nil {
			c.logger.Errorf("history: skip payload: %v", err)
			continue
		}
		verified, err := c.verifier.Verify(ctx, txn)
		if err != nil {
			c.logger.Errorf("history: skip transaction %s: %v", txn.TransactionID, err)
			continue
		}
		txns = append(txns, verified.Transaction)
	}
	sort.SliceStable(txns, func(i, j int) bool {
		return txns[i].PurchaseDate.After(txns[j].PurchaseDate)
	})

	c.snapshot.Store(&models.PurchaseHistorySnapshot{Transactions: txns, FetchedAt: c.now()})
	if c.observe != nil {
		c.observe(time.Since(started))
	}
	return cloneTransactions(txns), nil
}

// Snapshot returns the current snapshot, if any.
func (c *Cache) Snapshot() (models.PurchaseHistorySnapshot, bool) {
	s := c.snapshot.Load()
	if s == nil {
		return models.PurchaseHistorySnapshot{}, false
	}
	return models.PurchaseHistorySnapshot{Transactions: cloneTransactions(s.Transactions), FetchedAt: s.FetchedAt}, true
}

// Clear drops the snapshot.
func (c *Cache) Clear() {
	c.snapshot.Store(nil)
}

func cloneTransactions(in []models.Transaction) []models.Transaction {
	out := make([]models.Transaction, len(in))
	copy(out, in)
	return out
}
