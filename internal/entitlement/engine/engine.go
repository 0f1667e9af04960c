// Package engine owns the verified transaction set and publishes the
// resolved entitlement. All state transitions go through one mutex so they
// happen in a single total order; readers load the last published snapshot.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strideBack/internal/entitlement/decode"
	"strideBack/internal/entitlement/resolve"
	"strideBack/internal/models"
)

// Logger is the logging surface the engine needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Verifier confirms the chain of trust of decoded transactions.
type Verifier interface {
	Verify(ctx context.Context, txn models.Transaction) (models.VerifiedTransaction, error)
	VerifyPayload(ctx context.Context, signed []byte) ([]byte, error)
}

// Ledger returns every signed transaction recorded for the account.
type Ledger interface {
	FetchAll(ctx context.Context) ([][]byte, error)
}

// RenewalSource returns the signed renewal info of each subscription group.
type RenewalSource interface {
	RenewalInfo(ctx context.Context) ([][]byte, error)
}

// Metrics receives engine observations. Implementations must be cheap.
type Metrics interface {
	Delivery(outcome string)
	Entitlement(state models.EntitlementState)
	Limbo(size int)
}

// Config tunes the engine.
type Config struct {
	// MaxLimboAttempts bounds verification retries of a held transaction.
	// Zero keeps retrying until the transaction verifies or is untrusted.
	MaxLimboAttempts int
	Now              func() time.Time
}

type limboEntry struct {
	txn      models.Transaction
	attempts int
}

// Engine reconciles deliveries into an EntitlementState.
type Engine struct {
	verifier Verifier
	ledger   Ledger
	renewals RenewalSource
	logger   Logger
	metrics  Metrics
	cfg      Config

	mu           sync.Mutex
	bootstrapped bool
	txns         map[string]models.Transaction
	renewalInfo  map[string]models.RenewalInfo
	limbo        map[string]*limboEntry

	state atomic.Pointer[models.EntitlementState]
	index atomic.Pointer[map[string]models.Transaction]

	subMu   sync.Mutex
	subs    map[int]chan models.EntitlementState
	nextSub int
}

// New creates an engine. ledger and renewals may be nil.
func New(verifier Verifier, ledger Ledger, renewals RenewalSource, logger Logger, metrics Metrics, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	e := &Engine{
		verifier:    verifier,
		ledger:      ledger,
		renewals:    renewals,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
		txns:        make(map[string]models.Transaction),
		renewalInfo: make(map[string]models.RenewalInfo),
		limbo:       make(map[string]*limboEntry),
		subs:        make(map[int]chan models.EntitlementState),
	}
	empty := map[string]models.Transaction{}
	e.index.Store(&empty)
	return e
}

// Bootstrap rebuilds the transaction set from the ledger and publishes the
// first resolved state. Until it succeeds State reports unknown.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bootstrapLocked(ctx)
}

func (e *Engine) bootstrapLocked(ctx context.Context) error {
	if e.ledger != nil {
		payloads, err := e.ledger.FetchAll(ctx)
		if err != nil {
			return fmt.Errorf("engine: fetch ledger: %w", err)
		}
		kept := 0
		for _, raw := range payloads {
			if outcome, err := e.admitLocked(ctx, raw); err != nil {
				e.logger.Errorf("engine: bootstrap %s: %v", outcome, err)
				continue
			}
			kept++
		}
		e.logger.Infof("engine: bootstrap kept %d of %d ledger transactions (%d in limbo)", kept, len(payloads), len(e.limbo))
	}
	if err := e.refreshRenewalsLocked(ctx); err != nil {
		e.logger.Errorf("engine: bootstrap renewals: %v", err)
	}
	e.bootstrapped = true
	e.publishLocked()
	return nil
}

// Ingest processes one delivery: decode, verify, merge, resolve, publish.
// renewal may be empty. The returned error explains non-applied outcomes.
func (e *Engine) Ingest(ctx context.Context, payload, renewal []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome, err := e.admitLocked(ctx, payload)
	if err == nil && len(renewal) > 0 {
		if changed, rerr := e.applyRenewalLocked(ctx, renewal); rerr != nil {
			e.logger.Errorf("engine: renewal dropped: %v", rerr)
		} else if changed && outcome == models.DeliveryOutcomeDuplicate {
			outcome = models.DeliveryOutcomeApplied
		}
	}
	e.metrics.Delivery(outcome)
	if outcome == models.DeliveryOutcomeApplied && e.bootstrapped {
		e.publishLocked()
	}
	return outcome, err
}

// admitLocked decodes, verifies and merges one signed transaction.
func (e *Engine) admitLocked(ctx context.Context, raw []byte) (string, error) {
	txn, err := decode.Decode(raw)
	if err != nil {
		return models.DeliveryOutcomeMalformed, err
	}
	verified, err := e.verifier.Verify(ctx, txn)
	if err != nil {
		if models.IsUnavailable(err) {
			if !e.holdLocked(txn, err) {
				return models.DeliveryOutcomeDropped, err
			}
			return models.DeliveryOutcomeUnavailable, err
		}
		return models.DeliveryOutcomeUntrusted, err
	}
	// A held record that supersedes this one still waits for verification.
	if entry, ok := e.limbo[txn.TransactionID]; ok && !supersedes(entry.txn, txn) {
		delete(e.limbo, txn.TransactionID)
		e.metrics.Limbo(len(e.limbo))
	}
	if !e.mergeLocked(verified.Transaction) {
		return models.DeliveryOutcomeDuplicate, nil
	}
	return models.DeliveryOutcomeApplied, nil
}

// holdLocked parks txn in limbo and reports whether it is still held. Of two
// versions of one id the superseding one is kept.
func (e *Engine) holdLocked(txn models.Transaction, cause error) bool {
	entry, ok := e.limbo[txn.TransactionID]
	if !ok {
		entry = &limboEntry{txn: txn}
		e.limbo[txn.TransactionID] = entry
	} else if supersedes(txn, entry.txn) {
		entry.txn = txn
	}
	held := !e.attemptLocked(txn.TransactionID, entry, cause)
	e.metrics.Limbo(len(e.limbo))
	return held
}

// attemptLocked counts one failed verification of a held entry and drops
// it once MaxLimboAttempts is reached. It reports whether it was dropped.
func (e *Engine) attemptLocked(id string, entry *limboEntry, cause error) bool {
	entry.attempts++
	if e.cfg.MaxLimboAttempts <= 0 || entry.attempts < e.cfg.MaxLimboAttempts {
		return false
	}
	delete(e.limbo, id)
	e.logger.Errorf("engine: transaction %s dropped from limbo after %d attempts: %v", id, entry.attempts, cause)
	return true
}

// mergeLocked stores txn and reports whether the set changed.
func (e *Engine) mergeLocked(txn models.Transaction) bool {
	existing, ok := e.txns[txn.TransactionID]
	if ok && !supersedes(txn, existing) {
		return false
	}
	e.txns[txn.TransactionID] = txn
	next := make(map[string]models.Transaction, len(e.txns))
	for id, t := range e.txns {
		next[id] = t
	}
	e.index.Store(&next)
	return true
}

// supersedes decides whether incoming replaces existing for the same id.
// A revocation is only undone by a strictly newer signed record.
func supersedes(incoming, existing models.Transaction) bool {
	if bytes.Equal(incoming.SignedPayload, existing.SignedPayload) {
		return false
	}
	switch {
	case incoming.SignedDate == nil:
		return incoming.Revoked() && !existing.Revoked()
	case existing.SignedDate == nil:
		return true
	case incoming.SignedDate.After(*existing.SignedDate):
		return true
	default:
		return incoming.Revoked() && !existing.Revoked()
	}
}

// RetryLimbo re-verifies held transactions and publishes if any resolved.
func (e *Engine) RetryLimbo(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	resolved := e.retryLimboLocked(ctx)
	if resolved > 0 && e.bootstrapped {
		e.publishLocked()
	}
	return resolved
}

func (e *Engine) retryLimboLocked(ctx context.Context) int {
	if len(e.limbo) == 0 {
		return 0
	}
	ids := make([]string, 0, len(e.limbo))
	for id := range e.limbo {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resolved := 0
	for _, id := range ids {
		entry := e.limbo[id]
		verified, err := e.verifier.Verify(ctx, entry.txn)
		switch {
		case err == nil:
			delete(e.limbo, id)
			if e.mergeLocked(verified.Transaction) {
				resolved++
			}
		case models.IsUnavailable(err):
			if e.attemptLocked(id, entry, err) {
				e.metrics.Delivery(models.DeliveryOutcomeDropped)
			}
		default:
			delete(e.limbo, id)
			e.metrics.Delivery(models.DeliveryOutcomeUntrusted)
			e.logger.Errorf("engine: transaction %s left limbo untrusted: %v", id, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	e.metrics.Limbo(len(e.limbo))
	return resolved
}

// Refresh retries limbo, reloads renewal info and re-resolves at the current
// time. It performs the bootstrap first if that has not yet succeeded.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.bootstrapped {
		return e.bootstrapLocked(ctx)
	}
	e.retryLimboLocked(ctx)
	err := e.refreshRenewalsLocked(ctx)
	e.publishLocked()
	if err != nil {
		return fmt.Errorf("engine: refresh renewals: %w", err)
	}
	return nil
}

func (e *Engine) refreshRenewalsLocked(ctx context.Context) error {
	if e.renewals == nil {
		return nil
	}
	payloads, err := e.renewals.RenewalInfo(ctx)
	if err != nil {
		return err
	}
	for _, raw := range payloads {
		if _, err := e.applyRenewalLocked(ctx, raw); err != nil {
			e.logger.Errorf("engine: renewal dropped: %v", err)
		}
	}
	return nil
}

func (e *Engine) applyRenewalLocked(ctx context.Context, raw []byte) (bool, error) {
	info, err := decode.DecodeRenewal(raw)
	if err != nil {
		return false, err
	}
	if _, err := e.verifier.VerifyPayload(ctx, raw); err != nil {
		return false, err
	}
	existing, ok := e.renewalInfo[info.OriginalTransactionID]
	if ok && existing.SignedDate != nil && (info.SignedDate == nil || !info.SignedDate.After(*existing.SignedDate)) {
		return false, nil
	}
	e.renewalInfo[info.OriginalTransactionID] = info
	return true, nil
}

// renewalsByGroupLocked keys renewal records by the subscription group of
// the transactions sharing their original transaction id.
func (e *Engine) renewalsByGroupLocked() map[string]models.RenewalInfo {
	groups := make(map[string]string)
	for _, t := range e.txns {
		if t.OriginalTransactionID != "" && t.SubscriptionGroupID != "" {
			groups[t.OriginalTransactionID] = t.SubscriptionGroupID
		}
	}
	out := make(map[string]models.RenewalInfo, len(e.renewalInfo))
	for original, info := range e.renewalInfo {
		group, ok := groups[original]
		if !ok {
			continue
		}
		info.SubscriptionGroupID = group
		out[group] = info
	}
	return out
}

func (e *Engine) publishLocked() {
	set := make([]models.Transaction, 0, len(e.txns))
	for _, t := range e.txns {
		set = append(set, t)
	}
	state := resolve.AttachRenewal(resolve.Resolve(set, e.cfg.Now()), e.renewalsByGroupLocked())

	prev := e.state.Swap(&state)
	e.metrics.Entitlement(state)
	if prev == nil || prev.Status != state.Status {
		e.logger.Infof("engine: entitlement %s (%d transactions)", state.Status, len(set))
	}
	e.broadcast(state)
}

// State returns the last fully resolved snapshot, or unknown before bootstrap.
func (e *Engine) State() models.EntitlementState {
	if s := e.state.Load(); s != nil {
		return *s
	}
	return models.UnknownEntitlement()
}

// Known returns a verified transaction by id.
func (e *Engine) Known(id string) (models.Transaction, bool) {
	idx := e.index.Load()
	t, ok := (*idx)[id]
	return t, ok
}

// LimboSize reports how many transactions await verification.
func (e *Engine) LimboSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.limbo)
}

// Subscribe streams published states, starting with the current one. Slow
// receivers only see the latest snapshot. Call the returned func to stop.
func (e *Engine) Subscribe() (<-chan models.EntitlementState, func()) {
	ch := make(chan models.EntitlementState, 1)
	ch <- e.State()

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) broadcast(state models.EntitlementState) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- state
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) Delivery(string)                     {}
func (nopMetrics) Entitlement(models.EntitlementState) {}
func (nopMetrics) Limbo(int)                           {}
