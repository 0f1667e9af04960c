// Package listener drives the engine from a transaction feed.
package listener

import (
	"context"
	"errors"
	"sync"

	"strideBack/internal/entitlement/decode"
	"strideBack/internal/entitlement/feed"
	"strideBack/internal/models"
)

// Logger is the logging surface the listener needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Engine is the part of the engine the listener writes through.
type Engine interface {
	Ingest(ctx context.Context, payload, renewal []byte) (string, error)
	RetryLimbo(ctx context.Context) int
}

// Auditor records every processed delivery. It may be nil.
type Auditor interface {
	RecordDelivery(ctx context.Context, rec models.DeliveryRecord) error
}

// State is the listener lifecycle state.
type State string

const (
	StateStopped   State = "stopped"
	StateListening State = "listening"
)

var ErrAlreadyListening = errors.New("listener: already listening")

// Listener consumes a feed and hands each update to the engine. It is
// restartable: Stop returns it to StateStopped and Start may be called again.
type Listener struct {
	feed    feed.Feed
	engine  Engine
	auditor Auditor
	logger  Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func New(f feed.Feed, engine Engine, auditor Auditor, logger Logger) *Listener {
	return &Listener{feed: f, engine: engine, auditor: auditor, logger: logger, state: StateStopped}
}

// Start subscribes to the feed and returns once the subscription is live.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateListening {
		return ErrAlreadyListening
	}

	runCtx, cancel := context.WithCancel(ctx)
	updates, err := l.feed.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = StateListening
	go l.run(runCtx, updates, l.done)
	l.logger.Infof("listener: started")
	return nil
}

// Stop cancels the subscription and waits for the in-flight update.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state != StateListening {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// State reports whether the listener is running.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) run(ctx context.Context, updates <-chan feed.Update, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.state = StateStopped
		l.cancel = nil
		l.mu.Unlock()
		close(done)
		l.logger.Infof("listener: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					l.logger.Errorf("listener: feed closed")
				}
				return
			}
			// A delivery that has started is finished even if Stop is called.
			l.handle(context.WithoutCancel(ctx), u)
		}
	}
}

func (l *Listener) handle(ctx context.Context, u feed.Update) {
	if n := l.engine.RetryLimbo(ctx); n > 0 {
		l.logger.Infof("listener: %d transactions left limbo", n)
	}

	outcome, err := l.engine.Ingest(ctx, u.Payload, u.RenewalPayload)
	if err != nil {
		l.logger.Errorf("listener: update %s %s: %v", u.ID, outcome, err)
	}

	if l.auditor != nil {
		rec := models.DeliveryRecord{DeliveryID: u.ID, Outcome: outcome}
		if txn, derr := decode.Decode(u.Payload); derr == nil {
			rec.TransactionID = txn.TransactionID
			rec.ProductID = txn.ProductID
		}
		if err != nil {
			rec.Detail = err.Error()
		}
		if aerr := l.auditor.RecordDelivery(ctx, rec); aerr != nil {
			l.logger.Errorf("listener: audit %s: %v", u.ID, aerr)
		}
	}

	if u.Ack == nil {
		return
	}
	if err := u.Ack(); err != nil {
		l.logger.Errorf("listener: ack %s: %v", u.ID, err)
	}
}
