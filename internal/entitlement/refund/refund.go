// Package refund starts refund requests for verified transactions.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strideBack/internal/models"
)

// Requester submits a refund to the store that sold the transaction.
// Errors should be *models.RefundError; anything else is treated as transient.
type Requester interface {
	RequestRefund(ctx context.Context, txn models.Transaction) error
}

// Lookup finds transactions in the verified set.
type Lookup interface {
	Known(id string) (models.Transaction, bool)
}

// Logger is the logging surface the service needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Service validates refund requests and forwards them to a Requester.
// It never changes entitlement; a completed refund arrives later as a
// revocation on the transaction feed.
type Service struct {
	lookup    Lookup
	requester Requester
	logger    Logger
	timeout   time.Duration
	now       func() time.Time
}

func New(lookup Lookup, requester Requester, logger Logger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{lookup: lookup, requester: requester, logger: logger, timeout: timeout, now: time.Now}
}

// RequestRefund always returns a result describing what happened. The error
// is a *models.RefundError when the request did not go through.
func (s *Service) RequestRefund(ctx context.Context, transactionID string) (models.RefundResult, error) {
	result := models.RefundResult{TransactionID: transactionID, RequestedAt: s.now()}

	txn, ok := s.lookup.Known(transactionID)
	if !ok {
		err := &models.RefundError{Kind: models.RefundDeclined, Err: fmt.Errorf("unknown transaction %q", transactionID)}
		return fail(result, err), err
	}
	if txn.Revoked() {
		err := &models.RefundError{Kind: models.RefundDeclined, Err: errors.New("transaction already revoked")}
		return fail(result, err), err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.requester.RequestRefund(ctx, txn); err != nil {
		var rerr *models.RefundError
		if !errors.As(err, &rerr) {
			rerr = &models.RefundError{Kind: models.RefundTransient, Err: err}
		}
		s.logger.Errorf("refund: transaction %s: %v", transactionID, rerr)
		return fail(result, rerr), rerr
	}

	s.logger.Infof("refund: transaction %s submitted", transactionID)
	result.Status = models.RefundStatusSubmitted
	return result, nil
}

func fail(result models.RefundResult, err *models.RefundError) models.RefundResult {
	result.Status = models.RefundStatusFailed
	if err.Kind == models.RefundDeclined {
		result.Status = models.RefundStatusDeclined
	}
	result.Retryable = err.Retryable()
	result.Message = err.Error()
	return result
}
