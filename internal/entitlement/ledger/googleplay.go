package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"strideBack/internal/models"
)

// GooglePlay issues refunds through the Android Publisher API.
type GooglePlay struct {
	packageName string
	revoke      bool
	svc         *androidpublisher.Service
}

// NewGooglePlay builds the client. revoke also removes access on refund.
func NewGooglePlay(ctx context.Context, packageName string, revoke bool, opts ...option.ClientOption) (*GooglePlay, error) {
	packageName = strings.TrimSpace(packageName)
	if packageName == "" {
		return nil, errors.New("GOOGLE_PLAY_PACKAGE_NAME is empty")
	}
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}
	return &GooglePlay{packageName: packageName, revoke: revoke, svc: svc}, nil
}

// GooglePlayCredentials returns the client options for a service account.
func GooglePlayCredentials(serviceAccountJSON string) []option.ClientOption {
	return []option.ClientOption{
		option.WithCredentialsJSON([]byte(serviceAccountJSON)),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	}
}

// RequestRefund refunds the order identified by the transaction id.
func (g *GooglePlay) RequestRefund(ctx context.Context, txn models.Transaction) error {
	err := g.svc.Orders.Refund(g.packageName, txn.TransactionID).Revoke(g.revoke).Context(ctx).Do()
	if err == nil {
		return nil
	}
	return classifyRefundError(err)
}

func classifyRefundError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return &models.RefundError{Kind: models.RefundTransient, Err: err}
		case apiErr.Code >= 400:
			return &models.RefundError{Kind: models.RefundDeclined, Err: err}
		}
	}
	return &models.RefundError{Kind: models.RefundTransient, Err: err}
}
