package models

import "time"

// AppleNotification wraps the App Store server notification payload (after signature verification).
type AppleNotification struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	NotificationUUID string `json:"notificationUUID,omitempty"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId,omitempty"`
		BundleID              string `json:"bundleId,omitempty"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
		SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
		Status                int    `json:"status,omitempty"`
	} `json:"data"`
	Version    string `json:"version"`
	SignedDate int64  `json:"signedDate"`
	Raw        string `json:"-"`
}

const (
	DeliveryOutcomeApplied     = "applied"
	DeliveryOutcomeDuplicate   = "duplicate"
	DeliveryOutcomeMalformed   = "malformed"
	DeliveryOutcomeUntrusted   = "untrusted"
	DeliveryOutcomeUnavailable = "unavailable"
	DeliveryOutcomeDropped     = "dropped"
)

// DeliveryRecord is one row of the append-only delivery audit log.
type DeliveryRecord struct {
	ID            int64     `json:"id"`
	DeliveryID    string    `json:"delivery_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ProductID     string    `json:"product_id,omitempty"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
