package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"strideBack/internal/entitlement/feed"
	"strideBack/internal/models"
)

type PayloadVerifier interface {
	VerifyPayload(ctx context.Context, signed []byte) ([]byte, error)
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// AppleNotificationHandler accepts App Store Server Notifications V2 and
// queues the signed transaction for the listener.
type AppleNotificationHandler struct {
	Verifier  PayloadVerifier
	Publisher feed.Publisher
	BundleID  string
	Logger    Logger
}

func NewAppleNotificationHandler(verifier PayloadVerifier, publisher feed.Publisher, bundleID string, logger Logger) *AppleNotificationHandler {
	return &AppleNotificationHandler{Verifier: verifier, Publisher: publisher, BundleID: strings.TrimSpace(bundleID), Logger: logger}
}

type notificationAction int

const (
	notificationIgnore notificationAction = iota
	notificationForward
)

// classifyNotification decides whether a notification carries transaction
// state. Revocations and renewals are all forwarded: the signed transaction
// itself says what changed.
func classifyNotification(notificationType, subtype string) notificationAction {
	switch strings.ToUpper(strings.TrimSpace(notificationType)) {
	case "TEST", "CONSUMPTION_REQUEST", "EXTERNAL_PURCHASE_TOKEN":
		return notificationIgnore
	case "":
		return notificationIgnore
	}
	return notificationForward
}

// AppleNotificationsV2 handles server-to-server notifications from Apple.
// A 5xx answer makes Apple retry, so it is only used when trust material is
// unreachable or the queue cannot take the update.
func (h *AppleNotificationHandler) AppleNotificationsV2(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	body, err := h.Verifier.VerifyPayload(r.Context(), []byte(req.SignedPayload))
	if err != nil {
		if models.IsUnavailable(err) {
			h.Logger.Errorf("apple notification: trust material unavailable: %v", err)
			http.Error(w, "verification unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "verify notification: "+err.Error(), http.StatusBadRequest)
		return
	}

	var notif models.AppleNotification
	if err := json.Unmarshal(body, &notif); err != nil {
		http.Error(w, "decode notification: "+err.Error(), http.StatusBadRequest)
		return
	}
	if h.BundleID != "" && notif.Data.BundleID != "" && notif.Data.BundleID != h.BundleID {
		http.Error(w, "bundle id mismatch", http.StatusBadRequest)
		return
	}

	if classifyNotification(notif.NotificationType, notif.Subtype) == notificationIgnore || notif.Data.SignedTransactionInfo == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	id, err := h.Publisher.Publish(r.Context(), []byte(notif.Data.SignedTransactionInfo), []byte(notif.Data.SignedRenewalInfo))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, feed.ErrFull) {
			status = http.StatusServiceUnavailable
		}
		h.Logger.Errorf("apple notification %s: enqueue: %v", notif.NotificationUUID, err)
		http.Error(w, "enqueue: "+err.Error(), status)
		return
	}
	h.Logger.Infof("apple notification %s %s/%s queued as %s", notif.NotificationUUID, notif.NotificationType, notif.Subtype, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "delivery_id": id})
}
