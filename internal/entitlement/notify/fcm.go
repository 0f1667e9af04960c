// Package notify pushes entitlement transitions to devices through FCM.
package notify

import (
	"context"
	"strconv"
	"time"

	"firebase.google.com/go/messaging"

	"strideBack/internal/models"
)

// Sender is the part of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Logger is the logging surface the notifier needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FCM sends a data-only message to a topic whenever the entitlement status
// changes. Clients refetch the state on receipt.
type FCM struct {
	sender  Sender
	topic   string
	logger  Logger
	timeout time.Duration
}

func NewFCM(sender Sender, topic string, logger Logger) *FCM {
	if topic == "" {
		topic = "entitlement"
	}
	return &FCM{sender: sender, topic: topic, logger: logger, timeout: 10 * time.Second}
}

// Run consumes snapshots until the channel closes or ctx is done.
// The first snapshot only sets the baseline.
func (f *FCM) Run(ctx context.Context, states <-chan models.EntitlementState) {
	var last *models.EntitlementState
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if last != nil && changed(*last, state) {
				f.send(ctx, state)
			}
			last = &state
		}
	}
}

func changed(prev, next models.EntitlementState) bool {
	if prev.Status != next.Status {
		return true
	}
	return productOf(prev) != productOf(next)
}

func productOf(s models.EntitlementState) string {
	if s.ActiveProductID == nil {
		return ""
	}
	return *s.ActiveProductID
}

func (f *FCM) send(ctx context.Context, state models.EntitlementState) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	msg := &messaging.Message{
		Topic: f.topic,
		Data: map[string]string{
			"type":          "entitlement_changed",
			"status":        state.Status,
			"is_subscribed": strconv.FormatBool(state.IsSubscribed),
			"product_id":    productOf(state),
			"evaluated_at":  state.LastEvaluatedAt.UTC().Format(time.RFC3339),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "5"},
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{ContentAvailable: true}},
		},
	}
	id, err := f.sender.Send(ctx, msg)
	if err != nil {
		f.logger.Errorf("notify: fcm send failed: %v", err)
		return
	}
	f.logger.Infof("notify: entitlement %s pushed (%s)", state.Status, id)
}
