// Package feed delivers signed transaction updates to the listener.
package feed

import (
	"context"
	"encoding/json"
	"errors"
)

// Update is one delivery from the platform. Ack must be called once the
// update has been processed, whatever the outcome.
type Update struct {
	ID             string
	Payload        []byte
	RenewalPayload []byte
	Ack            func() error
}

// Feed is a restartable source of updates. The channel is closed when ctx
// is cancelled or the source fails permanently.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan Update, error)
}

// Publisher enqueues signed payloads received out of band, such as from the
// server notification webhook.
type Publisher interface {
	Publish(ctx context.Context, payload, renewal []byte) (string, error)
}

// ErrFull is returned when a bounded queue cannot accept more updates.
var ErrFull = errors.New("feed: queue full")

// envelope is the message body used by the broker-backed feeds.
type envelope struct {
	SignedTransaction string `json:"signed_transaction"`
	SignedRenewal     string `json:"signed_renewal,omitempty"`
}

func encodeEnvelope(payload, renewal []byte) ([]byte, error) {
	return json.Marshal(envelope{SignedTransaction: string(payload), SignedRenewal: string(renewal)})
}

func decodeEnvelope(body []byte) (payload, renewal []byte) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Unparseable bodies still reach the engine so they are counted as malformed.
		return body, nil
	}
	if env.SignedRenewal != "" {
		renewal = []byte(env.SignedRenewal)
	}
	return []byte(env.SignedTransaction), renewal
}

func noAck() error { return nil }
