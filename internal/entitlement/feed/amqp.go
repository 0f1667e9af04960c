package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel used by AMQP.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP consumes updates from a durable RabbitMQ queue with manual acks.
type AMQP struct {
	ch       AMQPChannel
	queue    string
	prefetch int
}

// NewAMQP declares nothing until Subscribe or Publish is called.
func NewAMQP(ch AMQPChannel, queue string, prefetch int) *AMQP {
	if queue == "" {
		queue = "entitlement.transactions"
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQP{ch: ch, queue: queue, prefetch: prefetch}
}

// DialAMQP opens a connection and channel to the broker at rawURL.
func DialAMQP(rawURL string) (*amqp.Connection, *amqp.Channel, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", u.Scheme)
	}
	return clean, nil
}

func (a *AMQP) declare() error {
	_, err := a.ch.QueueDeclare(a.queue, true, false, false, false, nil)
	return err
}

// Publish sends a persistent message to the queue.
func (a *AMQP) Publish(ctx context.Context, payload, renewal []byte) (string, error) {
	if err := a.declare(); err != nil {
		return "", err
	}
	body, err := encodeEnvelope(payload, renewal)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe starts a consumer. Unacked messages return to the queue when the
// channel closes.
func (a *AMQP) Subscribe(ctx context.Context) (<-chan Update, error) {
	if err := a.declare(); err != nil {
		return nil, err
	}
	if err := a.ch.Qos(a.prefetch, 0, false); err != nil {
		return nil, err
	}
	tag := "entitlement-" + uuid.NewString()
	msgs, err := a.ch.Consume(a.queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan Update)
	go func() {
		defer close(out)
		defer a.ch.Cancel(tag, false)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- deliveryUpdate(d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func deliveryUpdate(d amqp.Delivery) Update {
	payload, renewal := decodeEnvelope(d.Body)
	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("amqp-%d", d.DeliveryTag)
	}
	return Update{
		ID:             id,
		Payload:        payload,
		RenewalPayload: renewal,
		Ack:            func() error { return d.Ack(false) },
	}
}
