package feed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/rand"
)

const (
	fieldTransaction = "signed_transaction"
	fieldRenewal     = "signed_renewal"
)

// StreamClient is the subset of *redis.Client used by RedisStream.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamConfig names the stream and consumer group.
type RedisStreamConfig struct {
	Stream     string
	Group      string
	Consumer   string
	Block      time.Duration
	Batch      int64
	MaxBackoff time.Duration
	// MaxLen trims the stream approximately on publish (0 = no trim).
	MaxLen int64
}

// RedisStream reads updates from a Redis stream through a consumer group.
// Entries stay pending until acked, so a restart redelivers them.
type RedisStream struct {
	client StreamClient
	cfg    RedisStreamConfig
	logger Logger
}

// Logger is used by broker-backed feeds to report read failures.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NewRedisStream applies defaults to cfg.
func NewRedisStream(client StreamClient, cfg RedisStreamConfig, logger Logger) *RedisStream {
	if cfg.Stream == "" {
		cfg.Stream = "entitlement:transactions"
	}
	if cfg.Group == "" {
		cfg.Group = "entitlement"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "engine"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &RedisStream{client: client, cfg: cfg, logger: logger}
}

// Publish appends a delivery to the stream.
func (s *RedisStream) Publish(ctx context.Context, payload, renewal []byte) (string, error) {
	values := map[string]interface{}{fieldTransaction: string(payload)}
	if len(renewal) > 0 {
		values[fieldRenewal] = string(renewal)
	}
	args := &redis.XAddArgs{Stream: s.cfg.Stream, Values: values}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Result()
}

// Subscribe creates the group if needed, replays this consumer's pending
// entries and then follows new ones.
func (s *RedisStream) Subscribe(ctx context.Context) (<-chan Update, error) {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, err
	}

	out := make(chan Update)
	go s.run(ctx, out)
	return out, nil
}

func (s *RedisStream) run(ctx context.Context, out chan<- Update) {
	defer close(out)

	cursor := "0"
	failures := 0
	for ctx.Err() == nil {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, cursor},
			Count:    s.cfg.Batch,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			wait := backoff(failures, s.cfg.MaxBackoff)
			if s.logger != nil {
				s.logger.Errorf("feed: redis read failed (retry in %s): %v", wait, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		last := ""
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID
				select {
				case out <- s.update(msg):
				case <-ctx.Done():
					return
				}
			}
		}
		if cursor != ">" {
			// Walk the pending backlog, then switch to new entries.
			if last == "" {
				cursor = ">"
			} else {
				cursor = last
			}
		}
	}
}

func (s *RedisStream) update(msg redis.XMessage) Update {
	id := msg.ID
	u := Update{ID: id}
	if v, ok := msg.Values[fieldTransaction].(string); ok {
		u.Payload = []byte(v)
	}
	if v, ok := msg.Values[fieldRenewal].(string); ok && v != "" {
		u.RenewalPayload = []byte(v)
	}
	u.Ack = func() error {
		return s.client.XAck(context.Background(), s.cfg.Stream, s.cfg.Group, id).Err()
	}
	return u
}

// backoff doubles from one second up to max with up to 50% jitter.
func backoff(attempt int, max time.Duration) time.Duration {
	base := time.Second
	for i := 1; i < attempt && base < max; i++ {
		base *= 2
	}
	if base > max {
		base = max
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base/2 + jitter
}
