package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
)

// publishScript assigns the next sequence number, appends the event to the
// capped list, closes the log on a terminal stage, and fans out over pub/sub.
// Running it as one script keeps sequence assignment, append, and the closed
// check atomic across concurrent publishers.
//
// KEYS[1] = log list, KEYS[2] = closed flag, KEYS[3] = sequence counter,
// KEYS[4] = pub/sub channel
// ARGV[1] = event JSON without sequence, ARGV[2] = log cap, ARGV[3] = "1" if terminal
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -1
end
local seq = redis.call('INCR', KEYS[3])
local ev = cjson.decode(ARGV[1])
ev['sequence'] = seq
local payload = cjson.encode(ev)
redis.call('RPUSH', KEYS[1], payload)
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
if ARGV[3] == '1' then
  redis.call('SET', KEYS[2], '1')
end
redis.call('PUBLISH', KEYS[4], payload)
return seq
`)

// RedisBus implements Bus on a shared Redis instance so progress survives
// process restarts and multiple server replicas see one event stream.
type RedisBus struct {
	client  *redis.Client
	maxLog  int
	ttl     time.Duration
	logger  logging.Logger
	metrics *observability.MetricsCollector
	nowFunc func() time.Time
}

// RedisBusOption customizes a RedisBus.
type RedisBusOption func(*RedisBus)

// WithRedisMaxLog caps the number of retained events per batch.
func WithRedisMaxLog(n int) RedisBusOption {
	return func(b *RedisBus) {
		if n > 0 {
			b.maxLog = n
		}
	}
}

// WithRedisLogTTL expires batch log keys after the given duration.
func WithRedisLogTTL(ttl time.Duration) RedisBusOption {
	return func(b *RedisBus) {
		b.ttl = ttl
	}
}

// WithRedisBusLogger sets the bus logger.
func WithRedisBusLogger(logger logging.Logger) RedisBusOption {
	return func(b *RedisBus) {
		b.logger = logging.OrNop(logger)
	}
}

// WithRedisBusMetrics sets the metrics collector.
func WithRedisBusMetrics(m *observability.MetricsCollector) RedisBusOption {
	return func(b *RedisBus) {
		b.metrics = m
	}
}

// NewRedisBus creates a Redis-backed progress bus.
func NewRedisBus(client *redis.Client, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:  client,
		maxLog:  defaultMaxLog,
		ttl:     24 * time.Hour,
		logger:  logging.NewComponentLogger("RedisProgressBus"),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func logKey(batchID string) string    { return "batch:" + batchID + ":log" }
func closedKey(batchID string) string { return "batch:" + batchID + ":closed" }
func seqKey(batchID string) string    { return "batch:" + batchID + ":seq" }

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, batchID string, stage Stage, message string, pct float64) (uint64, error) {
	event := Event{
		BatchID:            batchID,
		Stage:              stage,
		Message:            message,
		ProgressPercentage: pct,
		Timestamp:          b.nowFunc().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal progress event: %w", err)
	}

	terminal := "0"
	if stage.Terminal() {
		terminal = "1"
	}

	keys := []string{logKey(batchID), closedKey(batchID), seqKey(batchID), ChannelName(batchID)}
	res, err := publishScript.Run(ctx, b.client, keys, string(payload), strconv.Itoa(b.maxLog), terminal).Int64()
	if err != nil {
		return 0, fmt.Errorf("publish progress event: %w", err)
	}
	if res < 0 {
		return 0, ErrLogClosed
	}

	if b.ttl > 0 {
		pipe := b.client.Pipeline()
		for _, key := range keys[:3] {
			pipe.Expire(ctx, key, b.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			b.logger.Warn("Failed to refresh TTL for batch %s: %v", batchID, err)
		}
	}

	b.metrics.RecordEventPublished(ctx, string(stage))
	return uint64(res), nil
}

// Log implements Bus.
func (b *RedisBus) Log(ctx context.Context, batchID string, limit int) ([]Event, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := b.client.LRange(ctx, logKey(batchID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read progress log: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			b.logger.Error("Malformed event in log for batch %s: %v", batchID, err)
			return nil, fmt.Errorf("decode progress event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Event
	cancel context.CancelFunc
}

func (s *redisSubscription) Events() <-chan Event { return s.ch }

func (s *redisSubscription) Close() {
	s.cancel()
	_ = s.pubsub.Close()
}

// Subscribe implements Bus. The returned subscription decodes pub/sub
// payloads into events; malformed payloads are logged and skipped.
func (b *RedisBus) Subscribe(ctx context.Context, batchID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, ChannelName(batchID))
	// Force the subscription onto the wire before returning so events
	// published after Subscribe are never missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", ChannelName(batchID), err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Event, subscriberBuffer),
		cancel: cancel,
	}

	go func() {
		defer close(sub.ch)
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("Malformed live event for batch %s: %v", batchID, err)
					continue
				}
				select {
				case sub.ch <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

// Forget removes the batch's log, sequence, and closed-flag keys.
func (b *RedisBus) Forget(ctx context.Context, batchID string) error {
	return b.client.Del(ctx, logKey(batchID), closedKey(batchID), seqKey(batchID)).Err()
}

// Close releases the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
