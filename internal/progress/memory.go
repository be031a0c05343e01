package progress

import (
	"context"
	"sync"
	"time"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
)

const defaultMaxLog = 1000

// subscriberBuffer is the channel capacity handed to each live subscriber.
const subscriberBuffer = 100

// subjectLog is the append-only, capped event log for one batch.
type subjectLog struct {
	mu      sync.Mutex
	events  []Event
	nextSeq uint64
	closed  bool
}

// MemoryBus keeps progress logs and subscriber sets in process memory.
// Per-batch operations are independent: each log carries its own lock and the
// subscriber set lock is only held for registration and fan-out.
type MemoryBus struct {
	mu      sync.RWMutex
	clients map[string][]chan Event

	logMu   sync.RWMutex
	logs    map[string]*subjectLog
	maxLog  int
	logger  logging.Logger
	metrics *observability.MetricsCollector
	nowFunc func() time.Time
}

// MemoryBusOption customizes a MemoryBus.
type MemoryBusOption func(*MemoryBus)

// WithMaxLog caps the number of retained events per batch.
func WithMaxLog(n int) MemoryBusOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.maxLog = n
		}
	}
}

// WithMemoryBusLogger sets the bus logger.
func WithMemoryBusLogger(logger logging.Logger) MemoryBusOption {
	return func(b *MemoryBus) {
		b.logger = logging.OrNop(logger)
	}
}

// WithMemoryBusMetrics sets the metrics collector.
func WithMemoryBusMetrics(m *observability.MetricsCollector) MemoryBusOption {
	return func(b *MemoryBus) {
		b.metrics = m
	}
}

// NewMemoryBus creates an in-memory progress bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		clients: make(map[string][]chan Event),
		logs:    make(map[string]*subjectLog),
		maxLog:  defaultMaxLog,
		logger:  logging.NewComponentLogger("ProgressBus"),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) subject(batchID string) *subjectLog {
	b.logMu.RLock()
	log, ok := b.logs[batchID]
	b.logMu.RUnlock()
	if ok {
		return log
	}

	b.logMu.Lock()
	defer b.logMu.Unlock()
	if log, ok = b.logs[batchID]; ok {
		return log
	}
	log = &subjectLog{nextSeq: 1}
	b.logs[batchID] = log
	return log
}

// Publish appends the event to the batch log and fans it out to live
// subscribers. Returns ErrLogClosed once the batch has seen a terminal event.
func (b *MemoryBus) Publish(ctx context.Context, batchID string, stage Stage, message string, pct float64) (uint64, error) {
	log := b.subject(batchID)

	log.mu.Lock()
	if log.closed {
		log.mu.Unlock()
		return 0, ErrLogClosed
	}
	event := Event{
		BatchID:            batchID,
		Stage:              stage,
		Message:            message,
		ProgressPercentage: pct,
		Timestamp:          b.nowFunc().UTC(),
		Sequence:           log.nextSeq,
	}
	log.nextSeq++
	log.events = append(log.events, event)
	if len(log.events) > b.maxLog {
		// Evict the oldest events. Terminal events are only ever appended
		// last, so the tail survives eviction by construction.
		log.events = log.events[len(log.events)-b.maxLog:]
	}
	if stage.Terminal() {
		log.closed = true
	}

	// Fan out while still holding the log lock so a subscriber channel
	// receives events for one batch in sequence order. Every send below is
	// non-blocking, so nothing suspends under the lock.
	b.mu.RLock()
	clients := b.clients[batchID]
	b.broadcastToClients(batchID, clients, event)
	b.mu.RUnlock()
	log.mu.Unlock()

	b.metrics.RecordEventPublished(ctx, string(stage))

	return event.Sequence, nil
}

// broadcastToClients sends the event to every subscriber channel without
// blocking. Terminal events get one extra chance: the oldest buffered event
// is dropped to make room, since subscribers key their shutdown off them.
func (b *MemoryBus) broadcastToClients(batchID string, clients []chan Event, event Event) {
	for i, ch := range clients {
		select {
		case ch <- event:
		default:
			if b.deliverTerminal(batchID, ch, event) {
				continue
			}
			b.logger.Warn("Subscriber buffer full for batch %s, dropping event seq=%d (client %d/%d)", batchID, event.Sequence, i+1, len(clients))
			b.metrics.RecordEventDropped(context.Background())
		}
	}
}

func (b *MemoryBus) deliverTerminal(batchID string, ch chan Event, event Event) bool {
	if !event.Stage.Terminal() {
		return false
	}

	// Retry first in case the consumer drained the buffer meanwhile.
	select {
	case ch <- event:
		return true
	default:
	}

	// Drop the oldest buffered event to make room for the terminal one.
	select {
	case <-ch:
	default:
		return false
	}

	select {
	case ch <- event:
		b.logger.Warn("Subscriber buffer saturated for batch %s; dropped oldest event to deliver terminal %s", batchID, event.Stage)
		return true
	default:
		return false
	}
}

// Log returns up to limit most recent events in ascending sequence order.
func (b *MemoryBus) Log(ctx context.Context, batchID string, limit int) ([]Event, error) {
	b.logMu.RLock()
	log, ok := b.logs[batchID]
	b.logMu.RUnlock()
	if !ok {
		return nil, nil
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	events := log.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	batchID string
	ch      chan Event
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.unregister(s.batchID, s.ch)
	})
}

// Subscribe registers a live feed for the batch.
func (b *MemoryBus) Subscribe(ctx context.Context, batchID string) (Subscription, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.clients[batchID] = append(b.clients[batchID], ch)
	total := len(b.clients[batchID])
	b.mu.Unlock()

	b.logger.Info("Subscriber registered for batch %s (total: %d)", batchID, total)
	return &memorySubscription{bus: b, batchID: batchID, ch: ch}, nil
}

func (b *MemoryBus) unregister(batchID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[batchID]
	for i, client := range clients {
		if client == ch {
			b.clients[batchID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			if len(b.clients[batchID]) == 0 {
				delete(b.clients, batchID)
			}
			b.logger.Info("Subscriber unregistered from batch %s (remaining: %d)", batchID, len(b.clients[batchID]))
			return
		}
	}
}

// SubscriberCount returns the number of live subscribers for a batch.
func (b *MemoryBus) SubscriberCount(batchID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[batchID])
}

// Forget drops the log and sequence state for a batch. Live subscribers are
// left to observe their own cancellation.
func (b *MemoryBus) Forget(ctx context.Context, batchID string) error {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	delete(b.logs, batchID)
	return nil
}

// Close implements Bus. The in-memory bus holds no external resources.
func (b *MemoryBus) Close() error {
	return nil
}
