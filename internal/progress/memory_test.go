package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanflow/internal/logging"
)

func newTestBus(opts ...MemoryBusOption) *MemoryBus {
	opts = append([]MemoryBusOption{WithMemoryBusLogger(logging.Nop())}, opts...)
	return NewMemoryBus(opts...)
}

func TestPublishAssignsSequenceNumbers(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := bus.Publish(ctx, "b1", StageProcessing, fmt.Sprintf("step %d", i), float64(i*10))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	// Sequences are per batch.
	seq, err := bus.Publish(ctx, "b2", StageUploading, "first", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestPublishAfterTerminalFailsWithLogClosed(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	_, err := bus.Publish(ctx, "b1", StageProcessing, "working", 50)
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "b1", StageCompleted, "done", 100)
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "b1", StageProcessing, "late", 99)
	assert.ErrorIs(t, err, ErrLogClosed)

	// The late write is not reflected in the log.
	events, err := bus.Log(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, StageCompleted, events[1].Stage)
}

func TestLogReturnsMostRecentInOrder(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := bus.Publish(ctx, "b1", StageProcessing, fmt.Sprintf("step %d", i), float64(i))
		require.NoError(t, err)
	}

	events, err := bus.Log(ctx, "b1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, uint64(5), events[2].Sequence)

	// Unknown batch yields an empty log, not an error.
	events, err = bus.Log(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLogEvictsOldestWhenCapped(t *testing.T) {
	bus := newTestBus(WithMaxLog(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := bus.Publish(ctx, "b1", StageProcessing, "", float64(i))
		require.NoError(t, err)
	}
	_, err := bus.Publish(ctx, "b1", StageCompleted, "done", 100)
	require.NoError(t, err)

	events, err := bus.Log(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Oldest evicted, terminal event retained as the tail.
	assert.Equal(t, uint64(4), events[0].Sequence)
	assert.Equal(t, StageCompleted, events[2].Stage)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = bus.Publish(ctx, "b1", StageUploading, "chunk 1/3", 33)
	require.NoError(t, err)

	select {
	case event := <-sub.Events():
		assert.Equal(t, StageUploading, event.Stage)
		assert.Equal(t, uint64(1), event.Sequence)
	default:
		t.Fatal("subscriber did not receive event")
	}
}

func TestSubscribeUnknownBatchYieldsNothing(t *testing.T) {
	bus := newTestBus()

	sub, err := bus.Subscribe(context.Background(), "never-started")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event: %+v", event)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("b1"))

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount("b1"))

	// Closing twice is safe.
	sub.Close()

	_, err = bus.Publish(ctx, "b1", StageProcessing, "", 10)
	require.NoError(t, err)
}

func TestTerminalEventDeliveredToSaturatedSubscriber(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b1")
	require.NoError(t, err)
	defer sub.Close()

	// Saturate the subscriber buffer without draining it.
	for i := 0; i < subscriberBuffer+10; i++ {
		_, err := bus.Publish(ctx, "b1", StageProcessing, "", float64(i))
		require.NoError(t, err)
	}

	_, err = bus.Publish(ctx, "b1", StageCompleted, "done", 100)
	require.NoError(t, err)

	// Drain: the terminal event must be present even though earlier events
	// were dropped.
	var sawTerminal bool
	for {
		select {
		case event := <-sub.Events():
			if event.Stage.Terminal() {
				sawTerminal = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawTerminal, "terminal event was dropped")
}

func TestConcurrentPublishersDeliverInSequenceOrder(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "b1")
	require.NoError(t, err)
	defer sub.Close()

	// Keep the total below the subscriber buffer so no event can be dropped
	// even if the consumer never drains mid-publish.
	const publishers = 8
	const perPublisher = 12

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := bus.Publish(ctx, "b1", StageUploading, "", 0)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	total := publishers * perPublisher
	var last uint64
	for i := 0; i < total; i++ {
		select {
		case event := <-sub.Events():
			require.Greater(t, event.Sequence, last, "event %d arrived out of order", i)
			last = event.Sequence
		default:
			t.Fatalf("missing event %d of %d", i+1, total)
		}
	}
	assert.Equal(t, uint64(total), last)
}

func TestForgetResetsSequence(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	_, err := bus.Publish(ctx, "b1", StageCompleted, "done", 100)
	require.NoError(t, err)

	require.NoError(t, bus.Forget(ctx, "b1"))

	// Batch state is gone entirely: publishing works again from sequence 1.
	seq, err := bus.Publish(ctx, "b1", StageUploading, "fresh", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestEventKindClassification(t *testing.T) {
	assert.Equal(t, KindProgress, Event{Stage: StageUploading}.Kind())
	assert.Equal(t, KindProgress, Event{Stage: StageValidating}.Kind())
	assert.Equal(t, KindProgress, Event{Stage: StageProcessing}.Kind())
	assert.Equal(t, KindComplete, Event{Stage: StageCompleted}.Kind())
	assert.Equal(t, KindError, Event{Stage: StageFailed}.Kind())
}

func TestStageValidation(t *testing.T) {
	assert.True(t, StageUploading.Valid())
	assert.False(t, Stage("reticulating").Valid())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageProcessing.Terminal())
}
