package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu          sync.Mutex
	published   []PersistableEvent
	bulk        [][]CodexEventItem
	publishGate chan struct{}
}

func (f *fakePublisher) Publish(kind Kind, payload any) error {
	if f.publishGate != nil {
		<-f.publishGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, PersistableEvent{Kind: kind, Data: payload})
	return nil
}

func (f *fakePublisher) PublishCodexEventsBulk(items []CodexEventItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]CodexEventItem, len(items))
	copy(cp, items)
	f.bulk = append(f.bulk, cp)
	return nil
}

func (f *fakePublisher) snapshot() ([]PersistableEvent, [][]CodexEventItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PersistableEvent(nil), f.published...), append([][]CodexEventItem(nil), f.bulk...)
}

func TestQueue_DispatchesNonCodexEventsImmediately(t *testing.T) {
	q := NewQueue(16, 50, 50*time.Millisecond)
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, pub)
		close(done)
	}()

	q.Emit(PersistableEvent{Kind: KindRunStarted, Data: struct{}{}})

	require.Eventually(t, func() bool {
		pubd, _ := pub.snapshot()
		return len(pubd) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestQueue_BatchesCodexEventsBySize(t *testing.T) {
	q := NewQueue(16, 3, time.Hour)
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, pub)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		q.Emit(PersistableEvent{Kind: KindCodexEvent, Data: CodexEventItem{ExecutionID: "e1"}})
	}

	require.Eventually(t, func() bool {
		_, bulk := pub.snapshot()
		return len(bulk) == 1 && len(bulk[0]) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestQueue_FlushesPartialBatchOnContextCancel(t *testing.T) {
	q := NewQueue(16, 50, time.Hour)
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, pub)
		close(done)
	}()

	q.Emit(PersistableEvent{Kind: KindCodexEvent, Data: CodexEventItem{ExecutionID: "e1"}})
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	_, bulk := pub.snapshot()
	require.Len(t, bulk, 1)
	assert.Len(t, bulk[0], 1)
}

func TestQueue_SlowNonCodexPublishDoesNotBlockBatching(t *testing.T) {
	q := NewQueue(16, 3, time.Hour)
	pub := &fakePublisher{publishGate: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, pub)
		close(done)
	}()

	// A non-Codex event whose Publish call blocks until the gate opens.
	q.Emit(PersistableEvent{Kind: KindHeartbeat})

	// Codex events should still batch and flush while the heartbeat publish
	// is stuck waiting on the gate, since it now runs on its own goroutine.
	for i := 0; i < 3; i++ {
		q.Emit(PersistableEvent{Kind: KindCodexEvent, Data: CodexEventItem{ExecutionID: "e1"}})
	}

	require.Eventually(t, func() bool {
		_, bulk := pub.snapshot()
		return len(bulk) == 1 && len(bulk[0]) == 3
	}, time.Second, 5*time.Millisecond)

	close(pub.publishGate)
	require.Eventually(t, func() bool {
		pubd, _ := pub.snapshot()
		return len(pubd) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestQueue_EmitDropsWhenFull(t *testing.T) {
	q := NewQueue(1, 50, time.Hour)
	// Fill the channel without a consumer running.
	q.Emit(PersistableEvent{Kind: KindHeartbeat})
	q.Emit(PersistableEvent{Kind: KindHeartbeat})
	assert.Len(t, q.ch, 1)
}
