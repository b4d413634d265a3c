package bus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capulus/dbgnexus/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// testEvent builds a stand-in event for transport-layer tests that don't
// care about a specific payload shape; it reuses CommandStatus since it's
// the simplest typed payload.
func testEvent(eventType, source string) *Event {
	return NewCommandStatusEvent(eventType, source, CommandStatus{CommandID: "c1", State: "queued"})
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := testEvent("test.type", "test-source")
	if err := bus.Publish(ctx, "test.subject", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
		if e.CommandStatus == nil || e.CommandStatus.CommandID != "c1" {
			t.Errorf("Expected CommandStatus payload to survive delivery, got %+v", e.CommandStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("test.multi", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := testEvent("test.type", "test-source")
	if err := bus.Publish(ctx, "test.multi", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // Allow goroutines to complete

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("test.unsub", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := testEvent("test.type", "test-source")
	if err := bus.Publish(ctx, "test.unsub", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "test.unsub", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Single token wildcard - * matches exactly one token (no dots)
	sub, err := bus.Subscribe("events.*.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Should match - "user" fills the * slot
	if err := bus.Publish(ctx, "events.user.created", testEvent("user.created", "test")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Should also match - "order" fills the * slot
	if err := bus.Publish(ctx, "events.order.created", testEvent("order.created", "test")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("notifications.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, "notifications.email", testEvent("email", "test")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "notifications.email.sent", testEvent("email.sent", "test")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Subscribe to events.*.created - should NOT match events.created (missing middle token)
	sub, err := bus.Subscribe("events.*.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, "events.created", testEvent("test", "test")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected 0 events (no match), got %d", count)
	}
}

func TestMemoryEventBus_ExactMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("events.user.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := testEvent("test", "test")
	if err := bus.Publish(ctx, "events.user.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Should NOT match - different subject
	if err := bus.Publish(ctx, "events.user.updated", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 event, got %d", count)
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32
	var mu sync.Mutex
	handlerCalls := make([]int, 3)

	for i := 0; i < 3; i++ {
		idx := i
		sub, err := bus.QueueSubscribe("test.queue", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			mu.Lock()
			handlerCalls[idx]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("QueueSubscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	for i := 0; i < 6; i++ {
		if err := bus.Publish(ctx, "test.queue", testEvent("test.type", "test-source")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 6 {
		t.Errorf("Expected 6 handler calls, got %d", count)
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var receivedCount int32
	var publishErrorCount int32
	var wg sync.WaitGroup

	sub, err := bus.Subscribe("test.concurrent", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&receivedCount, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := bus.Publish(ctx, "test.concurrent", testEvent("test.type", "test-source")); err != nil {
					atomic.AddInt32(&publishErrorCount, 1)
				}
			}
		}()
	}

	wg.Wait()
	if publishErrorCount > 0 {
		t.Errorf("publish errors: %d", publishErrorCount)
	}
	time.Sleep(200 * time.Millisecond) // Allow handlers to complete

	expectedCount := int32(numGoroutines * eventsPerGoroutine)
	if atomic.LoadInt32(&receivedCount) != expectedCount {
		t.Errorf("Expected %d events, got %d", expectedCount, receivedCount)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, "test.subject", testEvent("test.type", "test-source")); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}

	_, err := bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}

func TestNewCommandStatusEvent(t *testing.T) {
	before := time.Now().UTC()
	status := CommandStatus{SessionID: "sess-1", CommandID: "cmd-1", Command: "k", State: "queued"}
	event := NewCommandStatusEvent("command.queued", "dbgnexus-queue", status)
	after := time.Now().UTC()

	if event.ID == "" {
		t.Error("Expected event ID to be set")
	}
	if event.Type != "command.queued" {
		t.Errorf("Expected type command.queued, got %s", event.Type)
	}
	if event.Source != "dbgnexus-queue" {
		t.Errorf("Expected source dbgnexus-queue, got %s", event.Source)
	}
	if event.CommandStatus == nil || *event.CommandStatus != status {
		t.Errorf("Expected CommandStatus %+v, got %+v", status, event.CommandStatus)
	}
	if event.CommandHeartbeat != nil || event.ServerHealth != nil || event.SessionStatus != nil {
		t.Error("Expected only the CommandStatus payload to be populated")
	}
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Error("Expected timestamp to be set correctly")
	}
}

func TestNewSessionStatusEvent(t *testing.T) {
	status := SessionStatus{SessionID: "sess-1", Target: "dump.dmp"}
	event := NewSessionStatusEvent("session.opened", "dbgnexus-session", status)

	if event.SessionStatus == nil || *event.SessionStatus != status {
		t.Errorf("Expected SessionStatus %+v, got %+v", status, event.SessionStatus)
	}
	if event.CommandStatus != nil || event.CommandHeartbeat != nil || event.ServerHealth != nil {
		t.Error("Expected only the SessionStatus payload to be populated")
	}
}

func TestNewServerHealthEvent(t *testing.T) {
	health := ServerHealth{Sessions: 2, ActiveDrivers: 1, QueueDepth: 3, ActiveCommands: 1}
	event := NewServerHealthEvent("server.health", "dbgnexus-session", health)

	if event.ServerHealth == nil || *event.ServerHealth != health {
		t.Errorf("Expected ServerHealth %+v, got %+v", health, event.ServerHealth)
	}
}

func TestNewCommandHeartbeatEvent(t *testing.T) {
	heartbeat := CommandHeartbeat{SessionID: "sess-1", CommandID: "cmd-1", Command: "!analyze -v", ElapsedMS: 5000}
	event := NewCommandHeartbeatEvent("command.heartbeat", "dbgnexus-queue", heartbeat)

	if event.CommandHeartbeat == nil || *event.CommandHeartbeat != heartbeat {
		t.Errorf("Expected CommandHeartbeat %+v, got %+v", heartbeat, event.CommandHeartbeat)
	}
}

// TestMemoryEventBus_PublishIsLossless is a regression test covering the
// same ground the teacher's synchronous-dispatch-era ordering tests did,
// without assuming an ordering guarantee Publish's async fan-out (each
// handler invoked via its own goroutine) doesn't actually provide: every
// published event is still delivered to the handler exactly once.
func TestMemoryEventBus_PublishIsLossless(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	received := make([]int64, 0, numEvents)
	var wg sync.WaitGroup
	wg.Add(numEvents)

	sub, err := bus.Subscribe("test.ordering", func(ctx context.Context, event *Event) error {
		defer wg.Done()
		mu.Lock()
		received = append(received, event.CommandStatus.DurationMS)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		status := CommandStatus{CommandID: "c1", DurationMS: int64(i)}
		if err := bus.Publish(ctx, "test.ordering", NewCommandStatusEvent("test.type", "test-source", status)); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(received))
	}
	sort.Slice(received, func(i, j int) bool { return received[i] < received[j] })
	for i, seq := range received {
		if seq != int64(i) {
			t.Fatalf("Expected every sequence number 0..%d to be delivered exactly once, missing/duplicated around %d", numEvents-1, i)
		}
	}
}

// TestMemoryEventBus_QueueSubscribeIsLossless mirrors
// TestMemoryEventBus_PublishIsLossless for queue subscriptions: round-robin
// delivery still delivers every event to exactly one subscriber.
func TestMemoryEventBus_QueueSubscribeIsLossless(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	received := make([]int64, 0, numEvents)
	var wg sync.WaitGroup
	wg.Add(numEvents)

	sub, err := bus.QueueSubscribe("test.queue.ordering", "workers", func(ctx context.Context, event *Event) error {
		defer wg.Done()
		mu.Lock()
		received = append(received, event.CommandStatus.DurationMS)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		status := CommandStatus{CommandID: "c1", DurationMS: int64(i)}
		if err := bus.Publish(ctx, "test.queue.ordering", NewCommandStatusEvent("test.type", "test-source", status)); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(received))
	}
	sort.Slice(received, func(i, j int) bool { return received[i] < received[j] })
	for i, seq := range received {
		if seq != int64(i) {
			t.Fatalf("Expected every sequence number 0..%d to be delivered exactly once, missing/duplicated around %d", numEvents-1, i)
		}
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for all events to be delivered")
	}
}
