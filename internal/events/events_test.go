package events

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func transferEvent(t EventType, id string) *TransferEvent {
	return &TransferEvent{
		BaseEvent: BaseEvent{EventType: t, Time: time.Now()},
		TaskID:    id,
		Direction: "download",
		Name:      "report.pdf",
		Size:      100,
	}
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)

	ev := transferEvent(EventTransferProgress, "t1")
	ev.Bytes = 50
	bus.Publish(ev)

	select {
	case received := <-ch:
		got, ok := received.(*TransferEvent)
		if !ok {
			t.Fatal("Expected TransferEvent")
		}
		if got.TaskID != "t1" || got.Bytes != 50 {
			t.Errorf("unexpected event: %+v", got)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_FiltersByType(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	retries := bus.Subscribe(EventTransferRetry)
	all := bus.SubscribeAll()

	bus.Publish(transferEvent(EventTransferStarted, "t1"))
	bus.Publish(&RetryEvent{BaseEvent: BaseEvent{EventType: EventTransferRetry, Time: time.Now()}, TaskID: "t1", Attempt: 1})

	select {
	case ev := <-retries:
		if ev.Type() != EventTransferRetry {
			t.Errorf("retry subscriber got %s", ev.Type())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for retry event")
	}
	select {
	case ev := <-retries:
		t.Errorf("retry subscriber got unexpected %s", ev.Type())
	default:
	}

	if len(all) != 2 {
		t.Errorf("SubscribeAll channel holds %d events, want 2", len(all))
	}
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	var logs bytes.Buffer
	bus := NewEventBus(1).WithLogger(zerolog.New(&logs))
	defer bus.Close()

	_ = bus.Subscribe(EventTransferProgress)
	bus.Publish(transferEvent(EventTransferProgress, "t1"))
	bus.Publish(transferEvent(EventTransferProgress, "t1"))
	bus.Publish(transferEvent(EventTransferProgress, "t1"))

	if got := bus.DroppedEvents(); got != 2 {
		t.Errorf("DroppedEvents() = %d, want 2", got)
	}
	if !strings.Contains(logs.String(), "not keeping up") {
		t.Errorf("expected a warning for the first drop, got %q", logs.String())
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferCompleted)
	bus.Unsubscribe(ch)

	bus.Publish(transferEvent(EventTransferCompleted, "t1"))

	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed and empty")
	}
}

func TestEventBus_CloseClosesChannels(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTransferFailed)
	all := bus.SubscribeAll()

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("typed channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("all-events channel should be closed")
	}

	// Publishing and subscribing after close are no-ops
	bus.Publish(transferEvent(EventTransferFailed, "t1"))
	late := bus.Subscribe(EventTransferFailed)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestNewEventBus_BufferBounds(t *testing.T) {
	if bus := NewEventBus(0); bus.bufferSize <= 0 {
		t.Errorf("default buffer size = %d", bus.bufferSize)
	}
	if bus := NewEventBus(1 << 30); bus.bufferSize > 10000 {
		t.Errorf("buffer size not capped: %d", bus.bufferSize)
	}
}
