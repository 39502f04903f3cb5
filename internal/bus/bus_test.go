package bus

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/coworker/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func textEvent(sessionID, text string) *protocol.ServerEvent {
	return &protocol.ServerEvent{Type: protocol.EventLog, SessionID: sessionID, Message: text}
}

func collect(t *testing.T, sub *Subscription, n int) []*protocol.ServerEvent {
	t.Helper()
	var got []*protocol.ServerEvent
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestPublishOrderPreserved(t *testing.T) {
	b := New(testLogger())
	sub := b.Subscribe("s1")
	defer sub.Close()

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish("s1", textEvent("s1", fmt.Sprintf("ev-%d", i)))
	}

	got := collect(t, sub, n)
	for i, ev := range got {
		if want := fmt.Sprintf("ev-%d", i); ev.Message != want {
			t.Fatalf("event %d = %q, want %q", i, ev.Message, want)
		}
	}
}

func TestNoCrossSessionDelivery(t *testing.T) {
	b := New(testLogger())
	sub := b.Subscribe("s1")
	defer sub.Close()

	b.Publish("s2", textEvent("s2", "other"))
	b.Publish("s1", textEvent("s1", "mine"))

	got := collect(t, sub, 1)
	if got[0].Message != "mine" {
		t.Fatalf("got %q, want %q", got[0].Message, "mine")
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	var dropped []string
	b := New(testLogger(), WithBufferSize(8), WithDropHook(func(id string) {
		dropped = append(dropped, id)
	}))
	sub := b.Subscribe("s1")

	// Nobody reads; overflow the queue.
	for i := 0; i < 20; i++ {
		b.Publish("s1", textEvent("s1", fmt.Sprintf("ev-%d", i)))
	}

	var got []*protocol.ServerEvent
	for ev := range sub.Events() {
		got = append(got, ev)
	}

	// The queue bound, at most one event already handed to the pump, and
	// the terminal dropped event.
	if len(got) < 9 || len(got) > 10 {
		t.Fatalf("got %d events, want 9 or 10", len(got))
	}
	last := got[len(got)-1]
	if last.Type != protocol.EventDropped || last.Reason != DropReasonSlowConsumer {
		t.Fatalf("terminal event = %+v", last)
	}
	// Delivered prefix is in publish order.
	for i := 0; i < len(got)-1; i++ {
		if want := fmt.Sprintf("ev-%d", i); got[i].Message != want {
			t.Fatalf("event %d = %q, want %q", i, got[i].Message, want)
		}
	}
	if len(dropped) != 1 || dropped[0] != "s1" {
		t.Fatalf("drop hook calls = %v", dropped)
	}

	// Publishing after the drop reaches no one and does not panic.
	b.Publish("s1", textEvent("s1", "late"))
}

func TestPrefixPropertyAcrossSubscribers(t *testing.T) {
	b := New(testLogger(), WithBufferSize(4))
	fast := b.Subscribe("s1")
	slow := b.Subscribe("s1")
	defer fast.Close()

	// Drain the fast subscriber eagerly so only the slow one overflows.
	fastDone := make(chan []string, 1)
	go func() {
		var seen []string
		for ev := range fast.Events() {
			seen = append(seen, ev.Message)
		}
		fastDone <- seen
	}()

	const n = 16
	for i := 0; i < n; i++ {
		b.Publish("s1", textEvent("s1", fmt.Sprintf("ev-%d", i)))
		time.Sleep(time.Millisecond)
	}
	b.Shutdown("s1")

	fastSeen := <-fastDone
	var slowSeen []string
	for ev := range slow.Events() {
		if ev.Type == protocol.EventDropped {
			break
		}
		slowSeen = append(slowSeen, ev.Message)
	}

	if len(slowSeen) > len(fastSeen) {
		t.Fatalf("slow subscriber saw more events (%d) than fast (%d)", len(slowSeen), len(fastSeen))
	}
	for i, msg := range slowSeen {
		if msg != fastSeen[i] {
			t.Fatalf("not a prefix at %d: slow %q vs fast %q", i, msg, fastSeen[i])
		}
	}
}

func TestShutdownDeliversQueuedThenCloses(t *testing.T) {
	b := New(testLogger())
	sub := b.Subscribe("s1")

	b.Publish("s1", textEvent("s1", "a"))
	b.Publish("s1", textEvent("s1", "b"))
	b.Shutdown("s1")

	var got []string
	for ev := range sub.Events() {
		got = append(got, ev.Message)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(testLogger())
	sub := b.Subscribe("s1")
	sub.Close()

	b.Publish("s1", textEvent("s1", "after"))

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("received event on closed subscription")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel never closed")
	}
}
