package display

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_FIFO(t *testing.T) {
	t.Parallel()

	b := NewBus()
	b.Publish(Partial(0, "My"))
	b.Publish(Partial(0, "My iPhone"))
	b.Publish(Final(0, "My iPhone won't charge"))

	want := []Kind{CustomerPartial, CustomerPartial, CustomerFinal}
	for i, k := range want {
		ev, ok := b.Receive(context.Background(), 10*time.Millisecond)
		if !ok {
			t.Fatalf("event %d: receive timed out", i)
		}
		if ev.Kind != k {
			t.Errorf("event %d: kind = %v, want %v", i, ev.Kind, k)
		}
	}
	if _, ok := b.Receive(context.Background(), 0); ok {
		t.Error("expected empty bus")
	}
	if b.Published() != 3 {
		t.Errorf("Published = %d, want 3", b.Published())
	}
}

func TestBus_ReceiveWaitsForPublish(t *testing.T) {
	t.Parallel()

	b := NewBus()
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(StatusEvent(StatusOnline))
	}()

	ev, ok := b.Receive(context.Background(), time.Second)
	if !ok {
		t.Fatal("receive timed out")
	}
	if ev.Kind != StatusChange || ev.Status != StatusOnline {
		t.Errorf("event = %+v", ev)
	}
}

func TestBus_ReceiveTimeoutAndCancel(t *testing.T) {
	t.Parallel()

	b := NewBus()
	start := time.Now()
	if _, ok := b.Receive(context.Background(), 30*time.Millisecond); ok {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Receive returned before the wait elapsed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.Receive(ctx, time.Second); ok {
		t.Fatal("expected false on cancelled context")
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := NewBus()
	done := make(chan struct{})
	go func() {
		for i := range 10_000 {
			b.Publish(Token(0, string(rune('a'+i%26))))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked without a consumer")
	}
	if b.Len() != 10_000 {
		t.Errorf("Len = %d, want 10000", b.Len())
	}
}

func TestBus_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	t.Parallel()

	b := NewBus()
	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				b.Publish(Event{Kind: AssistantToken, TurnID: p, Text: string(rune('0' + i%10))})
			}
		}()
	}
	wg.Wait()

	seen := map[int]int{}
	for _, ev := range b.Drain() {
		want := string(rune('0' + seen[ev.TurnID]%10))
		if ev.Text != want {
			t.Fatalf("producer %d: event %d text = %q, want %q", ev.TurnID, seen[ev.TurnID], ev.Text, want)
		}
		seen[ev.TurnID]++
	}
	for p := range 4 {
		if seen[p] != 100 {
			t.Errorf("producer %d: got %d events, want 100", p, seen[p])
		}
	}
}

func TestBus_PublishStampsTime(t *testing.T) {
	t.Parallel()

	b := NewBus()
	b.Publish(Event{Kind: AssistantEnd})
	ev, _ := b.Receive(context.Background(), 0)
	if ev.Time.IsZero() {
		t.Error("expected Publish to stamp a zero Time")
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	tests := map[Kind]string{
		CustomerPartial: "customer-partial",
		CustomerFinal:   "customer-final",
		AssistantToken:  "assistant-token",
		AssistantEnd:    "assistant-end",
		StatusChange:    "status",
		ErrorNotice:     "error",
		Kind(99):        "Kind(99)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}
