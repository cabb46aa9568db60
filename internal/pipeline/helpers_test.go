package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/pkg/audio"
)

// newTestMetrics returns Metrics backed by a private ManualReader.
func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// frame returns a 50 ms frame filled with b.
func frame(b byte) audio.AudioFrame {
	return audio.AudioFrame{Data: bytes.Repeat([]byte{b}, 1600), SampleRate: 16000, Channels: 1}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// describe renders events compactly for sequence assertions.
func describe(events []display.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev.Kind {
		case display.StatusChange:
			out = append(out, "status:"+string(ev.Status))
		case display.AssistantEnd:
			out = append(out, "assistant-end")
		default:
			out = append(out, ev.Kind.String()+":"+ev.Text)
		}
	}
	return out
}

func assertSequence(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d\n got: %q\nwant: %q", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func countKind(events []display.Event, k display.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}
