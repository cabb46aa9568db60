package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/pkg/provider/llm"
	llmmock "github.com/MrWong99/supportline/pkg/provider/llm/mock"
	"github.com/MrWong99/supportline/pkg/types"
)

func newTestGenerator(t *testing.T, p llm.Provider) (*generator, *display.Bus) {
	t.Helper()
	bus := display.NewBus()
	return &generator{
		llm:         p,
		provider:    "mock",
		queue:       NewQueue(),
		history:     NewHistory("You are TJ.", DefaultMaxTurns),
		bus:         bus,
		stats:       NewStats(),
		metrics:     newTestMetrics(t),
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		wait:        20 * time.Millisecond,
	}, bus
}

func TestGenerator_StreamsTokensInOrder(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: llmmock.Tokens("Hi ", "there, ", "let's fix that.")}
	g, bus := newTestGenerator(t, p)

	g.respond(context.Background(), Utterance{Text: "My iPhone won't charge", TurnID: 4})

	assertSequence(t, describe(bus.Drain()), []string{
		"status:" + string(display.StatusProcessing),
		"assistant-token:Hi ",
		"assistant-token:there, ",
		"assistant-token:let's fix that.",
		"assistant-end",
		"status:" + string(display.StatusOnline),
	})

	msgs := g.history.Messages()
	if len(msgs) != 3 {
		t.Fatalf("history len = %d, want 3", len(msgs))
	}
	last := msgs[2]
	if last.Role != types.RoleAssistant || last.Content != "Hi there, let's fix that." {
		t.Errorf("assistant turn = %+v", last)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != 0.5 || req.MaxTokens != 150 {
		t.Errorf("request settings = %v/%d, want 0.5/150", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleSystem ||
		req.Messages[1].Content != "My iPhone won't charge" {
		t.Errorf("request messages = %+v", req.Messages)
	}
	if snap := g.stats.Snapshot(); snap.Responses != 1 || snap.Errors != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestGenerator_TokensCarryTurnID(t *testing.T) {
	t.Parallel()

	g, bus := newTestGenerator(t, &llmmock.Provider{StreamChunks: llmmock.Tokens("ok")})
	g.respond(context.Background(), Utterance{Text: "hello", TurnID: 7})
	for _, ev := range bus.Drain() {
		if (ev.Kind == display.AssistantToken || ev.Kind == display.AssistantEnd) && ev.TurnID != 7 {
			t.Errorf("%s event has turn %d, want 7", ev.Kind, ev.TurnID)
		}
	}
}

func TestGenerator_StartFailure(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamErr: errors.New("rate limited")}
	g, bus := newTestGenerator(t, p)

	g.respond(context.Background(), Utterance{Text: "hello"})

	assertSequence(t, describe(bus.Drain()), []string{
		"status:" + string(display.StatusProcessing),
		"error:Response error: rate limited",
		"status:" + string(display.StatusError),
		"status:" + string(display.StatusOnline),
	})
	msgs := g.history.Messages()
	if len(msgs) != 2 || msgs[1].Role != types.RoleUser {
		t.Errorf("history = %+v, want the user turn kept", msgs)
	}
	if snap := g.stats.Snapshot(); snap.Errors != 1 || snap.Responses != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

// Not parallel: it swaps the global tracer provider.
func TestGenerator_RespondSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	ok, _ := newTestGenerator(t, &llmmock.Provider{StreamChunks: llmmock.Tokens("Sure.")})
	ok.respond(context.Background(), Utterance{Text: "Can you help?", TurnID: 1})
	failing, _ := newTestGenerator(t, &llmmock.Provider{StreamErr: errors.New("rate limited")})
	failing.respond(context.Background(), Utterance{Text: "Hello?", TurnID: 2})

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	for i, want := range []struct {
		turn int64
		code codes.Code
	}{{1, codes.Unset}, {2, codes.Error}} {
		sp := spans[i]
		if sp.Name != "pipeline.respond" {
			t.Errorf("span %d name = %q", i, sp.Name)
		}
		if sp.Status.Code != want.code {
			t.Errorf("span %d status = %v, want %v", i, sp.Status.Code, want.code)
		}
		var turn int64 = -1
		for _, kv := range sp.Attributes {
			if kv.Key == "turn" {
				turn = kv.Value.AsInt64()
			}
		}
		if turn != want.turn {
			t.Errorf("span %d turn = %d, want %d", i, turn, want.turn)
		}
	}
}

func TestGenerator_MidStreamFailureClosesBubble(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: llmmock.Failure(errors.New("connection reset"), "Hi ")}
	g, bus := newTestGenerator(t, p)

	g.respond(context.Background(), Utterance{Text: "hello", TurnID: 2})

	assertSequence(t, describe(bus.Drain()), []string{
		"status:" + string(display.StatusProcessing),
		"assistant-token:Hi ",
		"assistant-end",
		"error:Response error: connection reset",
		"status:" + string(display.StatusError),
		"status:" + string(display.StatusOnline),
	})
	for _, m := range g.history.Messages() {
		if m.Role == types.RoleAssistant {
			t.Errorf("partial reply %q was added to history", m.Content)
		}
	}
}

func TestGenerator_FailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		StreamFunc: func(call int, _ llm.CompletionRequest) ([]llm.Chunk, error) {
			if call == 0 {
				return nil, errors.New("upstream 503")
			}
			return llmmock.Tokens("Sure."), nil
		},
	}
	g, bus := newTestGenerator(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = g.queue.Push(ctx, Utterance{Text: "first", TurnID: 0})
	_ = g.queue.Push(ctx, Utterance{Text: "second", TurnID: 1})

	done := make(chan error, 1)
	go func() { done <- g.run(ctx) }()
	waitFor(t, "second response", func() bool { return g.stats.Snapshot().Responses == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run = %v, want nil", err)
	}

	events := bus.Drain()
	assertSequence(t, describe(events), []string{
		"status:" + string(display.StatusProcessing),
		"error:Response error: upstream 503",
		"status:" + string(display.StatusError),
		"status:" + string(display.StatusOnline),
		"status:" + string(display.StatusProcessing),
		"assistant-token:Sure.",
		"assistant-end",
		"status:" + string(display.StatusOnline),
	})

	// The failed turn is still part of the next request.
	second := p.Calls()[1].Req.Messages
	if len(second) != 3 || second[1].Content != "first" || second[2].Content != "second" {
		t.Errorf("second request = %+v", second)
	}
}

func TestGenerator_CancelMidResponse(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, bus := newTestGenerator(t, llmFunc(func(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, 1)
		ch <- llm.Chunk{Text: "Let me"}
		go func() {
			cancel()
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}))

	g.respond(ctx, Utterance{Text: "hello", TurnID: 3})

	assertSequence(t, describe(bus.Drain()), []string{
		"status:" + string(display.StatusProcessing),
		"assistant-token:Let me",
		"assistant-end",
	})
	if g.history.Len() != 2 {
		t.Errorf("history len = %d, want only the user turn", g.history.Len())
	}
	if snap := g.stats.Snapshot(); snap.Responses != 0 || snap.Errors != 0 {
		t.Errorf("stats = %+v, want nothing recorded", snap)
	}
}

// llmFunc adapts a function to llm.Provider.
type llmFunc func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error)

func (f llmFunc) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return f(ctx, req)
}
