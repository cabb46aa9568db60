package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/supportline/internal/display"
	"github.com/MrWong99/supportline/internal/observe"
	"github.com/MrWong99/supportline/pkg/provider/llm"
	"github.com/MrWong99/supportline/pkg/types"
)

// Generation defaults.
const (
	DefaultTemperature = 0.5
	DefaultMaxTokens   = 150
)

// generator answers queued utterances one at a time, streaming each response
// to the display bus token by token.
type generator struct {
	llm         llm.Provider
	provider    string
	queue       *Queue
	history     *History
	bus         *display.Bus
	stats       *Stats
	metrics     *observe.Metrics
	temperature float64
	maxTokens   int
	wait        time.Duration
}

// run processes utterances until ctx ends. Backend failures are reported
// and never end the loop.
func (g *generator) run(ctx context.Context) error {
	for {
		u, ok := g.queue.Pop(ctx, g.wait)
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			continue
		}
		g.respond(ctx, u)
	}
}

// respond runs one request/response cycle for u.
func (g *generator) respond(ctx context.Context, u Utterance) {
	ctx, span := observe.StartSpan(ctx, "pipeline.respond")
	defer span.End()
	span.SetAttributes(attribute.Int("turn", u.TurnID))

	g.bus.Publish(display.StatusEvent(display.StatusProcessing))
	g.history.AddUser(u.Text)

	start := time.Now()
	stream, err := g.llm.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:    g.history.Messages(),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		g.fail(ctx, u, err, start, false)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	var (
		reply      strings.Builder
		firstToken time.Duration
		streamErr  error
	)
	for c := range stream {
		if c.FinishReason == llm.FinishReasonError {
			streamErr = c.Err
			if streamErr == nil {
				streamErr = errors.New("stream failed")
			}
			continue
		}
		if c.Text == "" {
			continue
		}
		if firstToken == 0 {
			firstToken = time.Since(start)
		}
		reply.WriteString(c.Text)
		g.bus.Publish(display.Token(u.TurnID, c.Text))
	}

	if ctx.Err() != nil {
		// Stopped mid-response; close the bubble but keep nothing.
		if reply.Len() > 0 {
			g.bus.Publish(display.End(u.TurnID))
		}
		return
	}
	if streamErr != nil {
		g.fail(ctx, u, streamErr, start, reply.Len() > 0)
		span.SetStatus(codes.Error, streamErr.Error())
		return
	}

	g.history.AddAssistant(reply.String())
	g.bus.Publish(display.End(u.TurnID))

	total := time.Since(start)
	g.stats.RecordResponse(total, firstToken)
	g.metrics.RecordResponse(ctx, "ok", total.Seconds(), firstToken.Seconds())
	g.metrics.RecordProviderRequest(ctx, g.provider, "llm", "ok")
	observe.Logger(ctx).Info("generator: response complete",
		"turn", u.TurnID,
		"latency", total.Round(time.Millisecond),
		"first_token", firstToken.Round(time.Millisecond),
		"chars", reply.Len(),
		"history", g.history.Len(),
	)

	g.bus.Publish(display.StatusEvent(display.StatusOnline))
}

// fail reports a backend failure for u. The user turn stays in the history
// so the next request still carries what the customer said.
func (g *generator) fail(ctx context.Context, u Utterance, err error, start time.Time, streamed bool) {
	if types.KindOf(err) == 0 {
		err = types.BackendError("generate", err)
	}
	if streamed {
		g.bus.Publish(display.End(u.TurnID))
	}

	total := time.Since(start)
	g.stats.RecordError()
	g.metrics.RecordResponse(ctx, "error", total.Seconds(), 0)
	g.metrics.RecordProviderRequest(ctx, g.provider, "llm", "error")
	g.metrics.RecordProviderError(ctx, g.provider, "llm")
	observe.Logger(ctx).Warn("generator: response failed", "turn", u.TurnID, "err", err)

	g.bus.Publish(display.Errorf("Response error: %v", cause(err)))
	g.bus.Publish(display.StatusEvent(display.StatusError))
	g.bus.Publish(display.StatusEvent(display.StatusOnline))
}
