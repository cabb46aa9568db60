// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the response generator sends
// correct CompletionRequests and to feed controlled token streams without a
// live LLM backend. All fields are safe to set before calling any method;
// mutating them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: mock.Tokens("Hi ", "there, ", "let's fix that."),
//	}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/supportline/pkg/provider/llm"
	"github.com/MrWong99/supportline/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion. Messages is a
	// copy, so later mutation by the caller does not show up here.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel returned
	// by StreamCompletion. All chunks are sent before the channel is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion instead
	// of starting a channel.
	StreamErr error

	// StreamFunc, when set, overrides StreamChunks and StreamErr. It receives the
	// zero-based call index and the request.
	StreamFunc func(call int, req llm.CompletionRequest) ([]llm.Chunk, error)

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// Tokens builds a chunk sequence from text fragments followed by a "stop"
// chunk.
func Tokens(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.Chunk{Text: p})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// Failure builds a chunk sequence that emits parts and then fails with err.
func Failure(err error, parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.Chunk{Text: p})
	}
	return append(out, llm.Chunk{FinishReason: llm.FinishReasonError, Err: err})
}

// StreamCompletion records the call and returns a channel that emits the
// configured chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	rec := req
	rec.Messages = make([]types.Message, len(req.Messages))
	copy(rec.Messages, req.Messages)
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: rec})

	var (
		chunks []llm.Chunk
		err    error
	)
	if p.StreamFunc != nil {
		fn := p.StreamFunc
		p.mu.Unlock()
		chunks, err = fn(call, rec)
	} else {
		chunks = make([]llm.Chunk, len(p.StreamChunks))
		copy(chunks, p.StreamChunks)
		err = p.StreamErr
		p.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of StreamCompletion calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
