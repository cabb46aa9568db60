// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values, simulate a
// remote hang-up, and inspect which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(types.Transcript{Text: "hello", IsFinal: true})
//	sess.Hangup(io.EOF) // Transcripts closes, Err reports a transport error
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream when SessionFunc is
	// nil. If both are nil, StartStream returns a fresh NewSession().
	Session stt.SessionHandle

	// SessionFunc, when set, builds the session for each StartStream call.
	SessionFunc func() stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns a session or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.SessionFunc != nil {
		return p.SessionFunc(), nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	transcripts chan types.Transcript
	errs        chan error
	ended       chan struct{}
	endOnce     sync.Once

	// emitMu orders Emit against end so nothing is sent on a closed channel.
	emitMu sync.Mutex

	mu sync.Mutex

	state stt.SessionState
	err   error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SentAudio holds a copy of every chunk accepted by SendAudio, in order.
	SentAudio [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open Session with buffered output channels.
func NewSession() *Session {
	return &Session{
		transcripts: make(chan types.Transcript, 64),
		errs:        make(chan error, 16),
		ended:       make(chan struct{}),
		state:       stt.StateOpen,
	}
}

// Emit queues t on the Transcripts channel. Emit after the session ended is a
// no-op.
func (s *Session) Emit(t types.Transcript) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	select {
	case <-s.ended:
		return
	default:
	}
	s.transcripts <- t
}

// EmitError queues a ServerError with message on the Errors channel.
func (s *Session) EmitError(message string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	select {
	case <-s.ended:
		return
	default:
	}
	s.errs <- &stt.ServerError{Provider: "mock", Message: message}
}

// Hangup simulates the service dropping the connection: the output channels
// close and Err reports a transport error wrapping cause.
func (s *Session) Hangup(cause error) {
	s.mu.Lock()
	s.err = types.TransportError("read", cause)
	s.state = stt.StateError
	s.mu.Unlock()
	s.end()
}

func (s *Session) end() {
	s.endOnce.Do(func() {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		close(s.ended)
		close(s.transcripts)
		close(s.errs)
	})
}

// SendAudio records the chunk and returns SendAudioErr, or
// stt.ErrSessionClosed once the session ended.
func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.ended:
		return stt.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentAudio = append(s.SentAudio, cp)
	s.state = stt.StateStreaming
	return nil
}

// Transcripts implements stt.SessionHandle.
func (s *Session) Transcripts() <-chan types.Transcript { return s.transcripts }

// Errors implements stt.SessionHandle.
func (s *Session) Errors() <-chan error { return s.errs }

// State implements stt.SessionHandle.
func (s *Session) State() stt.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendAudioCallCount returns the number of accepted chunks. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// Sent returns a copy of the accepted chunks. Thread-safe.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentAudio))
	copy(out, s.SentAudio)
	return out
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Close records the call, ends the session, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	if s.state != stt.StateError {
		s.state = stt.StateClosed
	}
	err := s.CloseErr
	s.mu.Unlock()
	s.end()
	return err
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
