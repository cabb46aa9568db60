// Package wsstream implements the websocket session machinery shared by the
// streaming STT providers: one goroutine writes audio as binary messages, one
// reads JSON events and hands them to a provider-specific decoder, and Close
// runs the terminate-then-force-close handshake.
//
// Providers own the dial and the wire format; everything else lives here so
// that the ordering and shutdown guarantees of [stt.SessionHandle] hold for
// every backend the same way.
package wsstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/supportline/pkg/provider/stt"
	"github.com/MrWong99/supportline/pkg/types"
)

// DefaultCloseGrace is how long Close waits for the service to finish after
// the terminate message before it drops the connection.
const DefaultCloseGrace = time.Second

// DecodeFunc parses one text message and reports its content through emit.
// A returned error is logged as a protocol error and the message is dropped.
type DecodeFunc func(msg []byte, emit Emitter) error

// Config describes a provider's session behaviour.
type Config struct {
	// Provider names the backend in logs and errors.
	Provider string

	// Terminate is sent as a text message when Close starts. Nil sends nothing.
	Terminate []byte

	// CloseGrace bounds the wait for the service after Terminate. Zero uses
	// DefaultCloseGrace.
	CloseGrace time.Duration

	// IdleAfter is passed to the session's [stt.StateTracker].
	IdleAfter time.Duration

	// Decode parses service messages. Required.
	Decode DecodeFunc
}

// Session is a live streaming session. It implements [stt.SessionHandle].
type Session struct {
	conn   *websocket.Conn
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	audio       chan []byte
	transcripts chan types.Transcript
	errs        chan error

	closing   chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
	readDone  chan struct{}

	state stt.StateTracker

	errMu sync.Mutex
	err   error

	// Turn gate, owned by the read goroutine.
	lastFinal int
	finalized bool
}

var _ stt.SessionHandle = (*Session)(nil)

// Start takes ownership of an established connection and starts the read and
// write goroutines. The session's lifetime is independent of the context
// used to dial conn.
func Start(conn *websocket.Conn, cfg Config) *Session {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:        conn,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		audio:       make(chan []byte),
		transcripts: make(chan types.Transcript, 64),
		errs:        make(chan error, 8),
		closing:     make(chan struct{}),
		writeDone:   make(chan struct{}),
		readDone:    make(chan struct{}),
	}
	s.state.IdleAfter = cfg.IdleAfter
	s.state.Set(stt.StateOpen)

	go s.writeLoop()
	go s.readLoop()
	return s
}

// SendAudio implements [stt.SessionHandle].
func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.writeDone:
		return stt.ErrSessionClosed
	case <-s.readDone:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.writeDone:
		return stt.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcripts implements [stt.SessionHandle].
func (s *Session) Transcripts() <-chan types.Transcript { return s.transcripts }

// Errors implements [stt.SessionHandle].
func (s *Session) Errors() <-chan error { return s.errs }

// State implements [stt.SessionHandle].
func (s *Session) State() stt.SessionState { return s.state.Get() }

// Err implements [stt.SessionHandle].
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements [stt.SessionHandle].
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Set(stt.StateClosing)
		close(s.closing)

		// The terminate message must follow the last audio chunk, so wait for
		// an in-flight write first, but never longer than the grace period.
		wait := time.NewTimer(s.cfg.CloseGrace)
		select {
		case <-s.writeDone:
			wait.Stop()
			select {
			case <-s.readDone:
			default:
				s.terminate()
			}
		case <-wait.C:
			slog.Debug("wsstream: audio write stuck, dropping connection", "provider", s.cfg.Provider)
		}

		_ = s.conn.CloseNow()
		s.cancel()
		<-s.writeDone
		<-s.readDone
		s.state.Set(stt.StateClosed)
	})
	return nil
}

// terminate asks the service to finish and waits up to the grace period for
// it to close its side.
func (s *Session) terminate() {
	grace := time.NewTimer(s.cfg.CloseGrace)
	defer grace.Stop()

	if s.cfg.Terminate != nil {
		wctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseGrace)
		err := s.conn.Write(wctx, websocket.MessageText, s.cfg.Terminate)
		cancel()
		if err != nil {
			slog.Debug("wsstream: terminate message not sent", "provider", s.cfg.Provider, "err", err)
			return
		}
	}
	select {
	case <-s.readDone:
	case <-grace.C:
		slog.Debug("wsstream: close grace elapsed, dropping connection", "provider", s.cfg.Provider, "grace", s.cfg.CloseGrace)
	}
}

// writeLoop forwards audio chunks as binary messages. A write failure ends the
// loop; the read loop observes the broken connection and reports it.
func (s *Session) writeLoop() {
	defer close(s.writeDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("wsstream: audio write failed", "provider", s.cfg.Provider, "err", err)
				return
			}
			s.state.MarkSent()
		case <-s.closing:
			return
		case <-s.readDone:
			return
		}
	}
}

// readLoop dispatches service messages until the connection ends.
func (s *Session) readLoop() {
	defer close(s.transcripts)
	defer close(s.errs)
	defer close(s.readDone)

	emit := &sessionEmitter{s: s}
	for {
		typ, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("wsstream: ignoring binary message", "provider", s.cfg.Provider, "bytes", len(msg))
			continue
		}
		if err := s.cfg.Decode(msg, emit); err != nil {
			slog.Warn("wsstream: dropping message", "provider", s.cfg.Provider, "err", types.ProtocolError("decode", err))
		}
	}
}

// finish records why the connection ended. An end after Close started is the
// expected outcome of the shutdown handshake; anything else is a transport
// failure.
func (s *Session) finish(readErr error) {
	select {
	case <-s.closing:
		return
	default:
	}
	terr := types.TransportError("read", readErr)
	s.errMu.Lock()
	s.err = terr
	s.errMu.Unlock()
	s.state.Set(stt.StateError)
	slog.Warn("wsstream: connection closed by remote", "provider", s.cfg.Provider,
		"status", websocket.CloseStatus(readErr), "err", terr)
}

// Emitter is handed to a [DecodeFunc] to report decoded events.
type Emitter interface {
	// Transcript delivers t in order.
	Transcript(t types.Transcript)

	// ServerError reports an in-band service error. The session stays open.
	ServerError(message string)
}

// sessionEmitter is the Emitter of a live Session.
type sessionEmitter struct {
	s *Session
}

// Transcript delivers t in order. Events for a turn that already produced its
// final are dropped, so a final is always the last event of its turn.
func (e *sessionEmitter) Transcript(t types.Transcript) {
	s := e.s
	if s.finalized && t.TurnID <= s.lastFinal {
		slog.Debug("wsstream: dropping event for finalized turn", "provider", s.cfg.Provider, "turn", t.TurnID, "final", t.IsFinal)
		return
	}
	if t.IsFinal {
		s.lastFinal = t.TurnID
		s.finalized = true
	}
	select {
	case s.transcripts <- t:
	case <-s.ctx.Done():
	}
}

// ServerError reports an in-band service error. The session stays open. If
// the consumer is not keeping up the error is logged and dropped.
func (e *sessionEmitter) ServerError(message string) {
	s := e.s
	err := &stt.ServerError{Provider: s.cfg.Provider, Message: message}
	select {
	case s.errs <- err:
	default:
		slog.Warn("wsstream: error channel full, dropping", "provider", s.cfg.Provider, "err", err)
	}
}
