// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (AssemblyAI,
// Deepgram) and exposes a uniform streaming interface. The central abstraction
// is SessionHandle: once opened, a session accepts raw PCM audio and emits a
// single ordered stream of Transcript values. Within one turn, zero or more
// partials precede exactly one final, and nothing for that turn follows the
// final.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/supportline/pkg/types"
)

// ErrSessionClosed is returned by SendAudio once a session is closing or
// closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// ServerError is a failure reported in-band by the transcription service.
// The session stays open after a ServerError.
type ServerError struct {
	// Provider names the backend, e.g. "assemblyai".
	Provider string

	// Message is the service's error text.
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error: %s", e.Provider, e.Message)
}

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Default 16000.
	SampleRate int

	// Channels is the number of audio channels. Always 1 in Supportline.
	Channels int

	// Language is the BCP-47 language tag for providers that take one. Empty
	// uses the provider default.
	Language string

	// FormatTurns asks the service for punctuated, cased finals.
	FormatTurns bool

	// Keyterms are words and phrases the service should favour (product names,
	// model numbers).
	Keyterms []string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live
// connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio hands one chunk of PCM audio to the session's sender. It blocks
	// until the sender has taken the chunk, ctx is done, or the session closes,
	// in which case it returns ErrSessionClosed. There is no local buffering.
	SendAudio(ctx context.Context, chunk []byte) error

	// Transcripts returns the ordered stream of partial and final transcripts.
	// The channel is closed when the session ends, after which Err reports why.
	Transcripts() <-chan types.Transcript

	// Errors returns in-band service errors (see ServerError). They do not end
	// the session. The channel is closed together with Transcripts.
	Errors() <-chan error

	// State returns the current lifecycle state.
	State() SessionState

	// Err returns nil while the session is open or after a Close initiated by
	// the caller, and a [types.ErrTransport] error when the connection ended
	// any other way.
	Err() error

	// Close shuts the session down gracefully: the service is asked to
	// terminate, and the connection is force-closed if it has not finished
	// within the provider's grace period. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. ctx bounds only the
	// connection attempt; the session lives until Close or a transport failure.
	//
	// Connection failures are reported as [types.ErrTransport] errors.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
