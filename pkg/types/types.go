// Package types defines the shared types used across all Supportline packages.
//
// These types are the common vocabulary between audio sources, providers, and
// the pipeline. Each package defines its own domain types, but cross-cutting
// data structures live here to avoid circular imports.
package types

import "time"

// Conversation roles accepted by [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single turn in a generation conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the turn.
	Content string
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is the final (authoritative) transcript
	// for its turn. Nothing follows a final for the same TurnID.
	IsFinal bool

	// TurnID identifies the spoken turn this transcript belongs to. Turn IDs
	// increase monotonically within a session.
	TurnID int

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
