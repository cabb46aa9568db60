// Package display carries everything the operator sees: an ordered event bus
// filled by the pipeline workers, and a conversation log that folds those
// events into the text shown on screen and copied to the clipboard.
//
// The bus has exactly one consumer. Producers never block on it.
package display

import (
	"fmt"
	"time"
)

// Kind tags a display event.
type Kind int

const (
	// CustomerPartial is an interim transcript. It replaces the previous
	// partial of the same turn.
	CustomerPartial Kind = iota + 1

	// CustomerFinal is the finalized transcript of a turn.
	CustomerFinal

	// AssistantToken is one fragment of a streamed response.
	AssistantToken

	// AssistantEnd terminates a streamed response.
	AssistantEnd

	// StatusChange carries a new [Status] in Event.Status.
	StatusChange

	// ErrorNotice is a user-visible error message.
	ErrorNotice
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case CustomerPartial:
		return "customer-partial"
	case CustomerFinal:
		return "customer-final"
	case AssistantToken:
		return "assistant-token"
	case AssistantEnd:
		return "assistant-end"
	case StatusChange:
		return "status"
	case ErrorNotice:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Status is the operator-facing health of the pipeline.
type Status string

const (
	StatusOnline     Status = "online"
	StatusProcessing Status = "processing"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

// Event is one item on the display bus.
type Event struct {
	Kind   Kind      `json:"kind"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text,omitempty"`
	TurnID int       `json:"turn_id"`
	Status Status    `json:"status,omitempty"`
}

// Partial builds a CustomerPartial event.
func Partial(turn int, text string) Event {
	return Event{Kind: CustomerPartial, Time: time.Now(), Text: text, TurnID: turn}
}

// Final builds a CustomerFinal event.
func Final(turn int, text string) Event {
	return Event{Kind: CustomerFinal, Time: time.Now(), Text: text, TurnID: turn}
}

// Token builds an AssistantToken event for the response to turn.
func Token(turn int, text string) Event {
	return Event{Kind: AssistantToken, Time: time.Now(), Text: text, TurnID: turn}
}

// End builds an AssistantEnd event for the response to turn.
func End(turn int) Event {
	return Event{Kind: AssistantEnd, Time: time.Now(), TurnID: turn}
}

// StatusEvent builds a StatusChange event.
func StatusEvent(s Status) Event {
	return Event{Kind: StatusChange, Time: time.Now(), Status: s}
}

// Errorf builds an ErrorNotice event.
func Errorf(format string, args ...any) Event {
	return Event{Kind: ErrorNotice, Time: time.Now(), Text: fmt.Sprintf(format, args...)}
}
