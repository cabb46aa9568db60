package display

import (
	"strings"
	"sync"
	"time"
)

// DefaultAssistantName labels assistant entries when NewLog gets no name.
const DefaultAssistantName = "TJ"

// Speaker identifies who an [Entry] belongs to.
type Speaker string

const (
	SpeakerCustomer  Speaker = "Customer"
	SpeakerAssistant Speaker = "assistant"
	SpeakerError     Speaker = "Error"
)

// Entry is one block of the conversation as shown to the operator.
type Entry struct {
	Speaker Speaker   `json:"speaker"`
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
	TurnID  int       `json:"turn_id"`

	// Done is false while a customer turn is still partial or a response is
	// still streaming.
	Done bool `json:"done"`
}

// Log folds display events into the conversation transcript. A partial
// transcript is replaced in place by later partials and by the final of the
// same turn; assistant tokens accumulate into one entry until AssistantEnd.
//
// Log is safe for concurrent use; typically the bus consumer calls Apply
// while HTTP handlers read String.
type Log struct {
	mu        sync.Mutex
	assistant string
	entries   []Entry
	partials  map[int]int // turn id -> index of its open customer entry
	streaming int         // index of the open assistant entry, or -1
}

// NewLog returns an empty Log that labels responses with assistantName.
func NewLog(assistantName string) *Log {
	if assistantName == "" {
		assistantName = DefaultAssistantName
	}
	return &Log{
		assistant: assistantName,
		partials:  make(map[int]int),
		streaming: -1,
	}
}

// Apply folds ev into the log. Status events are ignored.
func (l *Log) Apply(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case CustomerPartial, CustomerFinal:
		final := ev.Kind == CustomerFinal
		if i, ok := l.partials[ev.TurnID]; ok {
			l.entries[i].Text = ev.Text
			l.entries[i].Done = final
		} else {
			l.entries = append(l.entries, Entry{
				Speaker: SpeakerCustomer, Time: ev.Time, Text: ev.Text, TurnID: ev.TurnID, Done: final,
			})
			if !final {
				l.partials[ev.TurnID] = len(l.entries) - 1
			}
		}
		if final {
			delete(l.partials, ev.TurnID)
		}
	case AssistantToken:
		if l.streaming < 0 {
			l.entries = append(l.entries, Entry{Speaker: SpeakerAssistant, Time: ev.Time, TurnID: ev.TurnID})
			l.streaming = len(l.entries) - 1
		}
		l.entries[l.streaming].Text += ev.Text
	case AssistantEnd:
		if l.streaming >= 0 {
			l.entries[l.streaming].Done = true
			l.streaming = -1
		}
	case ErrorNotice:
		l.entries = append(l.entries, Entry{Speaker: SpeakerError, Time: ev.Time, Text: ev.Text, Done: true})
	}
}

// Entries returns a copy of the current entries.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Label returns the header name for s.
func (l *Log) Label(s Speaker) string {
	if s == SpeakerAssistant {
		return l.assistant
	}
	return string(s)
}

// String renders the log as plain text, one "[HH:MM:SS] Name: text" block per
// entry separated by blank lines.
func (l *Log) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	for i, e := range l.entries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(FormatHeader(e.Time, l.Label(e.Speaker)))
		sb.WriteString(e.Text)
	}
	return sb.String()
}

// Clear removes all entries. A response that is still streaming continues in
// a fresh entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.partials = make(map[int]int)
	l.streaming = -1
}

// FormatHeader renders the "[HH:MM:SS] Name: " prefix of an entry.
func FormatHeader(t time.Time, name string) string {
	return "[" + t.Format("15:04:05") + "] " + name + ": "
}
