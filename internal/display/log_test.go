package display

import (
	"strings"
	"testing"
	"time"
)

var at = time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)

func ev(k Kind, turn int, text string) Event {
	return Event{Kind: k, Time: at, TurnID: turn, Text: text}
}

func TestLog_PartialReplacedByFinal(t *testing.T) {
	t.Parallel()

	l := NewLog("")
	l.Apply(ev(CustomerPartial, 0, "My"))
	l.Apply(ev(CustomerPartial, 0, "My iPhone"))
	l.Apply(ev(CustomerPartial, 0, "My iPhone won't"))
	l.Apply(ev(CustomerFinal, 0, "My iPhone won't charge"))

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1: %+v", len(entries), entries)
	}
	if entries[0].Text != "My iPhone won't charge" || !entries[0].Done {
		t.Errorf("entry = %+v", entries[0])
	}
	if got, want := l.String(), "[14:05:09] Customer: My iPhone won't charge"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}

func TestLog_AssistantTokensAccumulate(t *testing.T) {
	t.Parallel()

	l := NewLog("TJ")
	l.Apply(ev(CustomerFinal, 0, "My iPhone won't charge"))
	l.Apply(Event{Kind: StatusChange, Status: StatusProcessing})
	for _, tok := range []string{"Hi ", "there, ", "let's fix that."} {
		l.Apply(ev(AssistantToken, 0, tok))
	}
	if e := l.Entries()[1]; e.Done {
		t.Error("response marked done before AssistantEnd")
	}
	l.Apply(ev(AssistantEnd, 0, ""))
	l.Apply(ev(CustomerPartial, 1, "Thanks"))

	want := strings.Join([]string{
		"[14:05:09] Customer: My iPhone won't charge",
		"[14:05:09] TJ: Hi there, let's fix that.",
		"[14:05:09] Customer: Thanks",
	}, "\n\n")
	if got := l.String(); got != want {
		t.Errorf("String =\n%s\nwant\n%s", got, want)
	}
	entries := l.Entries()
	if !entries[1].Done || entries[2].Done {
		t.Errorf("done flags = %v, %v", entries[1].Done, entries[2].Done)
	}
}

func TestLog_InterleavedTurns(t *testing.T) {
	t.Parallel()

	l := NewLog("TJ")
	l.Apply(ev(CustomerPartial, 3, "first"))
	l.Apply(ev(ErrorNotice, 0, "Transcription error: bad audio"))
	l.Apply(ev(CustomerFinal, 3, "first turn."))
	l.Apply(ev(CustomerFinal, 4, "second turn."))

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Text != "first turn." || entries[1].Speaker != SpeakerError || entries[2].TurnID != 4 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLog_Clear(t *testing.T) {
	t.Parallel()

	l := NewLog("TJ")
	l.Apply(ev(CustomerFinal, 0, "hello"))
	l.Apply(ev(AssistantToken, 0, "Hi "))
	l.Clear()
	if l.Len() != 0 || l.String() != "" {
		t.Fatalf("log not empty after Clear: %q", l.String())
	}

	l.Apply(ev(AssistantToken, 0, "there."))
	l.Apply(ev(AssistantEnd, 0, ""))
	entries := l.Entries()
	if len(entries) != 1 || entries[0].Text != "there." || !entries[0].Done {
		t.Errorf("entries after Clear = %+v", entries)
	}
}
