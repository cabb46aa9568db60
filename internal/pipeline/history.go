package pipeline

import "github.com/MrWong99/supportline/pkg/types"

// DefaultMaxTurns is the number of user/assistant exchanges kept in the
// generation context.
const DefaultMaxTurns = 10

// History is the rolling conversation sent with every generation request. It
// always starts with the system turn and never holds more than 1+2*maxTurns
// turns; the oldest exchanges are evicted first.
//
// History is owned by the generator goroutine and is not safe for concurrent
// use.
type History struct {
	system   types.Message
	turns    []types.Message
	maxTurns int
}

// NewHistory returns a History primed with systemPrompt. A maxTurns below one
// selects DefaultMaxTurns.
func NewHistory(systemPrompt string, maxTurns int) *History {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &History{
		system:   types.Message{Role: types.RoleSystem, Content: systemPrompt},
		maxTurns: maxTurns,
	}
}

// AddUser appends a customer utterance.
func (h *History) AddUser(text string) {
	h.turns = append(h.turns, types.Message{Role: types.RoleUser, Content: text})
	h.trim()
}

// AddAssistant appends a completed response.
func (h *History) AddAssistant(text string) {
	h.turns = append(h.turns, types.Message{Role: types.RoleAssistant, Content: text})
	h.trim()
}

// trim drops whole exchanges from the front: a user turn together with the
// assistant turn that answered it. The remaining history never opens with an
// orphaned assistant turn.
func (h *History) trim() {
	limit := 2 * h.maxTurns
	drop := 0
	for len(h.turns)-drop > limit {
		drop++
		for drop < len(h.turns) && h.turns[drop].Role == types.RoleAssistant {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	n := copy(h.turns, h.turns[drop:])
	clear(h.turns[n:])
	h.turns = h.turns[:n]
}

// Messages returns the system turn followed by the conversation, as a fresh
// slice the caller may keep.
func (h *History) Messages() []types.Message {
	out := make([]types.Message, 0, len(h.turns)+1)
	out = append(out, h.system)
	return append(out, h.turns...)
}

// Len returns the number of turns including the system turn.
func (h *History) Len() int { return len(h.turns) + 1 }

// MaxLen returns the largest value Len can take.
func (h *History) MaxLen() int { return 1 + 2*h.maxTurns }
