package state

import "fmt"

// ContextPolicy bounds the history handed to a model. It only shapes the
// model-facing view; the stored log is never modified.
type ContextPolicy struct {
	// MaxBytes caps the total content size. Zero disables the cap.
	MaxBytes int
	// KeepRecent is the number of trailing messages that are always kept.
	KeepRecent int
}

// size approximates the bytes a message contributes to a prompt.
func size(m Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name)
		for k, v := range tc.Args {
			n += len(k) + len(fmt.Sprint(v))
		}
	}
	return n
}

// Window returns the messages that fit the policy. Dropped messages are
// replaced by a single note so the model knows history was elided.
func (p ContextPolicy) Window(msgs []Message) []Message {
	if p.MaxBytes <= 0 || len(msgs) == 0 {
		return msgs
	}

	total := 0
	for _, m := range msgs {
		total += size(m)
	}
	if total <= p.MaxBytes {
		return msgs
	}

	// Oldest index that must survive.
	floor := len(msgs) - p.KeepRecent
	if floor < 0 {
		floor = 0
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			if i < floor {
				floor = i
			}
			break
		}
	}

	start := 0
	for start < floor && total > p.MaxBytes {
		total -= size(msgs[start])
		start++
	}
	// A tool result cannot lead the window without the call that produced it.
	for start < len(msgs) && msgs[start].Role == RoleTool {
		start++
	}
	if start == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs)-start+1)
	out = append(out, Message{
		Role:    RoleUser,
		Content: fmt.Sprintf("[%d earlier messages omitted to fit the context window]", start),
	})
	return append(out, msgs[start:]...)
}
