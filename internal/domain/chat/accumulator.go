package chat

// Accumulator folds stream events into an in-progress assistant message.
// Consecutive deltas of the same kind extend the last part; a different kind
// starts a new part, so interleaving order is preserved.
type Accumulator struct {
	msg Message
}

// NewAccumulator starts an empty assistant message with the given id.
func NewAccumulator(id string) *Accumulator {
	if id == "" {
		id = NewMessageID()
	}
	return &Accumulator{msg: Message{ID: id, Role: RoleAssistant, Parts: Parts{}}}
}

// Apply folds ev into the message and reports whether the message changed.
func (a *Accumulator) Apply(ev Event) bool {
	switch e := ev.(type) {
	case TextDelta:
		if e.Text == "" {
			return false
		}
		if last, ok := a.last().(TextPart); ok {
			a.msg.Parts[len(a.msg.Parts)-1] = TextPart{Text: last.Text + e.Text}
		} else {
			a.msg.Parts = append(a.msg.Parts, TextPart{Text: e.Text})
		}
		return true
	case ReasoningDelta:
		if e.Text == "" {
			return false
		}
		if last, ok := a.last().(ReasoningPart); ok {
			a.msg.Parts[len(a.msg.Parts)-1] = ReasoningPart{Text: last.Text + e.Text}
		} else {
			a.msg.Parts = append(a.msg.Parts, ReasoningPart{Text: e.Text})
		}
		return true
	case SourceEvent:
		a.msg.Parts = append(a.msg.Parts, e.Source)
		return true
	case Done, ErrorEvent:
		return false
	}
	return false
}

// Message returns a copy of the message built so far.
func (a *Accumulator) Message() Message {
	return a.msg.Clone()
}

func (a *Accumulator) last() Part {
	if len(a.msg.Parts) == 0 {
		return nil
	}
	return a.msg.Parts[len(a.msg.Parts)-1]
}
