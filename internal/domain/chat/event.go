package chat

// Event is one item of a model's streamed response. The variants are
// TextDelta, ReasoningDelta, SourceEvent, Done and ErrorEvent. A stream ends with
// exactly one Done or ErrorEvent.
type Event interface {
	isEvent()
}

// TextDelta extends the visible answer.
type TextDelta struct {
	Text string
}

// ReasoningDelta extends the thinking trace.
type ReasoningDelta struct {
	Text string
}

// SourceEvent surfaces a web source.
type SourceEvent struct {
	Source SourcePart
}

// Done terminates a successful stream.
type Done struct {
	FinishReason string
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Err error
}

func (TextDelta) isEvent()      {}
func (ReasoningDelta) isEvent() {}
func (SourceEvent) isEvent()    {}
func (Done) isEvent()           {}
func (ErrorEvent) isEvent()     {}

// Terminal reports whether ev ends a stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Done, ErrorEvent:
		return true
	}
	return false
}
