package domain

// StreamEvent is one (event-name, data-payload) pair recovered from a
// server-sent-event stream. Data is raw text; callers parse it.
type StreamEvent struct {
	Name string
	Data string
}

// Stream event names the relay acts on. Any other name is ignored.
const (
	EventMessageCompleted = "thread.message.completed"
	EventError            = "error"
)
