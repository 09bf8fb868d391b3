// Package turn implements the protocol core of a live voice session: it
// tracks whose turn it is, applies inbound server events in order, and is
// the single writer of the session's turn state.
package turn

import "fmt"

// State is the client-local turn state. Exactly one is active at a time and
// transitions are driven by events, never set directly by UI code.
type State string

const (
	StateIdle              State = "idle"
	StateListening         State = "listening"
	StateUserSpeaking      State = "userSpeaking"
	StateThinking          State = "thinking"
	StateAssistantSpeaking State = "assistantSpeaking"
	StateError             State = "error"
)

// Notice is a transient, non-fatal surface for the UI: a retryable remote
// error or a repeated-malformed-frame warning. It never changes State.
type Notice struct {
	Code      string
	Message   string
	Retryable bool
}

// Turn is one completed exchange unit: the assistant's accumulated text and
// audio for a single turnId, in seq order.
type Turn struct {
	ID          string
	Text        string
	Audio       []byte
	IsIntro     bool
	Interrupted bool // flushed early because a new turnId arrived
}

// Termination signals the end of event processing. Err is nil for a clean
// remote close, non-nil for a fatal protocol or remote error.
type Termination struct {
	Reason string
	Err    error
}

// RemoteError is a server-signaled error. Fatal only when Retryable is false.
type RemoteError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s (retryable=%v)", e.Code, e.Message, e.Retryable)
}

// ProtocolError reports repeated malformed frames past the tolerance
// threshold.
type ProtocolError struct {
	Consecutive int
	Last        error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error after %d consecutive malformed frames: %v", e.Consecutive, e.Last)
}

func (e *ProtocolError) Unwrap() error { return e.Last }
