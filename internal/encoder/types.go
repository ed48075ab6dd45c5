package encoder

import (
	"errors"
	"fmt"
)

// ErrEncoding matches every *EncodingError.
var ErrEncoding = errors.New("encoding error")

// EncodingError reports malformed encoder input.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrEncoding) match.
func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}

// TaskDescriptor is the task handed over by the orchestration layer.
type TaskDescriptor struct {
	ID      string
	Type    string
	Payload map[string]any
}

// AgentContext describes the agent about to run the task.
type AgentContext struct {
	AgentType            string
	Capabilities         []string
	ResourceAvailability float64
	Attempt              int
}

// Action is an opaque strategy identifier.
type Action string

// Key returns the stored form of the action.
func (a Action) Key() string { return string(a) }

// Valid reports whether the action is usable as a Q-table key.
func (a Action) Valid() bool { return a != "" }
