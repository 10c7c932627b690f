// Package events carries execution progress from the engine to observers: an
// in-process publish/subscribe bus, a last-event cache for late subscribers,
// and a message router that fans events out to remote connections.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event. Values serialize as lowercase strings
// with underscores.
type Type string

const (
	ExecutionStart    Type = "execution_start"
	ExecutionComplete Type = "execution_complete"
	ExecutionError    Type = "execution_error"
	NodeStart         Type = "node_start"
	NodeUpdate        Type = "node_update"
	NodeComplete      Type = "node_complete"
	NodeFailed        Type = "node_failed"
	NodeSkipped       Type = "node_skipped"
	LLMToken          Type = "llm_token"
	InteractivePrompt Type = "interactive_prompt"
)

// Event is one progress notification. Sequence is monotonically increasing
// per execution, starting at 1; observers can use it to detect gaps.
type Event struct {
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id"`
	Sequence    uint64         `json:"sequence"`
	NodeID      string         `json:"node_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Marshal returns the wire form of the event.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ExecutionChannel returns the bus channel name for an execution.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}
