package handler

import (
	"fmt"
	"strings"
)

// Message is one turn of a conversation passed between LLM nodes. Role is
// "system", "user", or "assistant"; PersonID attributes assistant turns to
// the person that produced them.
type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	PersonID string `json:"person_id,omitempty"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

// ParseConversation converts an arrow value with content type "conversation"
// into messages. Accepted shapes are []Message, a single Message, a plain
// string (one user turn), and the JSON-decoded equivalents. Anything else
// is rejected rather than passed through half-converted.
func ParseConversation(value any) ([]Message, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []Message:
		out := make([]Message, len(v))
		copy(out, v)
		return out, nil
	case Message:
		return []Message{v}, nil
	case string:
		return []Message{{Role: "user", Content: v}}, nil
	case map[string]any:
		msg, err := messageFromMap(v)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	case []any:
		out := make([]Message, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				if msg, isMsg := item.(Message); isMsg {
					out = append(out, msg)
					continue
				}
				return nil, fmt.Errorf("conversation element %d has type %T, want message", i, item)
			}
			msg, err := messageFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("conversation element %d: %w", i, err)
			}
			out = append(out, msg)
		}
		return out, nil
	}
	return nil, fmt.Errorf("value of type %T is not a conversation", value)
}

func messageFromMap(m map[string]any) (Message, error) {
	role, _ := m["role"].(string)
	if !validRoles[role] {
		return Message{}, fmt.Errorf("invalid role %q", role)
	}
	content, ok := m["content"].(string)
	if !ok {
		return Message{}, fmt.Errorf("message content must be a string, got %T", m["content"])
	}
	personID, _ := m["person_id"].(string)
	return Message{Role: role, Content: content, PersonID: personID}, nil
}

// FormatConversation renders messages as a readable transcript, one turn
// per line.
func FormatConversation(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		if m.PersonID != "" {
			fmt.Fprintf(&b, "[%s/%s] %s", m.Role, m.PersonID, m.Content)
		} else {
			fmt.Fprintf(&b, "[%s] %s", m.Role, m.Content)
		}
	}
	return b.String()
}
