package agentclient

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role identifies the author of an AgentMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// AgentMessage is the normalized unit delivered to message subscribers.
type AgentMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitzero"`

	// RawActivity is the activity the message was derived from, if any.
	RawActivity *Activity `json:"rawActivity,omitempty"`
}

// ActivityTypeMessage is the activity type carrying conversational content.
const ActivityTypeMessage = "message"

// ChannelAccount identifies the sender of an activity.
type ChannelAccount struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Attachment is an opaque activity attachment.
type Attachment struct {
	ContentType string          `json:"contentType,omitempty"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
}

// Activity is the protocol envelope exchanged with a ConversationService.
type Activity struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	From        *ChannelAccount `json:"from,omitempty"`
	Text        string          `json:"text,omitempty"`
	ReplyToID   string          `json:"replyToId,omitempty"`
	ChannelData map[string]any  `json:"channelData,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Value       Value           `json:"value,omitzero"`
}

// ValueKind tags the variant a structured activity value resolves to.
type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueText
	ValueSummary
	ValueMessage
	ValueOpaque
)

func (k ValueKind) String() string {
	switch k {
	case ValueText:
		return "text"
	case ValueSummary:
		return "summary"
	case ValueMessage:
		return "message"
	case ValueOpaque:
		return "opaque"
	default:
		return "none"
	}
}

// Value holds the raw JSON of an activity's structured payload.
// Resolve maps it onto one of the known variants.
type Value struct {
	raw json.RawMessage
}

// NewValue wraps an arbitrary Go value. Unencodable values become opaque nulls.
func NewValue(v any) Value {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}
	}
	return Value{raw: data}
}

// RawValue wraps already-encoded JSON.
func RawValue(data []byte) Value {
	return Value{raw: append(json.RawMessage(nil), data...)}
}

// IsZero reports whether the value is absent or JSON null.
func (v Value) IsZero() bool {
	trimmed := bytes.TrimSpace(v.raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(v.raw[:0], data...)
	return nil
}

// ResolvedValue is the outcome of resolving a Value.
type ResolvedValue struct {
	Kind ValueKind
	Text string
}

// maxValueDepth bounds recursion through string-encoded JSON.
const maxValueDepth = 8

// Resolve unwraps the value into display text.
//
// A JSON string is parsed again as JSON and the result resolved recursively;
// when it does not parse, the string itself is the text. An object yields the
// first present field among text, summary and message, provided it is a string.
// Anything else resolves to ValueOpaque with no text.
func (v Value) Resolve() ResolvedValue {
	if v.IsZero() {
		return ResolvedValue{Kind: ValueNone}
	}
	return resolveRaw(v.raw, 0)
}

func resolveRaw(raw json.RawMessage, depth int) ResolvedValue {
	if depth > maxValueDepth {
		return ResolvedValue{Kind: ValueOpaque}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		inner := []byte(s)
		if json.Valid(inner) {
			return resolveRaw(inner, depth+1)
		}
		return ResolvedValue{Kind: ValueText, Text: s}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ResolvedValue{Kind: ValueOpaque}
	}

	fields := []struct {
		name string
		kind ValueKind
	}{
		{"text", ValueText},
		{"summary", ValueSummary},
		{"message", ValueMessage},
	}
	for _, f := range fields {
		field, ok := obj[f.name]
		if !ok || bytes.Equal(bytes.TrimSpace(field), []byte("null")) {
			continue
		}
		var text string
		if err := json.Unmarshal(field, &text); err != nil {
			return ResolvedValue{Kind: ValueOpaque}
		}
		return ResolvedValue{Kind: f.kind, Text: text}
	}
	return ResolvedValue{Kind: ValueOpaque}
}

// DisplayText returns the text a message activity should render: its text
// field when set, otherwise whatever its value resolves to.
func (a *Activity) DisplayText() string {
	if a.Text != "" {
		return a.Text
	}
	return a.Value.Resolve().Text
}

// ResolveRole determines the author of an activity: an explicit from.role wins,
// then a from.id matching userID means user, and everything else is assistant.
func (a *Activity) ResolveRole(userID string) Role {
	if a.From != nil {
		if a.From.Role != "" {
			return Role(a.From.Role)
		}
		if a.From.ID != "" && a.From.ID == userID {
			return RoleUser
		}
	}
	return RoleAssistant
}

// parseTimestamp returns the activity time, or fallback when absent or malformed.
func parseTimestamp(ts string, fallback time.Time) time.Time {
	if ts == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fallback
	}
	return t
}
