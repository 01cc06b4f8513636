package agentclient

import (
	"context"
	"net/http"
)

// Conversation is the result of creating a conversation.
type Conversation struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
}

// ActivitySet is one page of activities plus the watermark to resume from.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

// ConversationService is the activity-feed protocol used by PollingClient.
type ConversationService interface {
	// CreateConversation starts a new conversation.
	CreateConversation(ctx context.Context) (*Conversation, error)

	// PostActivity submits an activity and returns the id the service assigned, if any.
	PostActivity(ctx context.Context, conversationID string, activity Activity) (string, error)

	// GetActivities returns the activities after watermark. An empty watermark
	// means from the beginning of the conversation.
	GetActivities(ctx context.Context, conversationID, watermark string) (*ActivitySet, error)
}

// ChatMessage is one entry of a DirectRequest.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DirectRequest is the body sent by DirectClient.
type DirectRequest struct {
	Messages []ChatMessage  `json:"messages"`
	Context  any            `json:"context,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DirectTransport is the request/response protocol used by DirectClient.
type DirectTransport interface {
	// SendDirect posts req with the given headers and returns the raw response body.
	SendDirect(ctx context.Context, req *DirectRequest, header http.Header) ([]byte, error)
}

// SendOptions carries optional per-message data.
type SendOptions struct {
	Context  any
	Metadata map[string]any
}

// Client is the surface shared by DirectClient and PollingClient.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendMessage(ctx context.Context, text string, opts SendOptions) (string, error)
	OnState(fn func(ConnectionState)) func()
	OnMessage(fn func(AgentMessage)) func()
	OnRawActivity(fn func(Activity)) func()
	OnError(fn func(error)) func()
	State() ConnectionState
	SessionID() string
}

var (
	_ Client = (*DirectClient)(nil)
	_ Client = (*PollingClient)(nil)
)
