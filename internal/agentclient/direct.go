package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DirectClient talks to a request/response agent endpoint. Each SendMessage is
// one HTTP round trip that yields the assistant reply. It is safe for concurrent use.
type DirectClient struct {
	transport DirectTransport
	opts      *options
	logger    *slog.Logger

	state    *stateMachine
	messages *Emitter[AgentMessage]
	raw      *Emitter[Activity]
	errs     *Emitter[error]

	mu        sync.Mutex
	sessionID string
}

// NewDirectClient creates a client that sends through transport.
func NewDirectClient(transport DirectTransport, opts ...Option) *DirectClient {
	o := applyOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = slog.Default().With("component", "client")
	}
	logger = logger.With("transport", "direct")

	return &DirectClient{
		transport: transport,
		opts:      o,
		logger:    logger,
		state:     newStateMachine(logger),
		messages:  NewEmitter[AgentMessage](logger),
		raw:       NewEmitter[Activity](logger),
		errs:      NewEmitter[error](logger),
	}
}

// Connect creates a local session. It performs no network I/O.
// Calling it while a session exists is a no-op.
func (c *DirectClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sessionID != "" {
		c.mu.Unlock()
		return nil
	}
	// Session id and state change together under c.mu so a concurrent
	// Disconnect never leaves a connected client without a session.
	var notify []ConnectionState
	for _, to := range []ConnectionState{StateConnecting, StateConnected} {
		changed, err := c.state.swap(to)
		if err != nil {
			c.mu.Unlock()
			c.notifyStates(notify)
			return fmt.Errorf("connect: %w", err)
		}
		if changed {
			notify = append(notify, to)
		}
	}
	sessionID := uuid.NewString()
	c.sessionID = sessionID
	c.mu.Unlock()

	c.notifyStates(notify)
	c.logger.Debug("Direct session started", "session_id", sessionID)
	return nil
}

// Disconnect drops the local session.
func (c *DirectClient) Disconnect() {
	c.mu.Lock()
	c.sessionID = ""
	changed, err := c.state.swap(StateDisconnected)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("Disconnect left state unchanged", "error", err)
		return
	}
	if changed {
		c.state.notify(StateDisconnected)
	}
}

func (c *DirectClient) notifyStates(states []ConnectionState) {
	for _, s := range states {
		c.state.notify(s)
	}
}

// Close disconnects and drops every subscriber.
func (c *DirectClient) Close() {
	c.Disconnect()
	c.state.emitter.Clear()
	c.messages.Clear()
	c.raw.Clear()
	c.errs.Clear()
}

// SendMessage sends text and returns the assistant reply. The reply is also
// emitted to message subscribers. Failures are emitted to error subscribers
// and returned.
func (c *DirectClient) SendMessage(ctx context.Context, text string, opts SendOptions) (string, error) {
	if c.SessionID() == "" {
		if err := c.Connect(ctx); err != nil {
			return "", err
		}
	}

	req := &DirectRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: text}},
		Context:  opts.Context,
		Metadata: opts.Metadata,
	}

	body, err := callWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) ([]byte, error) {
		header, err := c.opts.auth.Header(ctx)
		if err != nil {
			return nil, err
		}
		return c.transport.SendDirect(ctx, req, header)
	})
	if err != nil {
		err = fmt.Errorf("send message: %w", err)
		c.logger.Warn("Direct send failed", "error", err)
		c.errs.Emit(err)
		return "", err
	}

	reply := extractReply(body)
	c.messages.Emit(AgentMessage{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Text:      reply,
		Timestamp: time.Now(),
	})
	return reply, nil
}

// extractReply pulls the assistant text out of a response body, trying the
// chat-completion shape first, then message, then content, then a bare string.
// Null and empty values fall through; the result is never empty.
func extractReply(body []byte) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err == nil {
		var completion struct {
			Choices []struct {
				Message struct {
					Content *string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if json.Unmarshal(body, &completion) == nil && len(completion.Choices) > 0 {
			if content := completion.Choices[0].Message.Content; content != nil && *content != "" {
				return *content
			}
		}
		for _, key := range []string{"message", "content"} {
			var s *string
			raw, ok := top[key]
			if !ok || json.Unmarshal(raw, &s) != nil || s == nil || *s == "" {
				continue
			}
			return *s
		}
		return NoResponseText
	}

	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		if s == "" {
			return NoResponseText
		}
		return s
	}
	if text := strings.TrimSpace(string(body)); text != "" && !json.Valid(body) {
		return text
	}
	return NoResponseText
}

// OnState subscribes to connection state changes.
func (c *DirectClient) OnState(fn func(ConnectionState)) func() {
	return c.state.emitter.Subscribe(fn)
}

// OnMessage subscribes to assistant replies.
func (c *DirectClient) OnMessage(fn func(AgentMessage)) func() {
	return c.messages.Subscribe(fn)
}

// OnRawActivity subscribes to raw activities. The direct protocol has none,
// so subscribers are never called; it exists to satisfy Client.
func (c *DirectClient) OnRawActivity(fn func(Activity)) func() {
	return c.raw.Subscribe(fn)
}

// OnError subscribes to send failures.
func (c *DirectClient) OnError(fn func(error)) func() {
	return c.errs.Subscribe(fn)
}

// State returns the current connection state.
func (c *DirectClient) State() ConnectionState {
	return c.state.get()
}

// SessionID returns the local session id, or "" when disconnected.
func (c *DirectClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
