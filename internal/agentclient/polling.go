package agentclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PollingClient talks to an activity-feed service. SendMessage posts an
// activity and returns without waiting for a reply; replies arrive through a
// background poll loop that fetches activities since the last watermark.
//
// Each Connect starts a new generation. Disconnect bumps the generation, so a
// poll loop left over from an earlier connection stops at its next check and
// never delivers to subscribers again.
type PollingClient struct {
	service ConversationService
	opts    *options
	logger  *slog.Logger

	state    *stateMachine
	messages *Emitter[AgentMessage]
	raw      *Emitter[Activity]
	errs     *Emitter[error]

	mu             sync.Mutex
	generation     uint64
	conversationID string
	watermark      string
	cancelLoop     context.CancelFunc
	connecting     *connectAttempt
}

// connectAttempt lets concurrent Connect calls share one in-flight attempt.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// NewPollingClient creates a client backed by service.
func NewPollingClient(service ConversationService, opts ...Option) *PollingClient {
	o := applyOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = slog.Default().With("component", "client")
	}
	logger = logger.With("transport", "polling")
	if o.auth != nil {
		logger.Debug("Ignoring direct headers option; set auth on the conversation service")
	}

	return &PollingClient{
		service:  service,
		opts:     o,
		logger:   logger,
		state:    newStateMachine(logger),
		messages: NewEmitter[AgentMessage](logger),
		raw:      NewEmitter[Activity](logger),
		errs:     NewEmitter[error](logger),
	}
}

// Connect creates a conversation and starts the poll loop. It is a no-op when
// a conversation already exists; concurrent calls wait for the same attempt.
func (c *PollingClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if attempt := c.connecting; attempt != nil {
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.conversationID != "" {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	gen := c.generation
	attempt := &connectAttempt{done: make(chan struct{})}
	c.connecting = attempt
	c.mu.Unlock()

	err := c.connect(ctx, gen)

	c.mu.Lock()
	if c.connecting == attempt {
		c.connecting = nil
	}
	c.mu.Unlock()
	attempt.err = err
	close(attempt.done)
	return err
}

func (c *PollingClient) connect(ctx context.Context, gen uint64) error {
	if !c.transitionIf(gen, StateConnecting) {
		return fmt.Errorf("connect: %w", ErrNotConnected)
	}

	conv, err := callWithTimeout(ctx, c.opts.timeout, c.service.CreateConversation)
	if err == nil && (conv == nil || conv.ConversationID == "") {
		err = ErrEmptyConversationID
	}
	if err != nil {
		err = fmt.Errorf("connect: %w", err)
		if c.transitionIf(gen, StateError) {
			c.logger.Error("Failed to create conversation", "error", err)
			c.errs.Emit(err)
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("connect: disconnected while connecting: %w", ErrNotConnected)
	}
	c.conversationID = conv.ConversationID
	c.watermark = ""
	c.cancelLoop = cancel
	changed, _ := c.state.swap(StateConnected)
	c.mu.Unlock()

	if changed {
		c.state.notify(StateConnected)
	}
	c.logger.Info("Conversation started", "conversation_id", conv.ConversationID)

	go c.pollLoop(loopCtx, gen, conv.ConversationID)
	return nil
}

// Disconnect stops the poll loop and forgets the conversation. An in-flight
// fetch is cancelled; nothing from the old conversation is delivered afterwards.
func (c *PollingClient) Disconnect() {
	c.mu.Lock()
	c.generation++
	cancel := c.cancelLoop
	conversationID := c.conversationID
	c.cancelLoop = nil
	c.conversationID = ""
	c.watermark = ""
	c.connecting = nil
	changed, _ := c.state.swap(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if changed {
		c.state.notify(StateDisconnected)
	}
	if conversationID != "" {
		c.logger.Info("Conversation closed", "conversation_id", conversationID)
	}
}

// Close disconnects and drops every subscriber.
func (c *PollingClient) Close() {
	c.Disconnect()
	c.state.emitter.Clear()
	c.messages.Clear()
	c.raw.Clear()
	c.errs.Clear()
}

// SendMessage posts text as a user activity. A local echo is emitted right
// away; the assistant reply arrives later through the poll loop. The returned
// string is always empty.
func (c *PollingClient) SendMessage(ctx context.Context, text string, opts SendOptions) (string, error) {
	conversationID := c.SessionID()
	if conversationID == "" {
		if err := c.Connect(ctx); err != nil {
			return "", err
		}
		if conversationID = c.SessionID(); conversationID == "" {
			return "", fmt.Errorf("send message: %w", ErrNotConnected)
		}
	}

	activity := Activity{
		Type: ActivityTypeMessage,
		From: &ChannelAccount{
			ID:   c.opts.userID,
			Name: c.opts.userName,
			Role: string(RoleUser),
		},
		Text:        text,
		ChannelData: channelData(opts),
	}

	c.messages.Emit(AgentMessage{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	})

	_, err := callWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) (string, error) {
		return c.service.PostActivity(ctx, conversationID, activity)
	})
	if err != nil {
		err = fmt.Errorf("send message: %w", err)
		c.logger.Warn("Failed to post activity", "conversation_id", conversationID, "error", err)
		c.errs.Emit(err)
		return "", err
	}
	return "", nil
}

// channelData merges metadata with the optional context value.
func channelData(opts SendOptions) map[string]any {
	if len(opts.Metadata) == 0 && opts.Context == nil {
		return nil
	}
	data := make(map[string]any, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		data[k] = v
	}
	if opts.Context != nil {
		data["context"] = opts.Context
	}
	return data
}

// pollLoop fetches activities until its generation is superseded or it gives up.
func (c *PollingClient) pollLoop(ctx context.Context, gen uint64, conversationID string) {
	logger := c.logger.With("conversation_id", conversationID)
	logger.Debug("Poll loop started", "interval", c.opts.pollInterval)
	defer logger.Debug("Poll loop stopped")

	failures := 0
	for {
		watermark, ok := c.watermarkFor(gen)
		if !ok {
			return
		}

		set, err := callWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) (*ActivitySet, error) {
			return c.service.GetActivities(ctx, conversationID, watermark)
		})
		if err != nil {
			if ctx.Err() != nil || !c.isCurrent(gen) {
				return
			}
			failures++
			if !c.handlePollFailure(ctx, gen, failures, err, logger) {
				return
			}
			continue
		}
		failures = 0

		if set != nil {
			if !c.advanceWatermark(gen, set.Watermark) {
				return
			}
			for _, activity := range set.Activities {
				if !c.isCurrent(gen) {
					return
				}
				c.deliver(activity)
			}
		}

		if !sleepContext(ctx, c.opts.pollInterval) {
			return
		}
	}
}

// handlePollFailure reports a failed fetch and performs the soft reconnect.
// It returns false when the loop should exit.
func (c *PollingClient) handlePollFailure(ctx context.Context, gen uint64, failures int, cause error, logger *slog.Logger) bool {
	err := fmt.Errorf("poll activities: %w", cause)
	logger.Warn("Poll failed", "attempt", failures, "error", err)
	c.errs.Emit(err)

	if !c.transitionIf(gen, StateReconnecting) {
		return false
	}

	if limit := c.opts.maxPollFailures; limit > 0 && failures >= limit {
		c.giveUp(gen, fmt.Errorf("%w (%d): %w", ErrPollGaveUp, failures, cause), logger)
		return false
	}

	if !sleepContext(ctx, reconnectBackoff(c.opts.pollInterval)) {
		return false
	}
	return c.transitionIf(gen, StateConnected)
}

// giveUp abandons the conversation after too many consecutive failures.
// Connect may be called again afterwards.
func (c *PollingClient) giveUp(gen uint64, err error, logger *slog.Logger) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelLoop
	c.cancelLoop = nil
	c.conversationID = ""
	c.watermark = ""
	changed, _ := c.state.swap(StateError)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logger.Error("Poll loop gave up", "error", err)
	c.errs.Emit(err)
	if changed {
		c.state.notify(StateError)
	}
}

// deliver emits a fetched activity on the raw channel and, for non-user
// message activities with text, as an assistant message.
func (c *PollingClient) deliver(activity Activity) {
	c.raw.Emit(activity)

	if activity.Type != ActivityTypeMessage {
		return
	}
	if activity.ResolveRole(c.opts.userID) == RoleUser {
		return
	}
	text := activity.DisplayText()
	if text == "" {
		return
	}

	id := activity.ID
	if id == "" {
		id = uuid.NewString()
	}
	raw := activity
	c.messages.Emit(AgentMessage{
		ID:          id,
		Role:        RoleAssistant,
		Text:        text,
		Timestamp:   parseTimestamp(activity.Timestamp, time.Now()),
		RawActivity: &raw,
	})
}

// transitionIf changes state only while gen is the current generation.
func (c *PollingClient) transitionIf(gen uint64, to ConnectionState) bool {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return false
	}
	changed, err := c.state.swap(to)
	c.mu.Unlock()

	if err != nil {
		return false
	}
	if changed {
		c.state.notify(to)
	}
	return true
}

func (c *PollingClient) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *PollingClient) watermarkFor(gen uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.conversationID == "" {
		return "", false
	}
	return c.watermark, true
}

// advanceWatermark records w as the resume point. An empty w keeps the
// previous watermark.
func (c *PollingClient) advanceWatermark(gen uint64, w string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	if w != "" {
		c.watermark = w
	}
	return true
}

// Watermark returns the last watermark received from the service.
func (c *PollingClient) Watermark() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// OnState subscribes to connection state changes.
func (c *PollingClient) OnState(fn func(ConnectionState)) func() {
	return c.state.emitter.Subscribe(fn)
}

// OnMessage subscribes to local echoes and assistant messages.
func (c *PollingClient) OnMessage(fn func(AgentMessage)) func() {
	return c.messages.Subscribe(fn)
}

// OnRawActivity subscribes to every activity fetched by the poll loop.
func (c *PollingClient) OnRawActivity(fn func(Activity)) func() {
	return c.raw.Subscribe(fn)
}

// OnError subscribes to connection, send and poll failures.
func (c *PollingClient) OnError(fn func(error)) func() {
	return c.errs.Subscribe(fn)
}

// State returns the current connection state.
func (c *PollingClient) State() ConnectionState {
	return c.state.get()
}

// SessionID returns the conversation id, or "" when disconnected.
func (c *PollingClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}
