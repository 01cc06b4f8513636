package agentclient

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeService is an in-memory ConversationService. Posted user activities are
// stored in the feed, and reply, when set, produces an assistant activity.
type fakeService struct {
	mu         sync.Mutex
	convs      int
	feed       map[string][]Activity
	watermarks []string
	failNext   int
	createErr  error
	fetchGate  chan struct{}
	reply      func(in Activity) *Activity
}

func newFakeService() *fakeService {
	return &fakeService{feed: make(map[string][]Activity)}
}

func (f *fakeService) CreateConversation(ctx context.Context) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.convs++
	id := "conv-" + strconv.Itoa(f.convs)
	f.feed[id] = nil
	return &Conversation{ConversationID: id}, nil
}

func (f *fakeService) PostActivity(ctx context.Context, conversationID string, activity Activity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	activity.ID = conversationID + "|" + strconv.Itoa(len(f.feed[conversationID]))
	f.feed[conversationID] = append(f.feed[conversationID], activity)
	if f.reply != nil {
		if out := f.reply(activity); out != nil {
			out.ID = conversationID + "|" + strconv.Itoa(len(f.feed[conversationID]))
			f.feed[conversationID] = append(f.feed[conversationID], *out)
		}
	}
	return activity.ID, nil
}

func (f *fakeService) GetActivities(ctx context.Context, conversationID, watermark string) (*ActivitySet, error) {
	f.mu.Lock()
	gate := f.fetchGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks = append(f.watermarks, watermark)
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("service unavailable")
	}

	start := 0
	if watermark != "" {
		n, err := strconv.Atoi(watermark)
		if err != nil {
			return nil, err
		}
		start = n
	}
	all := f.feed[conversationID]
	if start > len(all) {
		start = len(all)
	}
	out := append([]Activity(nil), all[start:]...)
	return &ActivitySet{Activities: out, Watermark: strconv.Itoa(len(all))}, nil
}

func (f *fakeService) push(conversationID string, a Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed[conversationID] = append(f.feed[conversationID], a)
}

func (f *fakeService) seenWatermarks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.watermarks...)
}

func (f *fakeService) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watermarks)
}

// recorder collects everything a client emits.
type recorder struct {
	mu       sync.Mutex
	states   []ConnectionState
	messages []AgentMessage
	raw      []Activity
	errs     []error
}

func record(c Client) *recorder {
	r := &recorder{}
	c.OnState(func(s ConnectionState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	c.OnMessage(func(m AgentMessage) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	})
	c.OnRawActivity(func(a Activity) {
		r.mu.Lock()
		r.raw = append(r.raw, a)
		r.mu.Unlock()
	})
	c.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) snapshot() ([]ConnectionState, []AgentMessage, []Activity, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...),
		append([]AgentMessage(nil), r.messages...),
		append([]Activity(nil), r.raw...),
		append([]error(nil), r.errs...)
}

func (r *recorder) countState(s ConnectionState) int {
	states, _, _, _ := r.snapshot()
	n := 0
	for _, got := range states {
		if got == s {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPollingClient(svc ConversationService, opts ...Option) *PollingClient {
	opts = append([]Option{WithPollInterval(5 * time.Millisecond), WithCallTimeout(time.Second)}, opts...)
	return NewPollingClient(svc, opts...)
}

func TestPollingClient_ConnectStartsLoop(t *testing.T) {
	svc := newFakeService()
	c := newTestPollingClient(svc)
	defer c.Close()
	rec := record(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.SessionID() != "conv-1" || c.State() != StateConnected {
		t.Fatalf("session %q state %s", c.SessionID(), c.State())
	}

	states, _, _, _ := rec.snapshot()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("states = %v, want [connecting connected]", states)
	}

	waitFor(t, "first poll", func() bool { return svc.fetches() > 0 })

	// Connecting again must not create a conversation or a second loop.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc.mu.Lock()
	convs := svc.convs
	svc.mu.Unlock()
	if convs != 1 {
		t.Errorf("conversations created = %d, want 1", convs)
	}
}

func TestPollingClient_EchoSuppressionAndReplies(t *testing.T) {
	svc := newFakeService()
	svc.reply = func(in Activity) *Activity {
		return &Activity{
			Type:      ActivityTypeMessage,
			Timestamp: "2025-01-02T03:04:05Z",
			From:      &ChannelAccount{ID: "bot", Name: "Agent"},
			Text:      "re: " + in.Text,
		}
	}
	c := newTestPollingClient(svc, WithUser("u-1", "Dana"))
	defer c.Close()
	rec := record(c)

	if _, err := c.SendMessage(context.Background(), "draft a tagline", SendOptions{
		Context:  "spring launch",
		Metadata: map[string]any{"tone": "bold"},
	}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	waitFor(t, "assistant reply", func() bool {
		_, msgs, _, _ := rec.snapshot()
		return len(msgs) >= 2
	})
	waitFor(t, "raw activities", func() bool {
		_, _, raw, _ := rec.snapshot()
		return len(raw) >= 2
	})

	_, msgs, raw, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want local echo and one reply", msgs)
	}
	if msgs[0].Role != RoleUser || msgs[0].Text != "draft a tagline" {
		t.Errorf("local echo = %+v", msgs[0])
	}
	reply := msgs[1]
	if reply.Role != RoleAssistant || reply.Text != "re: draft a tagline" || reply.ID != "conv-1|1" {
		t.Errorf("reply = %+v", reply)
	}
	if !reply.Timestamp.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("reply timestamp = %v", reply.Timestamp)
	}
	if reply.RawActivity == nil || reply.RawActivity.ID != "conv-1|1" {
		t.Errorf("reply raw activity = %+v", reply.RawActivity)
	}

	// The posted activity is delivered raw but never as a message.
	posted := raw[0]
	if posted.From == nil || posted.From.ID != "u-1" || posted.From.Name != "Dana" || posted.From.Role != "user" {
		t.Errorf("posted from = %+v", posted.From)
	}
	if posted.ChannelData["tone"] != "bold" || posted.ChannelData["context"] != "spring launch" {
		t.Errorf("posted channelData = %v", posted.ChannelData)
	}
	for _, m := range msgs[1:] {
		if m.Role == RoleUser {
			t.Errorf("poll loop emitted a user message: %+v", m)
		}
	}
}

func TestPollingClient_SkipsUnusableActivities(t *testing.T) {
	svc := newFakeService()
	c := newTestPollingClient(svc, WithUser("me", ""))
	defer c.Close()
	rec := record(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, a := range []Activity{
		{Type: "typing", From: &ChannelAccount{ID: "bot"}},
		{Type: ActivityTypeMessage, From: &ChannelAccount{ID: "me"}, Text: "my own words"},
		{Type: ActivityTypeMessage, From: &ChannelAccount{ID: "bot"}, Value: NewValue(map[string]any{})},
		{Type: ActivityTypeMessage, From: &ChannelAccount{ID: "bot"}, Value: NewValue(`{"text":"hello"}`)},
		{Type: ActivityTypeMessage, From: &ChannelAccount{ID: "bot"}, Value: NewValue(map[string]any{"summary": "ok"})},
		{Type: ActivityTypeMessage, From: &ChannelAccount{ID: "bot"}, Value: NewValue("plain")},
	} {
		svc.push("conv-1", a)
	}

	waitFor(t, "all raw activities", func() bool {
		_, _, raw, _ := rec.snapshot()
		return len(raw) == 6
	})

	_, msgs, _, _ := rec.snapshot()
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
		if m.ID == "" {
			t.Errorf("message without id: %+v", m)
		}
	}
	want := []string{"hello", "ok", "plain"}
	if len(texts) != len(want) {
		t.Fatalf("texts = %q, want %q", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("texts[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestPollingClient_WatermarkMonotonic(t *testing.T) {
	svc := newFakeService()
	c := newTestPollingClient(svc)
	defer c.Close()
	rec := record(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		svc.push("conv-1", Activity{Type: ActivityTypeMessage, Text: "m" + strconv.Itoa(i)})
		waitFor(t, "delivery", func() bool {
			_, msgs, _, _ := rec.snapshot()
			return len(msgs) == i+1
		})
	}
	waitFor(t, "a few more polls", func() bool { return svc.fetches() > 6 })

	last := -1
	for _, w := range svc.seenWatermarks() {
		n := 0
		if w != "" {
			n, _ = strconv.Atoi(w)
		}
		if n < last {
			t.Fatalf("watermark regressed: %v", svc.seenWatermarks())
		}
		last = n
	}
	if c.Watermark() != "3" {
		t.Errorf("Watermark() = %q, want 3", c.Watermark())
	}

	_, msgs, _, _ := rec.snapshot()
	if len(msgs) != 3 {
		t.Errorf("messages = %d, want each activity delivered once", len(msgs))
	}
}

func TestPollingClient_SoftReconnect(t *testing.T) {
	svc := newFakeService()
	svc.failNext = 3
	c := newTestPollingClient(svc, WithPollInterval(time.Millisecond))
	defer c.Close()
	rec := record(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "recovery", func() bool { return svc.fetches() >= 5 })

	svc.push("conv-1", Activity{Type: ActivityTypeMessage, Text: "after recovery"})
	waitFor(t, "delivery after recovery", func() bool {
		_, msgs, _, _ := rec.snapshot()
		return len(msgs) == 1
	})

	_, _, _, errs := rec.snapshot()
	if len(errs) != 3 {
		t.Errorf("errors = %d (%v), want 3", len(errs), errs)
	}
	if n := rec.countState(StateReconnecting); n != 3 {
		t.Errorf("reconnecting transitions = %d, want 3", n)
	}
	// initial connect plus one return per failure
	if n := rec.countState(StateConnected); n != 4 {
		t.Errorf("connected transitions = %d, want 4", n)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s, want connected", c.State())
	}
}

func TestPollingClient_GivesUpAfterMaxFailures(t *testing.T) {
	svc := newFakeService()
	svc.failNext = 100
	c := newTestPollingClient(svc, WithPollInterval(time.Millisecond), WithMaxPollFailures(2))
	defer c.Close()
	rec := record(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "error state", func() bool { return rec.countState(StateError) == 1 })

	_, _, _, errs := rec.snapshot()
	if len(errs) == 0 || !errors.Is(errs[len(errs)-1], ErrPollGaveUp) {
		t.Errorf("last error = %v, want ErrPollGaveUp", errs)
	}
	if c.SessionID() != "" {
		t.Errorf("conversation kept after giving up: %q", c.SessionID())
	}

	fetches := svc.fetches()
	time.Sleep(30 * time.Millisecond)
	if svc.fetches() != fetches {
		t.Error("poll loop kept running after giving up")
	}

	// A new Connect recovers from the error state.
	svc.mu.Lock()
	svc.failNext = 0
	svc.mu.Unlock()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if c.State() != StateConnected || c.SessionID() != "conv-2" {
		t.Errorf("after reconnect: state %s session %q", c.State(), c.SessionID())
	}
}

func TestPollingClient_ConnectFailure(t *testing.T) {
	svc := newFakeService()
	svc.createErr = &StatusError{Code: 403, Body: "forbidden"}
	c := newTestPollingClient(svc)
	defer c.Close()
	rec := record(c)

	err := c.Connect(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 403 {
		t.Fatalf("Connect err = %v, want StatusError 403", err)
	}
	if c.State() != StateError {
		t.Errorf("state = %s, want error", c.State())
	}
	_, _, _, errs := rec.snapshot()
	if len(errs) != 1 {
		t.Errorf("emitted errors = %v, want 1", errs)
	}

	// SendMessage propagates the connect failure without posting.
	if _, err := c.SendMessage(context.Background(), "hi", SendOptions{}); err == nil {
		t.Error("SendMessage succeeded without a conversation")
	}
}

type emptyIDService struct{ *fakeService }

func (emptyIDService) CreateConversation(context.Context) (*Conversation, error) {
	return &Conversation{}, nil
}

func TestPollingClient_EmptyConversationID(t *testing.T) {
	c := newTestPollingClient(emptyIDService{newFakeService()})
	defer c.Close()

	if err := c.Connect(context.Background()); !errors.Is(err, ErrEmptyConversationID) {
		t.Errorf("err = %v, want ErrEmptyConversationID", err)
	}
	if c.State() != StateError {
		t.Errorf("state = %s, want error", c.State())
	}
}

func TestPollingClient_DisconnectStopsLoop(t *testing.T) {
	svc := newFakeService()
	gate := make(chan struct{})
	defer close(gate)
	svc.fetchGate = gate
	c := newTestPollingClient(svc)
	rec := record(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc.push("conv-1", Activity{Type: ActivityTypeMessage, Text: "late"})

	// The first fetch is blocked in flight; disconnect cancels it.
	c.Disconnect()

	if c.State() != StateDisconnected || c.SessionID() != "" || c.Watermark() != "" {
		t.Errorf("after Disconnect: state %s session %q watermark %q", c.State(), c.SessionID(), c.Watermark())
	}

	time.Sleep(40 * time.Millisecond)
	if n := svc.fetches(); n != 0 {
		t.Errorf("%d fetches completed after Disconnect", n)
	}
	_, msgs, raw, errs := rec.snapshot()
	if len(msgs) != 0 || len(raw) != 0 {
		t.Errorf("delivered after Disconnect: messages %v raw %v", msgs, raw)
	}
	if len(errs) != 0 {
		t.Errorf("cancelled fetch reported as error: %v", errs)
	}
}

func TestPollingClient_DisconnectThenConnect(t *testing.T) {
	svc := newFakeService()
	c := newTestPollingClient(svc, WithPollInterval(time.Millisecond))
	defer c.Close()
	rec := record(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first poll", func() bool { return svc.fetches() > 0 })

	c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.SessionID() != "conv-2" {
		t.Fatalf("session = %q, want conv-2", c.SessionID())
	}

	svc.push("conv-1", Activity{Type: ActivityTypeMessage, Text: "stale"})
	svc.push("conv-2", Activity{Type: ActivityTypeMessage, Text: "fresh"})

	waitFor(t, "fresh delivery", func() bool {
		_, msgs, _, _ := rec.snapshot()
		return len(msgs) >= 1
	})
	time.Sleep(20 * time.Millisecond)

	_, msgs, _, _ := rec.snapshot()
	if len(msgs) != 1 || msgs[0].Text != "fresh" {
		t.Errorf("messages = %+v, want only the new conversation's message once", msgs)
	}
}

func TestPollingClient_ConcurrentConnect(t *testing.T) {
	svc := newFakeService()
	c := newTestPollingClient(svc)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(context.Background()); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.convs != 1 {
		t.Errorf("conversations created = %d, want 1", svc.convs)
	}
}

type failingPostService struct{ *fakeService }

func (failingPostService) PostActivity(context.Context, string, Activity) (string, error) {
	return "", &StatusError{Code: 502}
}

func TestPollingClient_SendFailureKeepsConnection(t *testing.T) {
	c := newTestPollingClient(failingPostService{newFakeService()})
	defer c.Close()
	rec := record(c)

	_, err := c.SendMessage(context.Background(), "hi", SendOptions{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 502 {
		t.Fatalf("err = %v, want StatusError 502", err)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s, want connected", c.State())
	}
	_, msgs, _, errs := rec.snapshot()
	if len(errs) != 1 {
		t.Errorf("emitted errors = %v, want 1", errs)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Errorf("messages = %+v, want only the local echo", msgs)
	}
}

func TestNewPollingClient_IgnoresDirectHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c := NewPollingClient(newFakeService(),
		WithLogger(logger),
		WithDirectHeaders(&Auth{APIKey: "k"}))
	defer c.Close()

	if !strings.Contains(buf.String(), "Ignoring direct headers option") {
		t.Errorf("expected a debug line about the ignored option, got %q", buf.String())
	}
}

func TestReconnectBackoff(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     time.Duration
	}{
		{100 * time.Millisecond, 200 * time.Millisecond},
		{time.Second, 2 * time.Second},
		{2 * time.Second, 2500 * time.Millisecond},
		{time.Minute, 2500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := reconnectBackoff(tt.interval); got != tt.want {
			t.Errorf("reconnectBackoff(%s) = %s, want %s", tt.interval, got, tt.want)
		}
	}
}

func TestChannelData(t *testing.T) {
	if got := channelData(SendOptions{}); got != nil {
		t.Errorf("channelData(empty) = %v, want nil", got)
	}
	got := channelData(SendOptions{Context: "ctx", Metadata: map[string]any{"context": "overridden", "k": 1}})
	if got["context"] != "ctx" || got["k"] != 1 {
		t.Errorf("channelData = %v", got)
	}
}
