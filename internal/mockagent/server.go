// Package mockagent is an in-memory agent service for tests and local demos.
// It speaks both protocols the clients understand:
//
//	POST /v3/directline/conversations
//	POST /v3/directline/conversations/{id}/activities
//	GET  /v3/directline/conversations/{id}/activities?watermark=N
//	POST /chat
//
// Every posted user message gets one bot reply appended to the conversation.
package mockagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/davidop/marketing-agent-comm-sub000/internal/agentclient"
)

// DirectLinePrefix is the path prefix of the activity-feed API.
const DirectLinePrefix = "/v3/directline"

// ChatPath is the path of the request/response endpoint.
const ChatPath = "/chat"

// BotAccount is the sender of every reply.
var BotAccount = agentclient.ChannelAccount{ID: "mock-agent", Name: "Mock Agent", Role: "bot"}

// ReplyFunc produces the reply activity for a user message. Returning nil
// sends no reply.
type ReplyFunc func(text string) *agentclient.Activity

// EchoReply answers with the text prefixed by "You said: ".
func EchoReply(text string) *agentclient.Activity {
	return &agentclient.Activity{
		Type: agentclient.ActivityTypeMessage,
		Text: "You said: " + text,
	}
}

// ValueReply answers through the value field instead of text, encoded as a
// JSON string the way some bot frameworks forward structured results.
func ValueReply(text string) *agentclient.Activity {
	inner, _ := json.Marshal(map[string]string{"summary": "You said: " + text})
	return &agentclient.Activity{
		Type:  agentclient.ActivityTypeMessage,
		Value: agentclient.NewValue(string(inner)),
	}
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires header to carry key on every request.
func WithAPIKey(header, key string) Option {
	return func(s *Server) {
		s.apiKeyHeader = header
		s.apiKey = key
	}
}

// WithReply sets how the server answers user messages.
func WithReply(fn ReplyFunc) Option {
	return func(s *Server) {
		s.reply = fn
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRateLimit rejects clients exceeding rps with 429. Zero disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

type conversation struct {
	activities []agentclient.Activity
}

// Server is an http.Handler implementing the mock agent. It is safe for concurrent use.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger
	reply  ReplyFunc

	apiKeyHeader string
	apiKey       string

	rps      float64
	burst    int
	limiters map[string]*rate.Limiter

	mu            sync.Mutex
	conversations map[string]*conversation
	failCreate    int
	failPolls     int
	failPosts     int
	requests      int
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		mux:           http.NewServeMux(),
		reply:         EchoReply,
		conversations: make(map[string]*conversation),
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "mock")
	}

	s.mux.HandleFunc("POST "+DirectLinePrefix+"/conversations", s.handleCreateConversation)
	s.mux.HandleFunc("POST "+DirectLinePrefix+"/conversations/{id}/activities", s.handlePostActivity)
	s.mux.HandleFunc("GET "+DirectLinePrefix+"/conversations/{id}/activities", s.handleGetActivities)
	s.mux.HandleFunc("POST "+ChatPath, s.handleChat)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	if !s.allow(r) {
		writeErrorJSON(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}
	if s.apiKey != "" && r.URL.Path != "/health" && r.Header.Get(s.apiKeyHeader) != s.apiKey {
		writeErrorJSON(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) allow(r *http.Request) bool {
	if s.rps <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.rps), max(s.burst, 1))
		s.limiters[host] = l
	}
	return l.Allow()
}

// FailNextCreate makes the next n conversation creations return 503.
func (s *Server) FailNextCreate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = n
}

// FailNextPolls makes the next n activity fetches return 503.
func (s *Server) FailNextPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPolls = n
}

// FailNextPosts makes the next n activity posts and chat requests return 502.
func (s *Server) FailNextPosts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPosts = n
}

// Push appends an activity to a conversation as if the bot had sent it.
func (s *Server) Push(conversationID string, activity agentclient.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("unknown conversation %q", conversationID)
	}
	s.appendLocked(conversationID, conv, activity)
	return nil
}

// Conversations returns the number of conversations created so far.
func (s *Server) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Requests returns the number of requests served so far.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failCreate > 0 {
		s.failCreate--
		s.mu.Unlock()
		writeErrorJSON(w, http.StatusServiceUnavailable, "unavailable", "conversation service unavailable")
		return
	}
	id := uuid.NewString()
	s.conversations[id] = &conversation{}
	s.mu.Unlock()

	s.logger.Debug("Conversation created", "conversation_id", id)
	writeJSON(w, http.StatusCreated, agentclient.Conversation{
		ConversationID: id,
		Token:          uuid.NewString(),
		ExpiresIn:      1800,
	})
}

func (s *Server) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var activity agentclient.Activity
	if !parseJSONBody(w, r, &activity) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPosts > 0 {
		s.failPosts--
		writeErrorJSON(w, http.StatusBadGateway, "bad_gateway", "agent unavailable")
		return
	}
	conv, ok := s.conversations[id]
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	posted := s.appendLocked(id, conv, activity)
	if activity.Type == agentclient.ActivityTypeMessage && s.reply != nil {
		if out := s.reply(activity.Text); out != nil {
			reply := *out
			if reply.From == nil {
				bot := BotAccount
				reply.From = &bot
			}
			reply.ReplyToID = posted.ID
			s.appendLocked(id, conv, reply)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": posted.ID})
}

// appendLocked assigns an id and timestamp and stores the activity.
func (s *Server) appendLocked(conversationID string, conv *conversation, a agentclient.Activity) agentclient.Activity {
	a.ID = conversationID + "|" + fmt.Sprintf("%07d", len(conv.activities))
	if a.Timestamp == "" {
		a.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	conv.activities = append(conv.activities, a)
	return a
}

func (s *Server) handleGetActivities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	start := 0
	if wm := r.URL.Query().Get("watermark"); wm != "" {
		n, err := strconv.Atoi(wm)
		if err != nil || n < 0 {
			writeErrorJSON(w, http.StatusBadRequest, "bad_watermark", "watermark must be a non-negative integer")
			return
		}
		start = n
	}

	s.mu.Lock()
	if s.failPolls > 0 {
		s.failPolls--
		s.mu.Unlock()
		writeErrorJSON(w, http.StatusServiceUnavailable, "unavailable", "activity feed unavailable")
		return
	}
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	total := len(conv.activities)
	start = min(start, total)
	page := append([]agentclient.Activity(nil), conv.activities[start:]...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, agentclient.ActivitySet{
		Activities: page,
		Watermark:  strconv.Itoa(total),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req agentclient.DirectRequest
	if !parseJSONBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	fail := s.failPosts > 0
	if fail {
		s.failPosts--
	}
	s.mu.Unlock()
	if fail {
		writeErrorJSON(w, http.StatusBadGateway, "bad_gateway", "agent unavailable")
		return
	}

	var last string
	for _, m := range req.Messages {
		if m.Role == agentclient.RoleUser {
			last = m.Content
		}
	}
	if last == "" {
		writeErrorJSON(w, http.StatusBadRequest, "no_user_message", "messages must include a user message")
		return
	}

	text := ""
	if s.reply != nil {
		if out := s.reply(last); out != nil {
			text = out.DisplayText()
		}
	}

	type choice struct {
		Index   int                     `json:"index"`
		Message agentclient.ChatMessage `json:"message"`
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"choices": []choice{{Message: agentclient.ChatMessage{Role: agentclient.RoleAssistant, Content: text}}},
	})
}
