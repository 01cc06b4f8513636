package agentclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPOption configures the HTTP transports.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	httpClient *http.Client
	timeout    time.Duration
	auth       *Auth
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *httpOptions) {
		o.httpClient = c
	}
}

// WithTimeout sets the per-request timeout (default 30s).
func WithTimeout(d time.Duration) HTTPOption {
	return func(o *httpOptions) {
		o.timeout = d
	}
}

// WithAuth sets how requests are authenticated.
func WithAuth(a *Auth) HTTPOption {
	return func(o *httpOptions) {
		o.auth = a
	}
}

// WithRateLimiter throttles outbound requests. A nil limiter disables throttling.
func WithRateLimiter(l *rate.Limiter) HTTPOption {
	return func(o *httpOptions) {
		o.limiter = l
	}
}

// WithTransportLogger sets the logger used for request tracing.
func WithTransportLogger(l *slog.Logger) HTTPOption {
	return func(o *httpOptions) {
		o.logger = l
	}
}

func buildRequester(opts []HTTPOption) *requester {
	o := &httpOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return newRequester(o.httpClient, o.timeout, o.auth, o.limiter, o.logger)
}

// DirectLineService talks to a Direct Line style activity-feed API:
//
//	POST {base}/conversations
//	POST {base}/conversations/{id}/activities
//	GET  {base}/conversations/{id}/activities?watermark={w}
type DirectLineService struct {
	baseURL string
	req     *requester
}

// NewDirectLineService creates a service rooted at baseURL.
func NewDirectLineService(baseURL string, opts ...HTTPOption) *DirectLineService {
	return &DirectLineService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		req:     buildRequester(opts),
	}
}

// BaseURL returns the service root.
func (s *DirectLineService) BaseURL() string {
	return s.baseURL
}

func (s *DirectLineService) activitiesURL(conversationID string) string {
	return s.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/activities"
}

// CreateConversation starts a conversation.
func (s *DirectLineService) CreateConversation(ctx context.Context) (*Conversation, error) {
	var conv Conversation
	if err := s.req.doJSON(ctx, http.MethodPost, s.baseURL+"/conversations", nil, &conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if conv.ConversationID == "" {
		return nil, fmt.Errorf("create conversation: %w", ErrEmptyConversationID)
	}
	return &conv, nil
}

// PostActivity submits an activity to the conversation.
func (s *DirectLineService) PostActivity(ctx context.Context, conversationID string, activity Activity) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("post activity: %w", ErrNotConnected)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.req.doJSON(ctx, http.MethodPost, s.activitiesURL(conversationID), activity, &resp); err != nil {
		return "", fmt.Errorf("post activity: %w", err)
	}
	return resp.ID, nil
}

// GetActivities fetches activities after watermark.
func (s *DirectLineService) GetActivities(ctx context.Context, conversationID, watermark string) (*ActivitySet, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("get activities: %w", ErrNotConnected)
	}
	u := s.activitiesURL(conversationID)
	if watermark != "" {
		u += "?watermark=" + url.QueryEscape(watermark)
	}
	var set ActivitySet
	if err := s.req.doJSON(ctx, http.MethodGet, u, nil, &set); err != nil {
		return nil, fmt.Errorf("get activities: %w", err)
	}
	return &set, nil
}

// HTTPDirectTransport posts DirectRequests to a single endpoint.
type HTTPDirectTransport struct {
	endpoint string
	req      *requester
}

// NewHTTPDirectTransport creates a transport for endpoint.
// Auth headers are supplied per call by DirectClient, so WithAuth is normally not needed here.
func NewHTTPDirectTransport(endpoint string, opts ...HTTPOption) *HTTPDirectTransport {
	return &HTTPDirectTransport{
		endpoint: endpoint,
		req:      buildRequester(opts),
	}
}

// SendDirect posts req and returns the raw response body.
func (t *HTTPDirectTransport) SendDirect(ctx context.Context, req *DirectRequest, header http.Header) ([]byte, error) {
	data, err := t.req.do(ctx, http.MethodPost, t.endpoint, req, header)
	if err != nil {
		return nil, fmt.Errorf("send direct: %w", err)
	}
	return data, nil
}

var (
	_ ConversationService = (*DirectLineService)(nil)
	_ DirectTransport     = (*HTTPDirectTransport)(nil)
)
