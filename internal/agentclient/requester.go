package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every outbound call unless overridden.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is kept in StatusError.
const maxErrorBody = 4 << 10

// requester performs bounded JSON requests on behalf of the HTTP transports.
// It is safe for concurrent use.
type requester struct {
	httpClient *http.Client
	timeout    time.Duration
	auth       *Auth
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func newRequester(httpClient *http.Client, timeout time.Duration, auth *Auth, limiter *rate.Limiter, logger *slog.Logger) *requester {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &requester{
		httpClient: httpClient,
		timeout:    timeout,
		auth:       auth,
		limiter:    limiter,
		logger:     logger,
	}
}

// do sends one request and returns the raw response body on 2xx.
// extra headers are applied after the configured auth headers.
func (r *requester) do(ctx context.Context, method, url string, body any, extra http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, r.wrapContextErr(ctx, fmt.Errorf("rate limit: %w", err))
		}
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	header, err := r.auth.Header(ctx)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, r.wrapContextErr(ctx, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, r.wrapContextErr(ctx, fmt.Errorf("read response: %w", err))
	}

	if r.logger != nil {
		r.logger.Debug("HTTP request completed",
			"method", method,
			"url", url,
			"status", resp.StatusCode,
			"duration", time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return data, nil
}

// doJSON is do followed by decoding the body into out (when out is non-nil).
func (r *requester) doJSON(ctx context.Context, method, url string, body, out any) error {
	data, err := r.do(ctx, method, url, body, nil)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// wrapContextErr marks errors caused by the per-call deadline with ErrTimeout.
func (r *requester) wrapContextErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, r.timeout, err)
	}
	return err
}

// NewLimiter builds a request limiter; rps <= 0 disables limiting.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
