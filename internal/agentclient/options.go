package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for client behaviour.
const (
	DefaultPollInterval    = 1 * time.Second
	DefaultMaxPollFailures = 10
	DefaultUserID          = "user"
	DefaultUserName        = "User"

	// maxReconnectBackoff caps the pause between a failed poll and the next attempt.
	maxReconnectBackoff = 2500 * time.Millisecond
)

// NoResponseText is returned by DirectClient when a reply carries no recognizable text.
const NoResponseText = "(no response)"

// Option configures DirectClient and PollingClient.
type Option func(*options)

type options struct {
	timeout         time.Duration
	logger          *slog.Logger
	auth            *Auth
	userID          string
	userName        string
	pollInterval    time.Duration
	maxPollFailures int
}

func defaultOptions() *options {
	return &options{
		timeout:         DefaultTimeout,
		userID:          DefaultUserID,
		userName:        DefaultUserName,
		pollInterval:    DefaultPollInterval,
		maxPollFailures: DefaultMaxPollFailures,
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCallTimeout bounds each outbound call made by the client.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDirectHeaders sets the auth headers DirectClient sends with every request.
// PollingClient ignores it; its service carries auth (see WithAuth).
func WithDirectHeaders(a *Auth) Option {
	return func(o *options) {
		o.auth = a
	}
}

// WithUser sets the identity PollingClient posts activities as.
func WithUser(id, name string) Option {
	return func(o *options) {
		if id != "" {
			o.userID = id
		}
		if name != "" {
			o.userName = name
		}
	}
}

// WithPollInterval sets the pause between activity fetches.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxPollFailures sets how many consecutive poll failures are tolerated
// before the loop gives up and the client moves to the error state.
// Zero or a negative value retries forever.
func WithMaxPollFailures(n int) Option {
	return func(o *options) {
		o.maxPollFailures = n
	}
}

// reconnectBackoff is the pause after a failed poll: twice the poll
// interval, never more than maxReconnectBackoff.
func reconnectBackoff(pollInterval time.Duration) time.Duration {
	return min(2*pollInterval, maxReconnectBackoff)
}

// callWithTimeout runs fn with a context bounded by timeout and marks
// deadline failures with ErrTimeout.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}
	return v, err
}

// sleepContext waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
