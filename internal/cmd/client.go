package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/davidop/marketing-agent-comm-sub000/internal/agentclient"
	"github.com/davidop/marketing-agent-comm-sub000/internal/config"
	"github.com/davidop/marketing-agent-comm-sub000/internal/logging"
	"github.com/davidop/marketing-agent-comm-sub000/internal/secrets"
)

// tokenSource holds the bearer token so a config reload can rotate it while
// the client is running. Its Provider is read on every request.
type tokenSource struct {
	mu     sync.RWMutex
	scheme string
	token  string
}

func newTokenSource(scheme, token string) *tokenSource {
	return &tokenSource{scheme: scheme, token: token}
}

// Update replaces the token. The next request uses the new value.
func (t *tokenSource) Update(scheme, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheme = scheme
	t.token = token
}

// Provider returns a HeaderProvider reading the current token.
func (t *tokenSource) Provider() agentclient.HeaderProvider {
	return func(ctx context.Context) (string, error) {
		t.mu.RLock()
		scheme, token := t.scheme, t.token
		t.mu.RUnlock()
		return agentclient.StaticToken(scheme, token)(ctx)
	}
}

// resolveAPIKey returns the configured API key, falling back to the OS
// credential store when auth.keychain is set.
func resolveAPIKey(c *config.Config) (string, error) {
	if c.Auth.APIKey != "" || !c.Auth.Keychain {
		return c.Auth.APIKey, nil
	}
	key, err := secrets.GetAPIKey()
	if errors.Is(err, secrets.ErrNotFound) || errors.Is(err, secrets.ErrNotSupported) {
		logging.Settings().Warn("No API key in the credential store", "error", err)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read API key from credential store: %w", err)
	}
	return key, nil
}

// buildAuth turns the auth section into request headers.
func buildAuth(c *config.Config, tokens *tokenSource) (*agentclient.Auth, error) {
	key, err := resolveAPIKey(c)
	if err != nil {
		return nil, err
	}
	return &agentclient.Auth{
		Provider:     tokens.Provider(),
		AuthHeader:   c.Auth.AuthHeader,
		APIKey:       key,
		APIKeyHeader: c.Auth.APIKeyHeader,
		Headers:      c.Auth.Headers,
	}, nil
}

// clientHandle is a running client plus what the CLI needs to manage it.
type clientHandle struct {
	client    agentclient.Client
	transport string
	tokens    *tokenSource
	closeFn   func()
}

// Close disconnects and releases subscribers.
func (h *clientHandle) Close() {
	if h.closeFn != nil {
		h.closeFn()
	}
}

// buildClient creates the client selected by c.Transport.
func buildClient(c *config.Config) (*clientHandle, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tokens := newTokenSource(c.Auth.TokenScheme, c.Auth.Token)
	auth, err := buildAuth(c, tokens)
	if err != nil {
		return nil, err
	}

	httpOpts := []agentclient.HTTPOption{
		agentclient.WithTimeout(c.Timeout),
		agentclient.WithTransportLogger(logging.Transport()),
	}
	if limiter := agentclient.NewLimiter(c.RateLimit.RequestsPerSecond, c.RateLimit.Burst); limiter != nil {
		httpOpts = append(httpOpts, agentclient.WithRateLimiter(limiter))
	}

	clientOpts := []agentclient.Option{
		agentclient.WithCallTimeout(c.Timeout),
		agentclient.WithUser(c.User.ID, c.User.Name),
	}

	switch c.Transport {
	case config.TransportDirect:
		// DirectClient passes the headers on each call.
		clientOpts = append(clientOpts,
			agentclient.WithLogger(logging.Client()),
			agentclient.WithDirectHeaders(auth),
		)
		transport := agentclient.NewHTTPDirectTransport(c.Direct.Endpoint, httpOpts...)
		client := agentclient.NewDirectClient(transport, clientOpts...)
		return &clientHandle{client: client, transport: c.Transport, tokens: tokens, closeFn: client.Close}, nil

	case config.TransportPolling:
		clientOpts = append(clientOpts,
			agentclient.WithLogger(logging.Poll()),
			agentclient.WithPollInterval(c.Polling.PollInterval),
			agentclient.WithMaxPollFailures(c.Polling.MaxPollFailures),
		)
		service := agentclient.NewDirectLineService(c.Polling.BaseURL, append(httpOpts, agentclient.WithAuth(auth))...)
		client := agentclient.NewPollingClient(service, clientOpts...)
		return &clientHandle{client: client, transport: c.Transport, tokens: tokens, closeFn: client.Close}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

// watchConfig rotates the token whenever the configuration file changes.
// It returns a stop function; when path is empty nothing is watched.
func watchConfig(path string, tokens *tokenSource, logger *slog.Logger) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	w, err := config.NewWatcher(path, logging.Settings())
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w.Subscribe(func(ev config.ChangeEvent) {
		if ev.Err != nil {
			logger.Warn("Ignoring invalid configuration change", "error", ev.Err)
			return
		}
		tokens.Update(ev.Config.Auth.TokenScheme, ev.Config.Auth.Token)
		logger.Info("Credentials reloaded", "path", path)
	})
	w.Start()
	return func() { _ = w.Close() }, nil
}
