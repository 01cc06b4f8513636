package agentclient

import (
	"context"
	"fmt"
	"net/http"
)

// Default header names used when Auth leaves them empty.
const (
	DefaultAuthHeader   = "Authorization"
	DefaultAPIKeyHeader = "x-api-key"
)

// HeaderProvider supplies the value of the auth header for one request.
// It may block (for example to read a credential store) and is called once per request.
type HeaderProvider func(ctx context.Context) (string, error)

// StaticToken returns a HeaderProvider that always yields "<scheme> <token>",
// or just the token when scheme is empty.
func StaticToken(scheme, token string) HeaderProvider {
	value := token
	if scheme != "" && token != "" {
		value = scheme + " " + token
	}
	return func(context.Context) (string, error) {
		return value, nil
	}
}

// Auth describes how outbound requests are authenticated.
type Auth struct {
	// Provider supplies the AuthHeader value. Optional.
	Provider HeaderProvider
	// AuthHeader is the header Provider's value is set on (default Authorization).
	AuthHeader string
	// APIKey is an optional static key injected under APIKeyHeader.
	APIKey string
	// APIKeyHeader defaults to x-api-key.
	APIKeyHeader string
	// Headers are static extra headers added to every request.
	Headers map[string]string
}

// Header builds the header set for one request. Extra headers are applied
// first, then the API key, then the provider value, so later sources win.
func (a *Auth) Header(ctx context.Context) (http.Header, error) {
	h := make(http.Header)
	if a == nil {
		return h, nil
	}

	for k, v := range a.Headers {
		h.Set(k, v)
	}

	if a.APIKey != "" {
		name := a.APIKeyHeader
		if name == "" {
			name = DefaultAPIKeyHeader
		}
		h.Set(name, a.APIKey)
	}

	if a.Provider != nil {
		value, err := a.Provider(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth header: %w", err)
		}
		if value != "" {
			name := a.AuthHeader
			if name == "" {
				name = DefaultAuthHeader
			}
			h.Set(name, value)
		}
	}

	return h, nil
}
