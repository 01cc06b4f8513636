package agentclient

import (
	"context"
	"errors"
	"testing"
)

func TestAuth_Header(t *testing.T) {
	tests := []struct {
		name string
		auth *Auth
		want map[string]string
	}{
		{
			name: "nil auth",
			auth: nil,
			want: map[string]string{},
		},
		{
			name: "static token with scheme",
			auth: &Auth{Provider: StaticToken("Bearer", "abc")},
			want: map[string]string{"Authorization": "Bearer abc"},
		},
		{
			name: "api key default header",
			auth: &Auth{APIKey: "k1"},
			want: map[string]string{"X-Api-Key": "k1"},
		},
		{
			name: "custom header names",
			auth: &Auth{
				Provider:     StaticToken("", "raw"),
				AuthHeader:   "X-Token",
				APIKey:       "k2",
				APIKeyHeader: "Ocp-Apim-Subscription-Key",
			},
			want: map[string]string{"X-Token": "raw", "Ocp-Apim-Subscription-Key": "k2"},
		},
		{
			name: "provider overrides extra header",
			auth: &Auth{
				Provider: StaticToken("Bearer", "p"),
				Headers:  map[string]string{"Authorization": "Basic x", "X-Trace": "1"},
			},
			want: map[string]string{"Authorization": "Bearer p", "X-Trace": "1"},
		},
		{
			name: "empty provider value is not set",
			auth: &Auth{Provider: StaticToken("Bearer", "")},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := tt.auth.Header(context.Background())
			if err != nil {
				t.Fatalf("Header() error = %v", err)
			}
			if len(h) != len(tt.want) {
				t.Errorf("Header() = %v, want %v", h, tt.want)
			}
			for k, v := range tt.want {
				if got := h.Get(k); got != v {
					t.Errorf("Header().Get(%q) = %q, want %q", k, got, v)
				}
			}
		})
	}
}

func TestAuth_HeaderProviderError(t *testing.T) {
	boom := errors.New("keychain locked")
	a := &Auth{Provider: func(context.Context) (string, error) { return "", boom }}

	if _, err := a.Header(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Header() error = %v, want wrapped %v", err, boom)
	}
}
