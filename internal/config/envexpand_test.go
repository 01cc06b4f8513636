package config

import "testing"

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_AGENTCOMM_VAR", "hello")
	t.Setenv("TEST_AGENTCOMM_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"value: ${TEST_AGENTCOMM_VAR}", "value: hello"},
		{"value: ${UNSET_VAR_12345}", "value: "},
		{"value: ${UNSET_VAR_12345:-fallback}", "value: fallback"},
		{"value: ${TEST_AGENTCOMM_VAR:-fallback}", "value: hello"},
		{"value: ${TEST_AGENTCOMM_EMPTY:-fallback}", "value: fallback"},
		{"url: https://${UNSET_HOST_1:-localhost}:${UNSET_PORT_1:-8080}/v3", "url: https://localhost:8080/v3"},
		{"literal: $TEST_AGENTCOMM_VAR", "literal: $TEST_AGENTCOMM_VAR"},
		{"bad: ${1NOPE}", "bad: ${1NOPE}"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ExpandEnv(tt.in); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
