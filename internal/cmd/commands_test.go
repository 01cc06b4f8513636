package cmd

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantName string
		wantArgs []string
		wantErr  bool
	}{
		{name: "bare command", line: "/help", wantName: "help"},
		{name: "uppercase is folded", line: "/QUIT", wantName: "quit"},
		{name: "surrounding space", line: "  /state  ", wantName: "state"},
		{name: "key value pairs", line: "/meta a=1 b=2", wantName: "meta", wantArgs: []string{"a=1", "b=2"}},
		{name: "double quotes", line: `/context "two words"`, wantName: "context", wantArgs: []string{"two words"}},
		{name: "single quotes", line: `/meta 'k=v w'`, wantName: "meta", wantArgs: []string{"k=v w"}},
		{name: "escaped space", line: `/context a\ b`, wantName: "context", wantArgs: []string{"a b"}},
		{name: "not a command", line: "hello", wantErr: true},
		{name: "slash only", line: "/", wantErr: true},
		{name: "unterminated quote", line: `/context "open`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseCommand(%q) = %+v, want error", tt.line, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand(%q) error = %v", tt.line, err)
			}
			if got.name != tt.wantName {
				t.Errorf("name = %q, want %q", got.name, tt.wantName)
			}
			if len(got.args) != 0 || len(tt.wantArgs) != 0 {
				if !reflect.DeepEqual(got.args, tt.wantArgs) {
					t.Errorf("args = %q, want %q", got.args, tt.wantArgs)
				}
			}
		})
	}
}

func TestSendState_Meta(t *testing.T) {
	var s sendState

	if err := s.setMeta(nil); err == nil {
		t.Error("setMeta(nil) should fail")
	}
	if err := s.setMeta([]string{"novalue"}); err == nil {
		t.Error("setMeta without = should fail")
	}
	if err := s.setMeta([]string{"=x"}); err == nil {
		t.Error("setMeta with empty key should fail")
	}

	if err := s.setMeta([]string{"campaign=spring", "tone=formal=ish"}); err != nil {
		t.Fatalf("setMeta: %v", err)
	}
	if err := s.setMeta([]string{"campaign=summer", "bad"}); err == nil {
		t.Fatal("invalid pair should fail")
	}

	opts := s.options()
	want := map[string]any{"campaign": "spring", "tone": "formal=ish"}
	if !reflect.DeepEqual(opts.Metadata, want) {
		t.Errorf("Metadata = %v, want %v (a failed /meta must not apply partially)", opts.Metadata, want)
	}

	// The options carry a copy.
	opts.Metadata["campaign"] = "changed"
	if s.metadata["campaign"] != "spring" {
		t.Error("options() should not alias the session metadata")
	}
}

func TestSendState_ContextAndClear(t *testing.T) {
	var s sendState
	if opts := s.options(); opts.Context != nil || opts.Metadata != nil {
		t.Fatalf("empty state options = %+v", opts)
	}

	if err := s.setContext(nil); err == nil {
		t.Error("setContext(nil) should fail")
	}
	if err := s.setContext([]string{"launch", "week"}); err != nil {
		t.Fatalf("setContext: %v", err)
	}
	if got := s.options().Context; got != "launch week" {
		t.Errorf("Context = %v, want %q", got, "launch week")
	}

	_ = s.setMeta([]string{"k=v"})
	desc := s.describe()
	if !strings.Contains(desc, "k=v") || !strings.Contains(desc, "launch week") {
		t.Errorf("describe() = %q", desc)
	}

	s.clear()
	if opts := s.options(); opts.Context != nil || opts.Metadata != nil {
		t.Errorf("options after clear = %+v", opts)
	}
	if !strings.Contains(s.describe(), "(none)") {
		t.Errorf("describe() after clear = %q", s.describe())
	}
}

func TestMatchCommands(t *testing.T) {
	tests := []struct {
		prefix string
		want   []string
	}{
		{prefix: "/h", want: []string{"/help", "/h"}},
		{prefix: "/he", want: []string{"/help"}},
		{prefix: "/q", want: []string{"/quit", "/q"}},
		{prefix: "/re", want: []string{"/reconnect"}},
		{prefix: "/c", want: []string{"/context", "/clear"}},
		{prefix: "/xyz", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			var got []string
			for _, i := range matchCommands(tt.prefix) {
				got = append(got, slashCommands[i].name)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matchCommands(%q) = %v, want %v", tt.prefix, got, tt.want)
			}
		})
	}

	if n := len(matchCommands("/")); n != len(slashCommands) {
		t.Errorf("matchCommands(\"/\") = %d commands, want %d", n, len(slashCommands))
	}
}

func TestCompleteInput_NoPanic(t *testing.T) {
	// Completions are opaque; this checks the cursor and prefix handling.
	for _, tc := range []struct {
		line   string
		cursor int
	}{
		{"", 0},
		{"hello", 5},
		{"/", 1},
		{"/h", 100},
		{"/meta a=1", 9},
		{"/help extra", 2},
	} {
		_ = completeInput(tc.line, tc.cursor)
	}
}

func TestSlashCommandsDefinition(t *testing.T) {
	seen := make(map[string]bool)
	for _, cmd := range slashCommands {
		if !strings.HasPrefix(cmd.name, "/") {
			t.Errorf("command %q should start with /", cmd.name)
		}
		if cmd.description == "" {
			t.Errorf("command %s has empty description", cmd.name)
		}
		if seen[cmd.name] {
			t.Errorf("duplicate command %s", cmd.name)
		}
		seen[cmd.name] = true
	}
	for _, name := range []string{"/meta", "/context", "/clear", "/state", "/reconnect", "/help", "/quit"} {
		if !seen[name] {
			t.Errorf("missing command %s", name)
		}
	}
}
