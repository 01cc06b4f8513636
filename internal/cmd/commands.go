package cmd

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/reeflective/readline"

	"github.com/davidop/marketing-agent-comm-sub000/internal/agentclient"
)

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/meta", "Set metadata sent with every message: /meta key=value ..."},
	{"/context", "Set the context value sent with every message: /context \"text\""},
	{"/clear", "Forget metadata and context"},
	{"/state", "Show the connection state and conversation id"},
	{"/reconnect", "Start a new conversation"},
	{"/save", "Write the transcript as JSON: /save path"},
	{"/quit", "Exit the CLI"},
	{"/exit", "Exit the CLI (alias)"},
	{"/q", "Exit the CLI (alias)"},
}

// errQuit is returned by a command that ends the session.
var errQuit = errors.New("quit")

// command is a parsed slash command.
type command struct {
	name string
	args []string
}

// parseCommand tokenizes a slash command line with shell quoting rules, so
// /context "two words" yields a single argument.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{}, fmt.Errorf("not a command: %q", line)
	}
	parts, err := shlex.Split(strings.TrimPrefix(line, "/"))
	if err != nil {
		return command{}, fmt.Errorf("parse command: %w", err)
	}
	if len(parts) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	return command{name: strings.ToLower(parts[0]), args: parts[1:]}, nil
}

// sendState is the per-session data attached to every outgoing message.
type sendState struct {
	metadata map[string]any
	context  any
}

// options returns the SendOptions for the next message.
func (s *sendState) options() agentclient.SendOptions {
	opts := agentclient.SendOptions{Context: s.context}
	if len(s.metadata) > 0 {
		opts.Metadata = maps.Clone(s.metadata)
	}
	return opts
}

// setMeta parses key=value pairs into the metadata map.
func (s *sendState) setMeta(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /meta key=value [key=value ...]")
	}
	pending := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid metadata %q: want key=value", arg)
		}
		pending[key] = value
	}
	if s.metadata == nil {
		s.metadata = make(map[string]any, len(pending))
	}
	maps.Copy(s.metadata, pending)
	return nil
}

func (s *sendState) setContext(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /context \"text\"")
	}
	s.context = strings.Join(args, " ")
	return nil
}

func (s *sendState) clear() {
	s.metadata = nil
	s.context = nil
}

// describe renders the state for /state.
func (s *sendState) describe() string {
	var b strings.Builder
	if len(s.metadata) == 0 {
		b.WriteString("   metadata: (none)\n")
	} else {
		keys := make([]string, 0, len(s.metadata))
		for k := range s.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("   metadata:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "     %s=%v\n", k, s.metadata[k])
		}
	}
	if s.context == nil {
		b.WriteString("   context: (none)\n")
	} else {
		fmt.Fprintf(&b, "   context: %v\n", s.context)
	}
	return b.String()
}

func helpText() string {
	return `
Available commands:
  /meta key=value ...  - Attach metadata to every message
  /context "text"      - Attach a context value to every message
  /clear               - Forget metadata and context
  /state               - Show connection state, conversation id and send options
  /reconnect           - Start a new conversation
  /save path           - Write the transcript to a JSON file
  /quit, /exit, /q     - Exit the CLI
  /help, /h, /?        - Show this help message

Tips:
  - Type your message and press Enter to send it to the agent
  - Quote arguments that contain spaces
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`
}

// completeInput provides tab completion for the CLI input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") || strings.ContainsAny(text, " \t") {
		return readline.Completions{}
	}

	matches := matchCommands(text)
	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for _, i := range matches {
		pairs = append(pairs, slashCommands[i].name, slashCommands[i].description)
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

// matchCommands returns the indexes of slash commands starting with prefix.
func matchCommands(prefix string) []int {
	var out []int
	for i, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, prefix) {
			out = append(out, i)
		}
	}
	return out
}
