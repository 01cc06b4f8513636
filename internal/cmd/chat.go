package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/davidop/marketing-agent-comm-sub000/internal/agentclient"
	"github.com/davidop/marketing-agent-comm-sub000/internal/conversion"
	"github.com/davidop/marketing-agent-comm-sub000/internal/fileutil"
	"github.com/davidop/marketing-agent-comm-sub000/internal/logging"
)

var (
	// chat-specific flags
	oncePrompt   string
	onceWait     time.Duration
	outputFormat string
	metaFlags    []string
	contextFlag  string
	noWatch      bool
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the configured agent",
	Long: `Start an interactive conversation with the configured agent.

Use --once to send a single message and print the reply:
  agentcomm chat --once "What is the capital of France?"

With the polling transport the reply arrives asynchronously; --wait
bounds how long --once waits for it.

Commands (interactive mode only):
  /meta key=value  - Attach metadata to every message
  /context "text"  - Attach a context value to every message
  /clear           - Forget metadata and context
  /state           - Show connection state
  /reconnect       - Start a new conversation
  /save path       - Write the transcript to a JSON file
  /quit, /exit     - Exit the CLI
  /help            - Show available commands`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single message and exit (non-interactive mode)")
	chatCmd.Flags().DurationVar(&onceWait, "wait", 30*time.Second, "How long --once waits for a polled reply")
	chatCmd.Flags().StringVar(&outputFormat, "format", conversion.FormatRaw, "Reply format: raw, plain or html")
	chatCmd.Flags().StringArrayVar(&metaFlags, "meta", nil, "Metadata key=value sent with every message (repeatable)")
	chatCmd.Flags().StringVar(&contextFlag, "context", "", "Context value sent with every message")
	chatCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload credentials when the config file changes")
}

// chatSession ties a client to the terminal.
type chatSession struct {
	handle    *clientHandle
	converter *conversion.Converter
	format    string
	send      sendState

	outMu sync.Mutex
	out   io.Writer
	errw  io.Writer

	transcriptMu sync.Mutex
	transcript   []agentclient.AgentMessage
}

func newChatSession(handle *clientHandle, format string, out, errw io.Writer) (*chatSession, error) {
	converter := conversion.DefaultConverter()
	if _, err := converter.Render(format, ""); err != nil {
		return nil, err
	}
	return &chatSession{
		handle:    handle,
		converter: converter,
		format:    format,
		out:       out,
		errw:      errw,
	}, nil
}

func (s *chatSession) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *chatSession) errorf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.errw, format, args...)
}

// render formats an assistant reply, falling back to the raw text.
func (s *chatSession) render(text string) string {
	out, err := s.converter.Render(s.format, text)
	if err != nil {
		return text
	}
	return out
}

// printReplies prints assistant messages as they arrive and returns the unsubscribe function.
func (s *chatSession) printReplies() func() {
	return s.handle.client.OnMessage(func(m agentclient.AgentMessage) {
		if m.Role != agentclient.RoleAssistant {
			return
		}
		s.printf("\n🤖 %s\n", s.render(m.Text))
	})
}

// recordTranscript keeps every message of the session for /save.
func (s *chatSession) recordTranscript() func() {
	return s.handle.client.OnMessage(func(m agentclient.AgentMessage) {
		s.transcriptMu.Lock()
		defer s.transcriptMu.Unlock()
		s.transcript = append(s.transcript, m)
	})
}

// saveTranscript writes the messages so far to path as JSON.
func (s *chatSession) saveTranscript(path string) (int, error) {
	s.transcriptMu.Lock()
	messages := append([]agentclient.AgentMessage(nil), s.transcript...)
	s.transcriptMu.Unlock()

	doc := transcriptFile{
		Transport:      s.handle.transport,
		ConversationID: s.handle.client.SessionID(),
		SavedAt:        time.Now().UTC(),
		Messages:       messages,
	}
	if err := fileutil.WriteJSONAtomic(path, doc, 0o600); err != nil {
		return 0, err
	}
	return len(messages), nil
}

// transcriptFile is the /save output format.
type transcriptFile struct {
	Transport      string                     `json:"transport"`
	ConversationID string                     `json:"conversation_id,omitempty"`
	SavedAt        time.Time                  `json:"saved_at"`
	Messages       []agentclient.AgentMessage `json:"messages"`
}

// handleCommand runs one slash command. errQuit ends the session.
func (s *chatSession) handleCommand(ctx context.Context, line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		s.errorf("❌ %v\n", err)
		return nil
	}

	switch cmd.name {
	case "quit", "exit", "q":
		s.printf("👋 Goodbye!\n")
		return errQuit
	case "help", "h", "?":
		s.printf("%s\n", helpText())
	case "meta":
		if err := s.send.setMeta(cmd.args); err != nil {
			s.errorf("❌ %v\n", err)
			return nil
		}
		s.printf("✅ Metadata updated\n")
	case "context":
		if err := s.send.setContext(cmd.args); err != nil {
			s.errorf("❌ %v\n", err)
			return nil
		}
		s.printf("✅ Context set\n")
	case "clear":
		s.send.clear()
		s.printf("✅ Metadata and context cleared\n")
	case "state":
		id := s.handle.client.SessionID()
		if id == "" {
			id = "(none)"
		}
		s.printf("   transport: %s\n   state: %s\n   conversation: %s\n%s",
			s.handle.transport, s.handle.client.State(), id, s.send.describe())
	case "reconnect":
		s.handle.client.Disconnect()
		if err := s.handle.client.Connect(ctx); err != nil {
			s.errorf("❌ Reconnect failed: %v\n", err)
			return nil
		}
		id := s.handle.client.SessionID()
		logging.WithConversation(logging.CLI(), id, s.handle.transport).Info("Reconnected")
		s.printf("🔄 Connected: %s\n", id)
	case "save":
		if len(cmd.args) != 1 {
			s.errorf("❌ usage: /save path\n")
			return nil
		}
		n, err := s.saveTranscript(cmd.args[0])
		if err != nil {
			s.errorf("❌ Save failed: %v\n", err)
			return nil
		}
		s.printf("💾 Saved %d messages to %s\n", n, cmd.args[0])
	default:
		s.errorf("❓ Unknown command: %s (use /help for available commands)\n", cmd.name)
	}
	return nil
}

// sendLine sends one user message. Replies are printed by the OnMessage subscriber.
func (s *chatSession) sendLine(ctx context.Context, text string) {
	if _, err := s.handle.client.SendMessage(ctx, text, s.send.options()); err != nil {
		logging.CLI().Debug("Send failed", "error", err)
	}
}

// runOnce sends text and waits for the first assistant reply.
func (s *chatSession) runOnce(ctx context.Context, text string, wait time.Duration) (string, error) {
	replies := make(chan string, 1)
	unsubscribe := s.handle.client.OnMessage(func(m agentclient.AgentMessage) {
		if m.Role != agentclient.RoleAssistant {
			return
		}
		select {
		case replies <- m.Text:
		default:
		}
	})
	defer unsubscribe()

	if err := s.handle.client.Connect(ctx); err != nil {
		return "", err
	}

	reply, err := s.handle.client.SendMessage(ctx, text, s.send.options())
	if err != nil {
		return "", err
	}
	if reply != "" {
		return s.render(reply), nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case reply = <-replies:
		return s.render(reply), nil
	case <-timer.C:
		return "", fmt.Errorf("no reply within %s", wait)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	handle, err := buildClient(cfg)
	if err != nil {
		return err
	}
	defer handle.Close()

	session, err := newChatSession(handle, outputFormat, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if len(metaFlags) > 0 {
		if err := session.send.setMeta(metaFlags); err != nil {
			return err
		}
	}
	if contextFlag != "" {
		session.send.context = contextFlag
	}

	isOnceMode := oncePrompt != ""
	logger := logging.CLI()

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			if !isOnceMode {
				fmt.Println("\n\n👋 Shutting down...")
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	if !noWatch {
		stop, err := watchConfig(loadedFrom, handle.tokens, logger)
		if err != nil {
			logger.Warn("Config reload disabled", "error", err)
		} else {
			defer stop()
		}
	}

	if isOnceMode {
		reply, err := session.runOnce(ctx, oncePrompt, onceWait)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	handle.client.OnError(func(err error) {
		session.errorf("\n❌ %v\n", err)
	})
	handle.client.OnState(func(state agentclient.ConnectionState) {
		logger.Debug("Connection state changed", "state", state)
		switch state {
		case agentclient.StateReconnecting:
			session.errorf("⚠️  Connection trouble, retrying...\n")
		case agentclient.StateError:
			session.errorf("❌ Connection lost. Use /reconnect to start again.\n")
		}
	})
	session.printReplies()
	session.recordTranscript()

	fmt.Printf("🚀 Connecting to %s (%s)\n", cfg.Endpoint(), handle.transport)
	if err := handle.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	logging.WithConversation(logger, handle.client.SessionID(), handle.transport).Info("Conversation ready")
	return runInteractiveLoop(ctx, session)
}

func runInteractiveLoop(ctx context.Context, session *chatSession) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "agentcomm> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Println("\n📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if err := session.handleCommand(ctx, line); errors.Is(err, errQuit) {
				return nil
			}
			continue
		}

		session.sendLine(ctx, line)
	}
}
