package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidop/marketing-agent-comm-sub000/internal/logging"
	"github.com/davidop/marketing-agent-comm-sub000/internal/mockagent"
)

var (
	mockAddr      string
	mockAPIKey    string
	mockKeyHeader string
	mockReply     string
	mockRPS       float64
	mockBurst     int
	mockAccessLog string
)

// mockCmd runs the in-process mock agent as a standalone server.
var mockCmd = &cobra.Command{
	Use:   "mock-agent",
	Short: "Run a local mock agent service",
	Long: `Run a mock agent that speaks both transports:

  POST /v3/directline/conversations            (polling transport)
  POST /v3/directline/conversations/{id}/activities
  GET  /v3/directline/conversations/{id}/activities?watermark=N
  POST /chat                                   (direct transport)

Every user message gets one reply. Useful for trying the CLI without a
real agent:

  agentcomm mock-agent --addr 127.0.0.1:8080 &
  agentcomm chat --transport polling --endpoint http://127.0.0.1:8080/v3/directline`,
	Args: cobra.NoArgs,
	RunE: runMockAgent,
}

func init() {
	rootCmd.AddCommand(mockCmd)
	addMockFlags(mockCmd)
}

func addMockFlags(c *cobra.Command) {
	c.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8080", "Listen address")
	c.Flags().StringVar(&mockAPIKey, "api-key", "", "Require this API key on every request")
	c.Flags().StringVar(&mockKeyHeader, "api-key-header", "x-api-key", "Header carrying the API key")
	c.Flags().StringVar(&mockReply, "reply", "echo", "Reply style: echo (text field) or value (value field)")
	c.Flags().Float64Var(&mockRPS, "rate-limit", 0, "Requests per second allowed per client, 0 disables")
	c.Flags().IntVar(&mockBurst, "burst", 5, "Burst size for --rate-limit")
	c.Flags().StringVar(&mockAccessLog, "access-log", "", "Write an access log to this file (rotated)")
}

// mockOptions turns the flags into server options.
func mockOptions() ([]mockagent.Option, error) {
	opts := []mockagent.Option{
		mockagent.WithLogger(logging.Mock()),
		mockagent.WithRateLimit(mockRPS, mockBurst),
	}
	switch mockReply {
	case "echo":
		opts = append(opts, mockagent.WithReply(mockagent.EchoReply))
	case "value":
		opts = append(opts, mockagent.WithReply(mockagent.ValueReply))
	default:
		return nil, fmt.Errorf("unknown reply style %q (want echo or value)", mockReply)
	}
	if mockAPIKey != "" {
		opts = append(opts, mockagent.WithAPIKey(mockKeyHeader, mockAPIKey))
	}
	return opts, nil
}

// RunMockAgent executes only the mock-agent command, for the standalone binary.
func RunMockAgent() error {
	c := &cobra.Command{
		Use:               "mock-agent",
		Short:             mockCmd.Short,
		Long:              mockCmd.Long,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: rootCmd.PersistentPreRunE,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Close()
		},
		RunE: runMockAgent,
	}
	c.PersistentFlags().AddFlagSet(rootCmd.PersistentFlags())
	addMockFlags(c)
	return c.Execute()
}

func runMockAgent(cmd *cobra.Command, args []string) error {
	opts, err := mockOptions()
	if err != nil {
		return err
	}
	logger := logging.Mock()

	var handler http.Handler = mockagent.New(opts...)
	if accessLog := mockagent.NewAccessLogger(mockagent.AccessLogConfig{Path: mockAccessLog}); accessLog != nil {
		defer accessLog.Close()
		handler = accessLog.Middleware(handler)
	}

	listener, err := net.Listen("tcp", mockAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", mockAddr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		logger.Info("Shutting down mock agent")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	fmt.Printf("🤖 Mock agent listening on http://%s\n", listener.Addr())
	fmt.Printf("   polling endpoint: http://%s%s\n", listener.Addr(), mockagent.DirectLinePrefix)
	fmt.Printf("   direct endpoint:  http://%s%s\n", listener.Addr(), mockagent.ChatPath)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mock agent: %w", err)
	}
	return nil
}
