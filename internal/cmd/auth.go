package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidop/marketing-agent-comm-sub000/internal/secrets"
)

// authCmd represents the auth parent command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the agent API key in the OS credential store",
	Long: `Store or remove the agent API key in the OS credential store.

The stored key is used when the configuration sets auth.keychain: true
and auth.api_key is empty.`,
}

var authSetKeyCmd = &cobra.Command{
	Use:   "set-key [key]",
	Short: "Store the API key (reads stdin when no argument is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuthSetKey,
}

var authDeleteKeyCmd = &cobra.Command{
	Use:   "delete-key",
	Short: "Remove the stored API key",
	Args:  cobra.NoArgs,
	RunE:  runAuthDeleteKey,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetKeyCmd)
	authCmd.AddCommand(authDeleteKeyCmd)
}

func runAuthSetKey(cmd *cobra.Command, args []string) error {
	if !secrets.IsSupported() {
		return fmt.Errorf("set key: %w", secrets.ErrNotSupported)
	}

	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		var err error
		key, err = readKey(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("set key: empty key")
	}

	if err := secrets.SetAPIKey(key); err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✅ API key stored")
	return nil
}

// readKey reads the first line of r.
func readKey(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok && f == os.Stdin {
		fmt.Fprint(os.Stderr, "API key: ")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	return line, nil
}

func runAuthDeleteKey(cmd *cobra.Command, args []string) error {
	err := secrets.DeleteAPIKey()
	if errors.Is(err, secrets.ErrNotFound) {
		fmt.Fprintln(cmd.OutOrStdout(), "No API key stored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "🗑️  API key removed")
	return nil
}
