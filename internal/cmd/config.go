package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/davidop/marketing-agent-comm-sub000/config"
	"github.com/davidop/marketing-agent-comm-sub000/internal/config"
	"github.com/davidop/marketing-agent-comm-sub000/internal/fileutil"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect agentcomm configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with credentials masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented starter configuration file",
	Long: `Write the default configuration to the configuration path.

Examples:
  agentcomm config init                        # default path
  agentcomm config init --output ./agent.yaml  # explicit path
  agentcomm config init --force                # overwrite an existing file`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write (default: the configuration path)")
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite an existing configuration file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configOutputPath
	if path == "" {
		path = firstNonEmpty(configPath, config.DefaultConfigPath())
	}

	out := cmd.OutOrStdout()
	err := fileutil.WriteFileAtomic(path, embeddedconfig.DefaultConfigYAML, 0o600, configForce)
	if errors.Is(err, fileutil.ErrExists) {
		fmt.Fprintf(out, "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set the endpoint of your agent service")
	fmt.Fprintln(out, "  2. Store credentials with 'agentcomm auth set-key' or in the file")
	fmt.Fprintln(out, "  3. Run 'agentcomm chat'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := cfg.Redacted().Marshal()
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	out := cmd.OutOrStdout()
	if loadedFrom == "" {
		fmt.Fprintln(out, "# no configuration file found, showing defaults")
	} else {
		fmt.Fprintf(out, "# %s\n", loadedFrom)
	}
	_, err = out.Write(data)
	return err
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := loadedFrom
	if path == "" {
		path = config.DefaultConfigPath()
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
