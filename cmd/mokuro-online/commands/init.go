package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LearnCodeWithH/mokuro-online/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a mokuro-online configuration file with production defaults
and a freshly generated secret key.

By default, the file is created at $XDG_CONFIG_HOME/mokuro-online/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  mokuro-online init

  # Initialize with a custom path
  mokuro-online init --config /etc/mokuro-online/config.yaml

  # Force overwrite an existing config
  mokuro-online init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.GetDefaultConfig()
	secret, err := config.GenerateSecretKey()
	if err != nil {
		return err
	}
	cfg.SecretKey = secret

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: mokuro-online start")
	fmt.Printf("  3. Or specify custom config: mokuro-online start --config %s\n", path)
	return nil
}
