package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LearnCodeWithH/mokuro-online/pkg/config"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a fresh secret key",
	Long: `Generate a fresh secret key and print it to stdout.

The value is suitable for the secret_key config field or the
MOKURO_ONLINE_SECRET_KEY environment variable:

  export MOKURO_ONLINE_SECRET_KEY=$(mokuro-online secret)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := config.GenerateSecretKey()
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}
