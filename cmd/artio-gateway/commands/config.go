package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"artio/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect artio-gateway configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `show loads configuration the same way run does (flags > env > YAML file >
defaults) and prints the resolved result, so an operator can see exactly
what run would use without starting the gateway.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.New(), cfgFile)
		if err != nil {
			return err
		}
		out, err := config.Show(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
