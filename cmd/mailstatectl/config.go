package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailstate/mailstate/config"
)

var describeConfigCmd = &cobra.Command{
	Use:   "describe-config",
	Short: "Print an annotated example config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Describe(os.Stdout)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Parse and check the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		pterm.Success.Printfln("config file %s is valid", configPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(describeConfigCmd, checkConfigCmd)
}
