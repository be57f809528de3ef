package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bms-monitor/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\nAdd your devices before running.\n", path)
		return nil
	},
}
