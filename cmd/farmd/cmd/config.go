package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/transcodefarm/farmd/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage daemon configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long:  `Writes the built-in defaults to the config path so they can be edited. Refuses to overwrite an existing file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return err
		}
		fmt.Printf("%s is valid (listen %s, database %s)\n", configPath(), cfg.Server.ListenAddr, cfg.Database.Type)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)
}
