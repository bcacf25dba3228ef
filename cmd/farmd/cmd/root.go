package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "farmd",
	Short: "Transcode farm orchestration daemon",
	Long: `farmd schedules transcode jobs across local, SSH, and rented cloud
workers, moves media to and from them, and publishes everything it does
on a websocket event stream.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/farmd/config.yaml)")
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "/etc/farmd/config.yaml"
}
