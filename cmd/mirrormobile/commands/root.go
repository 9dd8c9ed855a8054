package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "mirrormobile",
		Short: "MirrorMobile - Mirror the phone screen to a car head unit",
		Long: `MirrorMobile mirrors the screen onto a head unit display while the vehicle
is parked, and pauses while it is driving.

Features:
  • Screen capture with an explicit permission step
  • Automatic start when the head unit surface appears
  • Driving detection from vehicle speed
  • Wake lock and persistent notification while mirroring
  • REST and websocket control API
  • Prometheus metrics`,
		SilenceUsage: true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mirrormobile/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
