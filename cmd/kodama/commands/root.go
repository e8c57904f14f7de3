package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kodama",
	Short: "Standalone proof-of-work generation server for the Nano network",
	Long: `Kodama is a dedicated work server: it accepts work_generate,
work_validate and work_cancel requests over HTTP and WebSocket, schedules
Blake2b nonce searches across the configured CPU and GPU devices, and
reports queue state for monitoring.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus KODAMA_ env vars)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
