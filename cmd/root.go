// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reasm",
	Short: "Reasm - fragment and stream reassembly analyzer for packet captures",
	Long: `Reasm reconstructs higher-layer messages that were split across multiple
captured frames: IPv4 fragmentation, block-sequenced link-layer fragments,
and TCP-carried protocols whose message boundaries are discovered
incrementally (SIP). It reads a capture file offline, reassembles everything
it recognizes, and can traverse the capture a second time to verify that
repeat analysis passes reproduce the first pass exactly.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path")

	rootCmd.AddCommand(analyzeCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
