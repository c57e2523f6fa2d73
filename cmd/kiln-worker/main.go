package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	flagJSONParam string // value of --json-param
	flagID        string // value of --id
	flagVerbose   bool   // value of --verbose
)

func main() {
	rootCmd.Flags().StringVar(&flagJSONParam, "json-param", "{}", "job parameters as a JSON object")
	rootCmd.Flags().StringVar(&flagID, "id", "", "job identity used for logging")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// stdout carries the protocol; errors are logged to stderr instead.
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("kiln-worker failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "kiln-worker <processor>",
	Short:        "Runs one processor and reports progress and its result to the host",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         doProcess,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list the available processors",
	Args:  cobra.NoArgs,
	RunE:  doList,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("kiln-worker: version info not available")
			return
		}
		fmt.Printf("kiln-worker: %s\n", info.Main.Version)
		fmt.Printf("go:          %s\n", info.GoVersion)
	},
}
