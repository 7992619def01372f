// Package cmd contains CLI commands.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/aiqa/server/cli/internal/config"
	"github.com/aiqa/server/cli/internal/output"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	cfg     *config.Config
	format  string
	verbose bool
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "aiqa",
	Short: "AIQA CLI - trace ingestion tooling",
	Long: `aiqa talks to the AIQA trace ingestion server.

It sends test spans over OTLP/HTTP or OTLP/gRPC, converts OTLP payloads
between JSON and protobuf, and prepares API key entries.

Examples:
  # Send a test span with token usage
  aiqa send --input-tokens 120 --output-tokens 40

  # Send the same span over gRPC
  aiqa send --transport grpc

  # Convert an OTLP/JSON file to protobuf
  aiqa encode request.json --out request.pb

  # Print the spans in a payload
  aiqa decode request.pb -o yaml

  # Hash a key for the server's key file
  aiqa hash-key --organisation acme my-secret-key
`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.DefaultConfig()
		if format != "" {
			cfg.Format = format
		}
		if verbose {
			cfg.Verbose = true
		}
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

func newWriter(cmd *cobra.Command) *output.Writer {
	return output.NewWriter(cfg.Format, cmd.OutOrStdout())
}

func outputYAML(cmd *cobra.Command) *output.Writer {
	return output.NewWriter(string(output.FormatYAML), cmd.OutOrStdout())
}

// versionCmd prints version info.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("aiqa version " + Version)
	},
}
