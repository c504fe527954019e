package commands

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "webchat",
	Short: "Embeddable AI chat widget relay server",
	Long: `webchat - relay server for the embeddable AI chat widget.

The server accepts widget WebSocket connections and brokers each one
against the configured language-model services: streaming completion
moderated chunk-by-chunk, speech-to-text for recorded audio input, and
an optional realtime voice bridge.

Example:
  webchat serve --config webchat.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
