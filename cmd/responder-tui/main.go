// Command responder-tui is a terminal console for a running responder.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nids-responder/internal/tui"
)

var version = "dev"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	var serverURL, apiKey string

	cmd := &cobra.Command{
		Use:           "responder-tui",
		Short:         "Terminal console for the responder API",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Connecting to: %s\n", serverURL)
			return tui.Run(serverURL, apiKey)
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", envOr("RESPONDER_URL", "http://localhost:8080"), "responder server URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("RESPONDER_API_KEY"), "API key sent as X-API-Key")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
