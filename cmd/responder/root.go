package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"nids-responder/internal/config"
	apierrors "nids-responder/internal/errors"
	"nids-responder/internal/logging"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	// logOutput defaults to stderr so command output stays parseable
	logOutput io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{logOutput: os.Stderr}

	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Automated response engine for NIDS detections",
		Long: `responder reads labelled NIDS detections, correlates them per source
address over a time window, scores risk and confidence, decides on a
response, applies it against a simulated firewall, and records every
decision in a hash-chained audit log.

Run "responder serve" for the HTTP API and ingest listeners, or use the
other subcommands to evaluate against the configured stores directly.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format override (json or text)")

	cmd.AddCommand(
		newServeCmd(opts),
		newEvaluateCmd(opts),
		newCorrelateCmd(opts),
		newRiskCmd(opts),
		newBlockedCmd(opts),
		newDetectionsCmd(opts),
		newVerifyAuditCmd(opts),
		newArchiveCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFrom(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}

	logger := logging.New(o.logOutput, logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	apierrors.SetProductionMode(cfg.Server.ProductionMode)
	return cfg, logger, nil
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
