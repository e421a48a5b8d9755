package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"nids-responder/internal/encryption"
	"nids-responder/internal/secrets"
)

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage encrypted audit archives",
	}
	cmd.AddCommand(newArchiveKeygenCmd(), newArchiveOpenCmd(opts))
	return cmd
}

func newArchiveKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random archive encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newArchiveOpenCmd(opts *rootOptions) *cobra.Command {
	var in, out, key string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Decrypt and decompress a downloaded audit archive",
		Long: `Reads a ".gz.enc" object fetched from the archive bucket, decrypts it
with the configured archive key (or any retained old key) and writes the
original audit log lines.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			archiveCfg := cfg.Archive
			archiveCfg.Enabled = true
			if key != "" {
				archiveCfg.Key = key
			}
			resolver := secrets.NewResolver(cfg.Secrets, logger)
			if err := resolver.ResolveAll(ctx, &archiveCfg.Key); err != nil {
				return err
			}
			sealer, err := encryption.NewSealer(archiveCfg, logger)
			if err != nil {
				return err
			}

			sealed, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			compressed, err := sealer.Open(sealed)
			if err != nil {
				return fmt.Errorf("open %s: %w", in, err)
			}
			zr, err := gzip.NewReader(bytes.NewReader(compressed))
			if err != nil {
				return fmt.Errorf("decompress %s: %w", in, err)
			}
			defer zr.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if _, err := io.Copy(w, zr); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "sealed archive file")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.Flags().StringVar(&key, "key", "", "archive key or secret reference (default from config)")
	cmd.MarkFlagRequired("in")
	return cmd
}
