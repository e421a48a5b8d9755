package main

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nids-responder/internal/audit"
	"nids-responder/internal/correlation"
	"nids-responder/internal/risk"
	"nids-responder/internal/search"
	"nids-responder/internal/window"
)

// withPipeline loads the configuration, builds the pipeline, runs fn and
// closes the pipeline.
func (o *rootOptions) withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *pipeline) error) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := newPipeline(ctx, cfg, logger, pipelineOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("failed to close pipeline", "error", err)
		}
	}()
	return fn(ctx, p)
}

func windowFlag(cmd *cobra.Command, token *string) {
	cmd.Flags().StringVarP(token, "window", "w", window.Default,
		"correlation window ("+strings.Join(window.Tokens(), ", ")+")")
}

func newEvaluateCmd(opts *rootOptions) *cobra.Command {
	var (
		token string
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate [ip]",
		Short: "Decide on an address and apply the response",
		Long: `Correlates, scores and decides on one address (or every address with
detections in the window when --all is set), applies the action against
the simulated firewall and records the decision in the audit log.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no address")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires an address, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				if all {
					outcomes, err := p.service.EvaluateAll(ctx, token)
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{"window": token, "count": len(outcomes), "outcomes": outcomes})
				}
				out, err := p.service.Evaluate(ctx, args[0], token)
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	windowFlag(cmd, &token)
	cmd.Flags().BoolVar(&all, "all", false, "evaluate every address seen in the window")
	return cmd
}

func newCorrelateCmd(opts *rootOptions) *cobra.Command {
	var token, address string
	cmd := &cobra.Command{
		Use:   "correlate",
		Short: "Show per-address, per-label correlations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress(address); err != nil {
				return err
			}
			return opts.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				corrs, err := p.correlator.Correlate(ctx, token)
				if err != nil {
					return err
				}
				if address != "" {
					corrs = correlation.ForAddress(corrs, address)
				}
				if corrs == nil {
					corrs = []correlation.Correlation{}
				}
				return printJSON(cmd, map[string]any{"window": token, "count": len(corrs), "correlations": corrs})
			})
		},
	}
	windowFlag(cmd, &token)
	cmd.Flags().StringVar(&address, "ip", "", "only this source address")
	return cmd
}

func newRiskCmd(opts *rootOptions) *cobra.Command {
	var token, address string
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Score risk and confidence per address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAddress(address); err != nil {
				return err
			}
			return opts.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				results, err := p.service.Risk(ctx, token)
				if err != nil {
					return err
				}
				if address != "" {
					r, ok := risk.Find(results, address)
					if !ok {
						return fmt.Errorf("no detections for %s in the last %s", address, token)
					}
					return printJSON(cmd, r)
				}
				if results == nil {
					results = []risk.Result{}
				}
				return printJSON(cmd, map[string]any{"window": token, "count": len(results), "risks": results})
			})
		},
	}
	windowFlag(cmd, &token)
	cmd.Flags().StringVar(&address, "ip", "", "only this source address")
	return cmd
}

func newBlockedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List hard-blocked addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				recs, err := p.engine.Blocked(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"count": len(recs), "blocked": recs})
			})
		},
	}
}

func newDetectionsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		query string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "detections",
		Short: "Show or search stored detections",
		Long: `Without --query, prints the newest stored detections. With --query,
searches them, e.g.:

  responder detections -q 'label:malware OR ip:203.0.113.0/24 action:blocked'
  responder detections -q 'label:port* time>now-1h'

Fields: ip, label, action, time. Operators: : = != ~ !~ > >= < <=.
AND binds tighter than OR. Bare words match the address or the label.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return opts.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				if cmd.Flags().Changed("query") {
					exec := search.NewExecutor(p.events, p.logger)
					q, err := exec.Parse(query)
					if err != nil {
						return err
					}
					resp, err := exec.Search(ctx, q, search.Options{Limit: limit, Lookback: since})
					if err != nil {
						return err
					}
					return printJSON(cmd, resp)
				}
				events, err := p.events.Recent(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"count": len(events), "detections": events})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum detections to show")
	cmd.Flags().StringVarP(&query, "query", "q", "", "search expression")
	cmd.Flags().DurationVar(&since, "since", search.DefaultLookback, "search lookback when the query has no time lower bound")
	return cmd
}

func newVerifyAuditCmd(opts *rootOptions) *cobra.Command {
	var dir, file string
	cmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Verify the audit log hash chain",
		Long: `Walks every rotated audit file and the active one in order, checking
each entry's hash and its link to the previous entry. Exits non-zero at
the first broken link.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Audit.Dir
			}
			if file == "" {
				file = cfg.Audit.FileName
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			res, err := audit.VerifyDir(ctx, dir, file)
			if err != nil {
				return fmt.Errorf("audit chain broken: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "audit directory (default from config)")
	cmd.Flags().StringVar(&file, "file", "", "active audit file name (default from config)")
	return cmd
}

// checkAddress accepts an empty filter or a valid IP.
func checkAddress(address string) error {
	if address == "" {
		return nil
	}
	if _, err := netip.ParseAddr(address); err != nil {
		return fmt.Errorf("invalid ip address %q", address)
	}
	return nil
}
