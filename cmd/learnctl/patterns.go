package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/agent-learning/internal/app"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

func patternTable(tw *tabwriter.Writer, ps []patterns.Pattern) {
	fmt.Fprintln(tw, "ID\tTASK TYPE\tSTRATEGY\tCONFIDENCE\tSUCCESS\tUSAGE")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%.3f\t%d\n",
			p.ID, p.TaskType, p.Strategy, p.Confidence, p.SuccessRate, p.UsageCount)
	}
}

func (c *cli) patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Browse the shared pattern bank",
	}
	cmd.AddCommand(c.patternsListCmd(), c.patternsSimilarCmd(), c.patternsHistoryCmd())
	return cmd
}

func (c *cli) patternsListCmd() *cobra.Command {
	var opts patterns.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns, most confident first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				ps, err := a.Bank.List(ctx, opts)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), ps, func(tw *tabwriter.Writer) { patternTable(tw, ps) })
			})
		},
	}
	cmd.Flags().StringVar(&opts.TaskType, "task-type", "", "Filter by task type")
	cmd.Flags().Float64Var(&opts.MinConfidence, "min-confidence", 0, "Minimum confidence")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "Maximum rows")
	return cmd
}

func (c *cli) patternsSimilarCmd() *cobra.Command {
	var (
		text     string
		topK     int
		minScore float64
	)
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "Find patterns similar to a task description",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if text == "" {
				return errors.New("--text is required")
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				score := minScore
				if score < 0 {
					score = a.Config.Patterns.DefaultMinScore
				}
				hits, err := a.Bank.FindSimilarText(ctx, text, topK, score)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), hits, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "SCORE\tID\tSTRATEGY\tCONFIDENCE\tDESCRIPTION")
					for _, h := range hits {
						fmt.Fprintf(tw, "%.3f\t%s\t%s\t%.3f\t%s\n",
							h.Score, h.Pattern.ID, h.Pattern.Strategy, h.Pattern.Confidence, h.Pattern.Description)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Task description to match")
	cmd.Flags().IntVar(&topK, "top", 5, "Maximum results")
	cmd.Flags().Float64Var(&minScore, "min-score", -1, "Minimum cosine similarity (config default when negative)")
	return cmd
}

func (c *cli) patternsHistoryCmd() *cobra.Command {
	var (
		signature string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show promotion decisions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Bank.History(ctx, signature, limit)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), entries, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "TIME\tDECISION\tTASK TYPE\tUSAGE\tSUCCESS\tREASON")
					for _, e := range entries {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.3f\t%s\n",
							store.FormatTime(e.CreatedAt), e.Decision, e.TaskType, e.UsageCount, e.SuccessRate, e.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "Restrict to one signature")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func (c *cli) promoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Promote qualifying experience clusters into the pattern bank",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Bank.PromoteFromExperiences(ctx)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), res, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "CLUSTERS\t%d\n", res.Clusters)
					fmt.Fprintf(tw, "PROMOTED\t%d\n", res.Promoted)
					fmt.Fprintf(tw, "MERGED\t%d\n", res.Merged)
					fmt.Fprintf(tw, "REJECTED\t%d\n", res.Rejected)
				})
			})
		},
	}
}

func (c *cli) pruneCmd() *cobra.Command {
	var (
		floor  float64
		minAge time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete low-confidence patterns past a minimum age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				cfg := a.Config.Patterns
				if cmd.Flags().Changed("floor") {
					cfg.PruneConfidenceFloor = floor
				}
				if cmd.Flags().Changed("min-age") {
					cfg.PruneMinAge = minAge
				}
				n, err := a.Bank.Prune(ctx, cfg.PruneConfidenceFloor, cfg.PruneMinAge)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d patterns\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&floor, "floor", 0, "Confidence floor (config default when unset)")
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "Minimum age, e.g. 720h (config default when unset)")
	return cmd
}

func (c *cli) rebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Reload every stored pattern embedding into a fresh index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Bank.RebuildIndex(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d patterns\n", n)
				return nil
			})
		},
	}
}

func (c *cli) maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass (sweep, prune, retention, KV expiry)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sched, err := a.Scheduler()
				if err != nil {
					return err
				}
				r, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				if !r.Ran {
					fmt.Fprintln(cmd.OutOrStdout(), "maintenance lease held by another process, skipped")
					return nil
				}
				return c.render(cmd.OutOrStdout(), r, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "PROMOTED\t%d\n", r.Sweep.Promoted)
					fmt.Fprintf(tw, "MERGED\t%d\n", r.Sweep.Merged)
					fmt.Fprintf(tw, "PATTERNS PRUNED\t%d\n", r.PatternsPruned)
					fmt.Fprintf(tw, "EXPERIENCES PRUNED\t%d\n", r.ExperiencesPruned)
					fmt.Fprintf(tw, "KV EXPIRED\t%d\n", r.KVExpired)
				})
			})
		},
	}
}
