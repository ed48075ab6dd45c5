package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/agent-learning/internal/app"
	"github.com/danielpatrickdp/agent-learning/internal/experience"
	"github.com/danielpatrickdp/agent-learning/internal/learning"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

func requireAgent(agent string) error {
	if agent == "" {
		return errors.New("--agent is required")
	}
	return nil
}

func (c *cli) statusCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show an agent's learning status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireAgent(agent); err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				st := learning.GetStatus(ctx, a.Store, agent, a.Config.Learning)
				return c.render(cmd.OutOrStdout(), st, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "AGENT\t%s\n", st.AgentID)
					fmt.Fprintf(tw, "ENABLED\t%t\n", st.Enabled)
					fmt.Fprintf(tw, "EXPERIENCES\t%d\n", st.TotalExperiences)
					fmt.Fprintf(tw, "EXPLORATION\t%.4f\n", st.ExplorationRate)
					fmt.Fprintf(tw, "PATTERNS\t%d\n", st.PatternCount)
				})
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID")
	return cmd
}

func (c *cli) agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents with learning state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				agents, err := learning.Agents(ctx, a.Store)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), agents, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "AGENT")
					for _, id := range agents {
						fmt.Fprintln(tw, id)
					}
				})
			})
		},
	}
}

func (c *cli) qtableCmd() *cobra.Command {
	var agent, state string
	cmd := &cobra.Command{
		Use:   "qtable",
		Short: "Print an agent's Q-values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireAgent(agent); err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rows, err := learning.InspectQValues(ctx, a.Store, agent, state)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), rows, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "STATE\tACTION\tQ\tUPDATES\tLAST UPDATED")
					for _, r := range rows {
						fmt.Fprintf(tw, "%s\t%s\t%.4f\t%d\t%s\n",
							r.StateKey, r.Action, r.QValue, r.UpdateCount, store.FormatTime(r.LastUpdated))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID")
	cmd.Flags().StringVar(&state, "state", "", "Restrict to one state key")
	return cmd
}

// clusterView is one (task type, state, action) cluster and the candidate
// the promotion gate would see for it.
type clusterView struct {
	Candidate   patterns.Candidate      `json:"candidate" yaml:"candidate"`
	Experiences []experience.Experience `json:"experiences" yaml:"experiences"`
}

func (c *cli) experiencesCmd() *cobra.Command {
	var (
		agent, taskType string
		state, action   string
		limit           int
	)
	cmd := &cobra.Command{
		Use:   "experiences",
		Short: "List recorded experiences, newest first",
		Long: `List recorded experiences, newest first.

With --state and --action (and --task-type) the command shows that cluster
in append order together with its promotion candidate.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if state != "" || action != "" {
				if taskType == "" || state == "" || action == "" {
					return errors.New("--task-type, --state and --action are required together")
				}
				return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
					return c.showCluster(ctx, cmd, a, experience.Cluster{TaskType: taskType, State: state, Action: action})
				})
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				exps, err := a.Experiences.List(ctx, experience.Query{AgentID: agent, TaskType: taskType, Limit: limit})
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), exps, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "TIME\tAGENT\tTASK\tACTION\tREWARD\tSTATE")
					for _, e := range exps {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%s\n",
							store.FormatTime(e.Timestamp), e.AgentID, e.TaskID, e.Action, e.Reward, e.State)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (all agents when empty)")
	cmd.Flags().StringVar(&taskType, "task-type", "", "Filter by task type")
	cmd.Flags().StringVar(&state, "state", "", "Cluster state key")
	cmd.Flags().StringVar(&action, "action", "", "Cluster action")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}

func (c *cli) showCluster(ctx context.Context, cmd *cobra.Command, a *app.App, cl experience.Cluster) error {
	members, err := a.Experiences.Members(ctx, cl)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return fmt.Errorf("no experiences for %s / %s / %s", cl.TaskType, cl.State, cl.Action)
	}
	cand, err := patterns.ExtractCandidate(members, a.Config.Patterns.SuccessThreshold)
	if err != nil {
		return err
	}
	view := clusterView{Candidate: cand, Experiences: members}
	return c.render(cmd.OutOrStdout(), view, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "SIGNATURE\t%s\n", cand.Signature)
		fmt.Fprintf(tw, "USAGE\t%d\n", cand.UsageCount)
		fmt.Fprintf(tw, "SUCCESS\t%.3f\n", cand.SuccessRate)
		fmt.Fprintf(tw, "MEAN REWARD\t%.3f\n", cand.MeanReward)
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TIME\tAGENT\tTASK\tREWARD")
		for _, e := range members {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\n", store.FormatTime(e.Timestamp), e.AgentID, e.TaskID, e.Reward)
		}
	})
}

func (c *cli) resetCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete an agent's Q-values, experiences and exploration rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireAgent(agent); err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				e, err := a.Engine(agent)
				if err != nil {
					return err
				}
				if err := e.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", agent)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID")
	return cmd
}

func (c *cli) replayCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild an agent's Q-table from its experience log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireAgent(agent); err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				e, err := a.Engine(agent)
				if err != nil {
					return err
				}
				sum, err := e.Replay(ctx)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), sum, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "EXPERIENCES\t%d\n", sum.Experiences)
					fmt.Fprintf(tw, "ENTRIES\t%d\n", sum.Entries)
					fmt.Fprintf(tw, "STATES\t%d\n", sum.States)
					fmt.Fprintf(tw, "EXPLORATION\t%.4f\n", sum.ExplorationRate)
					fmt.Fprintf(tw, "MAX DRIFT\t%.6f\n", sum.MaxDrift)
				})
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID")
	return cmd
}
