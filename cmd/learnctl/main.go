// Command learnctl inspects and administers a shared agent learning store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/agent-learning/internal/app"
	"github.com/danielpatrickdp/agent-learning/internal/config"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
)

// cli carries the persistent flags shared by every subcommand.
type cli struct {
	dbPath     string
	configPath string
	output     string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "learnctl",
		Short: "Inspect and administer agent learning state",
		Long: `learnctl reads and maintains the SQLite store shared by learning agents.

Examples:
  learnctl status --agent gen-1
  learnctl qtable --agent gen-1 -o yaml
  learnctl patterns similar --text "flaky integration tests"
  learnctl promote`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch c.output {
			case "table", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unknown output format %q (table, json, yaml)", c.output)
			}
		},
	}
	root.PersistentFlags().StringVar(&c.dbPath, "db", "", "Path to the learning database (overrides config)")
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "table", "Output format (table, json, yaml)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		c.statusCmd(),
		c.agentsCmd(),
		c.qtableCmd(),
		c.experiencesCmd(),
		c.resetCmd(),
		c.replayCmd(),
		c.patternsCmd(),
		c.promoteCmd(),
		c.pruneCmd(),
		c.rebuildIndexCmd(),
		c.maintainCmd(),
	)
	return root
}

// open loads configuration and wires the store for one command.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.dbPath != "" {
		cfg.Store.Path = c.dbPath
	}
	cfg.Logging.Format = "console"
	cfg.Logging.Level = "warn"
	if c.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logger, nil)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// render writes v as JSON or YAML, or calls table for the default format.
func (c *cli) render(w io.Writer, v any, table func(tw *tabwriter.Writer)) error {
	switch c.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}
