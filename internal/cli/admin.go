package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/harun/memgate/pkg/gateway"
	"github.com/harun/memgate/pkg/writequeue"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check every shard once and report its health",
	RunE:  runHealth,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory and relationship counts per shard",
	RunE:  runStats,
}

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one decay sweep over every online shard",
	RunE:  runDecay,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay writes queued for unreachable shards",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes",
	RunE:  runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain [shard]",
	Short: "Replay queued writes for one shard, or all online shards",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueueDrain,
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run a prediction cycle and warm the recall cache",
	RunE:  runPredict,
}

var motivationsCmd = &cobra.Command{
	Use:   "motivations [name=weight ...]",
	Short: "Show or change motivation weights",
	RunE:  runMotivations,
}

var expansionCmd = &cobra.Command{
	Use:   "expansion",
	Short: "Inspect the query expansion cache",
}

var expansionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached expansions, most used first",
	RunE:  runExpansionList,
}

var expansionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached expansion",
	RunE:  runExpansionClear,
}

var expansionWarmCmd = &cobra.Command{
	Use:   "warm <query> [query ...]",
	Short: "Expand queries ahead of time",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExpansionWarm,
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueDrainCmd)
	expansionCmd.AddCommand(expansionListCmd, expansionClearCmd, expansionWarmCmd)
	rootCmd.AddCommand(healthCmd, statsCmd, decayCmd, queueCmd, predictCmd, motivationsCmd, expansionCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		gw.CheckHealth(ctx)
		report := gw.Health()
		return render(cmd, report, func(w io.Writer) {
			fmt.Fprintf(w, "Status: %s (%d/%d shards online)\n", report.Status, report.Online, report.Total)
			for _, s := range report.Shards {
				fmt.Fprintf(w, "  %-12s %-8s %s", s.Category, s.Status, s.Endpoint)
				if s.LastError != "" {
					fmt.Fprintf(w, "  error: %s", s.LastError)
				}
				fmt.Fprintln(w)
			}
			if report.QueuedWrites > 0 {
				fmt.Fprintf(w, "Queued writes: %d\n", report.QueuedWrites)
			}
		})
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		gw.CheckHealth(ctx)
		report, err := gw.Stats(ctx)
		if err != nil {
			return err
		}
		return render(cmd, report, func(w io.Writer) {
			fmt.Fprintf(w, "Status: %s\n", report.Status)
			for _, s := range report.Shards {
				if s.Error != "" {
					fmt.Fprintf(w, "  %-12s %-8s error: %s\n", s.Shard, s.Status, s.Error)
					continue
				}
				fmt.Fprintf(w, "  %-12s %-8s memories=%d relationships=%d avg_strength=%.3f\n",
					s.Shard, s.Status, s.Memories, s.Links, s.AvgStrength)
			}
			fmt.Fprintf(w, "Total: %d memories, %d relationships\n", report.TotalMemories, report.TotalLinks)
			fmt.Fprintf(w, "Queued writes: %d  Indexed vectors: %d  Expansions: %d\n",
				report.QueuedWrites, report.IndexedVectors, report.Expansions)
		})
	})
}

func runDecay(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		gw.CheckHealth(ctx)
		// A partial sweep still reports what it did.
		report, err := gw.Decay(ctx)
		renderErr := render(cmd, report, func(w io.Writer) {
			fmt.Fprintf(w, "Decayed %d memories, %d below the recall threshold\n", report.Decayed, report.Dead)
			if len(report.Skipped) > 0 {
				fmt.Fprintf(w, "Skipped: %s\n", strings.Join(report.Skipped, ", "))
			}
		})
		if err != nil {
			return err
		}
		return renderErr
	})
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		items := gw.QueueItems()
		if items == nil {
			items = []writequeue.Item{}
		}
		return render(cmd, items, func(w io.Writer) {
			if len(items) == 0 {
				fmt.Fprintln(w, "Write queue is empty")
				return
			}
			for _, it := range items {
				fmt.Fprintf(w, "%s  %-12s queued %s  attempts=%d", it.ID, it.Shard, it.QueuedAt.Format("2006-01-02 15:04:05"), it.Attempts)
				if it.LastErr != "" {
					fmt.Fprintf(w, "  last error: %s", it.LastErr)
				}
				fmt.Fprintln(w)
			}
		})
	})
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		gw.CheckHealth(ctx)

		var reports []writequeue.DrainReport
		if len(args) == 1 {
			r, err := gw.Drain(ctx, args[0])
			if err != nil {
				return err
			}
			reports = append(reports, r)
		} else {
			var err error
			reports, err = gw.DrainAll(ctx)
			if err != nil {
				return err
			}
		}
		return render(cmd, reports, func(w io.Writer) {
			for _, r := range reports {
				if r.Skipped {
					fmt.Fprintf(w, "%-12s skipped (offline), %d remaining\n", r.Shard, r.Remaining)
					continue
				}
				fmt.Fprintf(w, "%-12s replayed=%d failed=%d remaining=%d\n", r.Shard, r.Replayed, r.Failed, r.Remaining)
			}
		})
	})
}

func runPredict(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		report, err := gw.PredictNow(ctx)
		if err != nil {
			return err
		}
		return render(cmd, report, func(w io.Writer) {
			if len(report.Predictions) == 0 {
				fmt.Fprintln(w, "No predictions")
				return
			}
			for _, p := range report.Predictions {
				fmt.Fprintf(w, "  %s\n", p)
			}
			fmt.Fprintf(w, "Warmed %d, already cached %d, failed %d\n", report.Warmed, report.Cached, report.Failed)
		})
	})
}

func runMotivations(cmd *cobra.Command, args []string) error {
	updates := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return fmt.Errorf("expected name=weight, got %q", arg)
		}
		updates[name] = value
	}
	weights, err := parseWeights(updates)
	if err != nil {
		return err
	}

	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		current := gw.Motivations()
		if len(weights) > 0 {
			current = gw.SetMotivations(weights)
		}
		return render(cmd, current, func(w io.Writer) {
			names := make([]string, 0, len(current))
			for name := range current {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%-14s %.2f\n", name, current[name])
			}
		})
	})
}

func runExpansionList(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		entries := gw.ExpansionEntries()
		return render(cmd, entries, func(w io.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "Expansion cache is empty")
				return
			}
			for _, e := range entries {
				fmt.Fprintf(w, "%-40s hits=%d  %s\n", truncate(e.Key, 40), e.Hits, strings.Join(e.Queries, " | "))
			}
		})
	})
}

func runExpansionClear(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		n := gw.ClearExpansion()
		return render(cmd, map[string]int{"cleared": n}, func(w io.Writer) {
			fmt.Fprintf(w, "Cleared %d expansions\n", n)
		})
	})
}

func runExpansionWarm(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		report := gw.WarmExpansion(ctx, args)
		return render(cmd, report, func(w io.Writer) {
			fmt.Fprintf(w, "Warmed %d, already cached %d\n", report.Warmed, report.Cached)
		})
	})
}
