package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/harun/memgate/pkg/gateway"
	"github.com/harun/memgate/pkg/recall"
	"github.com/spf13/cobra"
)

var writeOpts struct {
	shard     string
	event     string
	context   map[string]string
	delta     map[string]string
	skipDedup bool
}

var writeCmd = &cobra.Command{
	Use:   "write <content>",
	Short: "Store a memory",
	Long: `Store a memory in a shard. Its strength comes from the motivation
delta; near-duplicates of an existing memory are rejected unless
--skip-dedup is given. If the shard is unreachable the write is queued
and replayed when the shard recovers.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWrite,
}

var recallOpts struct {
	limit   int
	shards  []string
	noCache bool
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Recall memories relevant to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecall,
}

var focusLimit int

var focusCmd = &cobra.Command{
	Use:   "focus <intent>",
	Short: "Recall procedural knowledge for carrying out an intent",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFocus,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one memory and its associations",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var encodeOpts struct {
	user      string
	assistant string
	topic     string
	session   string
}

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Let the judge pick what to remember from a conversation turn",
	RunE:  runEncode,
}

func init() {
	wf := writeCmd.Flags()
	wf.StringVar(&writeOpts.shard, "shard", "", "shard (episodic, semantic, procedural, association)")
	wf.StringVar(&writeOpts.event, "event", "", "short event label")
	wf.StringToStringVar(&writeOpts.context, "context", nil, "context entries as key=value")
	wf.StringToStringVar(&writeOpts.delta, "delta", nil, "motivation delta as name=weight")
	wf.BoolVar(&writeOpts.skipDedup, "skip-dedup", false, "store even if a near-duplicate exists")

	rf := recallCmd.Flags()
	rf.IntVar(&recallOpts.limit, "limit", 0, "maximum number of results (default from config)")
	rf.StringSliceVar(&recallOpts.shards, "shard", nil, "restrict recall to these shards")
	rf.BoolVar(&recallOpts.noCache, "no-cache", false, "bypass the recall cache")

	focusCmd.Flags().IntVar(&focusLimit, "limit", 5, "maximum number of results")

	ef := encodeCmd.Flags()
	ef.StringVar(&encodeOpts.user, "user", "", "the user's message")
	ef.StringVar(&encodeOpts.assistant, "assistant", "", "the agent's response")
	ef.StringVar(&encodeOpts.topic, "topic", "", "conversation topic")
	ef.StringVar(&encodeOpts.session, "session", "", "session key")

	rootCmd.AddCommand(writeCmd, recallCmd, focusCmd, getCmd, encodeCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	delta, err := parseWeights(writeOpts.delta)
	if err != nil {
		return err
	}
	req := gateway.WriteRequest{
		Shard:           writeOpts.shard,
		Event:           writeOpts.event,
		Content:         strings.Join(args, " "),
		MotivationDelta: delta,
		SkipDedup:       writeOpts.skipDedup,
	}
	if len(writeOpts.context) > 0 {
		req.Context = make(map[string]any, len(writeOpts.context))
		for k, v := range writeOpts.context {
			req.Context[k] = v
		}
	}

	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		res, err := gw.Write(ctx, req)
		if err != nil {
			return err
		}
		return render(cmd, res, func(w io.Writer) {
			switch {
			case res.Deduplicated:
				fmt.Fprintf(w, "Duplicate of %s (similarity %.2f), not stored\n", res.DuplicateOf, res.Similarity)
			case res.Queued:
				fmt.Fprintf(w, "Queued %s for %s; it will be written when the shard recovers\n", res.ID, res.Shard)
			default:
				fmt.Fprintf(w, "Stored %s in %s (strength %.2f", res.ID, res.Shard, res.Strength)
				if res.Signal != "" {
					fmt.Fprintf(w, ", %s", res.Signal)
				}
				fmt.Fprintln(w, ")")
			}
		})
	})
}

func runRecall(cmd *cobra.Command, args []string) error {
	req := gateway.RecallRequest{
		Query:   strings.Join(args, " "),
		Limit:   recallOpts.limit,
		Shards:  recallOpts.shards,
		NoCache: recallOpts.noCache,
	}
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		resp, err := gw.Recall(ctx, req)
		if err != nil {
			return err
		}
		return render(cmd, resp, func(w io.Writer) {
			if len(resp.Results) == 0 {
				fmt.Fprintf(w, "No memories found (%s, %s)\n", resp.Method, resp.Duration.Round(time.Millisecond))
				return
			}
			for i, r := range resp.Results {
				fmt.Fprintf(w, "%2d. [%s] %s  strength=%.2f", i+1, r.Shard, truncate(r.Content, 80), r.Strength)
				if r.Similarity > 0 {
					fmt.Fprintf(w, " similarity=%.2f", r.Similarity)
				}
				fmt.Fprintf(w, " (%s)\n", r.Source)
			}
			fmt.Fprintf(w, "%d result(s) via %s in %s", len(resp.Results), resp.Method, resp.Duration.Round(time.Millisecond))
			if resp.Cached {
				fmt.Fprintf(w, ", cached (%s)", resp.CacheMatch)
			}
			fmt.Fprintln(w)
		})
	})
}

func runFocus(cmd *cobra.Command, args []string) error {
	intent := strings.Join(args, " ")
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		results, err := gw.ExecutionFocus(ctx, intent, focusLimit)
		if err != nil {
			return err
		}
		if results == nil {
			results = []recall.FocusResult{}
		}
		return render(cmd, results, func(w io.Writer) {
			if len(results) == 0 {
				fmt.Fprintln(w, "No procedural memories found")
				return
			}
			for i, r := range results {
				fmt.Fprintf(w, "%2d. %s  score=%.2f\n", i+1, truncate(r.Content, 80), r.Score)
			}
		})
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		res, err := gw.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return render(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "ID: %s\nShard: %s\nEvent: %s\nStrength: %.3f\n", res.ID, res.Shard, res.Event, res.Strength)
			if res.Signal != "" {
				fmt.Fprintf(w, "Signal: %s\n", res.Signal)
			}
			fmt.Fprintf(w, "Content: %s\n", res.Content)
			for _, a := range res.Associations {
				fmt.Fprintf(w, "  -> %s %s (weight %.2f)\n", a.ID, truncate(a.Event, 60), a.Weight)
			}
		})
	})
}

func runEncode(cmd *cobra.Command, args []string) error {
	turn := gateway.Turn{
		UserMessage:   encodeOpts.user,
		AgentResponse: encodeOpts.assistant,
		Topic:         encodeOpts.topic,
		SessionKey:    encodeOpts.session,
	}
	if turn.UserMessage == "" && turn.AgentResponse == "" {
		return fmt.Errorf("--user or --assistant is required")
	}
	return withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		res, err := gw.AutoEncode(ctx, turn)
		if err != nil {
			return err
		}
		return render(cmd, res, func(w io.Writer) {
			if res.SkipReason != "" {
				fmt.Fprintf(w, "Nothing encoded: %s\n", res.SkipReason)
			}
			for _, e := range res.Encoded {
				fmt.Fprintf(w, "Encoded %s in %s: %s\n", e.ID, e.Shard, truncate(e.Event, 60))
			}
			for _, d := range res.Duplicates {
				fmt.Fprintf(w, "Skipped duplicate: %s\n", truncate(d, 60))
			}
		})
	})
}

// parseWeights converts name=value flag pairs into motivation weights.
func parseWeights(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight for %s: %q", name, v)
		}
		out[name] = f
	}
	return out, nil
}
