package gateway

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/harun/memgate/internal/tracing"
	"github.com/harun/memgate/pkg/judge"
	"github.com/harun/memgate/pkg/memory"
	"github.com/harun/memgate/pkg/shard"
	"github.com/harun/memgate/pkg/similarity"
	"github.com/harun/memgate/pkg/store"
)

const (
	encodeContextWindow = 2 * time.Hour
	encodeContextLimit  = 15
	// encodeDuplicateOverlap is the token overlap above which a proposal
	// repeats a recent record.
	encodeDuplicateOverlap = 0.85
)

// Turn is one conversation exchange offered for auto-encoding.
type Turn struct {
	UserMessage   string `json:"userMessage"`
	AgentResponse string `json:"agentResponse"`
	Topic         string `json:"topic,omitempty"`
	SessionKey    string `json:"sessionKey,omitempty"`
}

// EncodeResult reports what auto-encoding stored.
type EncodeResult struct {
	Encoded    []WriteResult `json:"encoded"`
	Duplicates []string      `json:"duplicates,omitempty"`
	SkipReason string        `json:"skipReason,omitempty"`
}

// AutoEncode lets the judge decide what in turn is worth remembering and
// writes it. Proposals repeating a recently active record are dropped.
func (g *Gateway) AutoEncode(ctx context.Context, turn Turn) (*EncodeResult, error) {
	if g.judge == nil {
		return nil, judge.ErrUnavailable
	}
	if strings.TrimSpace(turn.UserMessage) == "" && strings.TrimSpace(turn.AgentResponse) == "" {
		return nil, ErrEmptyContent
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.auto_encode")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger)

	recent := g.recentRecords(ctx)
	cands := make([]judge.Candidate, len(recent))
	for i, r := range recent {
		cands[i] = judge.Candidate{Event: r.Event, Content: r.Content, Shard: r.Shard}
	}
	d, err := g.judge.Distill(ctx, judge.Turn{
		UserMessage:   turn.UserMessage,
		AgentResponse: turn.AgentResponse,
		Topic:         turn.Topic,
		Recent:        cands,
	})
	if err != nil {
		return nil, err
	}

	out := &EncodeResult{Encoded: []WriteResult{}}
	if !d.WorthRemembering {
		out.SkipReason = d.SkipReason
		return out, nil
	}

	when := g.now().UTC().Format(time.RFC3339)
	for _, p := range d.Memories {
		if repeats(p.Content, recent) {
			out.Duplicates = append(out.Duplicates, p.Content)
			continue
		}
		res, err := g.Write(ctx, WriteRequest{
			Shard:   p.Shard,
			Event:   p.Trigger,
			Content: p.Content,
			Context: map[string]any{
				"source":     "auto-encode",
				"sessionKey": turn.SessionKey,
				"topic":      turn.Topic,
				"when":       when,
			},
			MotivationDelta: p.MotivationDelta,
		})
		if err != nil {
			logger.Warn().Err(err).Str("shard", p.Shard).Msg("Skipping proposed memory")
			continue
		}
		if res.Deduplicated {
			out.Duplicates = append(out.Duplicates, p.Content)
			continue
		}
		out.Encoded = append(out.Encoded, *res)
		recent = append(recent, memory.Record{Event: res.Event, Content: p.Content, Shard: res.Shard})
	}

	logger.Info().
		Int("encoded", len(out.Encoded)).
		Int("duplicates", len(out.Duplicates)).
		Msg("Conversation turn encoded")
	return out, nil
}

// recentRecords gathers records activated within the encode window from
// every recallable shard that is not offline, newest first.
func (g *Gateway) recentRecords(ctx context.Context) []memory.Record {
	now := g.now()
	var out []memory.Record
	for _, c := range shard.RecallableCategories() {
		if g.registry.Status(c) == shard.StatusOffline {
			continue
		}
		res, err := g.exec.Execute(ctx, c, store.Recent(encodeContextWindow, encodeContextLimit, now), shard.CallOptions{})
		if err != nil {
			continue
		}
		for _, row := range res.Rows {
			out = append(out, row.Record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivated.After(out[j].LastActivated) })
	if len(out) > encodeContextLimit {
		out = out[:encodeContextLimit]
	}
	return out
}

func repeats(content string, recent []memory.Record) bool {
	tokens := similarity.QueryTokens(content)
	for _, r := range recent {
		if similarity.Overlap(tokens, similarity.QueryTokens(r.Content)) > encodeDuplicateOverlap {
			return true
		}
	}
	return false
}
