// Package judge asks a language model to make relevance decisions the vector
// math cannot: paraphrasing queries, predicting follow-ups, picking the
// relevant candidates per category and distilling conversation turns into
// memories.
//
// Every call is rate limited, bounded by a timeout and schema-checked.
// Any failure is reported as ErrUnavailable so callers can degrade.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/memgate/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"
)

// ErrUnavailable wraps every judge failure.
var ErrUnavailable = errors.New("judge unavailable")

const (
	MaxPredictions = 12
	MaxProposals   = 5
)

// Candidate is a record offered to the judge.
type Candidate struct {
	Event   string
	Content string
	Shard   string
}

// Ranking is a specialist router's pick among candidates.
type Ranking struct {
	Selected   []int   `json:"selected"`
	Confidence float64 `json:"confidence"`
}

// Synthesis is the cross-category pick among already selected candidates.
type Synthesis struct {
	Selected  []int  `json:"selected"`
	Reasoning string `json:"reasoning"`
}

// Proposal is one memory distilled from a conversation turn.
type Proposal struct {
	Shard           string             `json:"shard"`
	Trigger         string             `json:"trigger"`
	Content         string             `json:"content"`
	MotivationDelta map[string]float64 `json:"motivation_delta"`
}

// Distillation is the judge's verdict on a conversation turn.
type Distillation struct {
	WorthRemembering bool       `json:"worth_remembering"`
	Memories         []Proposal `json:"memories"`
	SkipReason       string     `json:"skip_reason"`
}

// Turn is a conversation exchange to distill.
type Turn struct {
	UserMessage   string
	AgentResponse string
	Topic         string
	// Recent records already stored, shown to the judge so it avoids
	// proposing duplicates.
	Recent []Candidate
}

// Judge is the relevance oracle used by recall, the warmer and auto-encode.
type Judge interface {
	Expand(ctx context.Context, query string) ([]string, error)
	Predict(ctx context.Context, recent []string) ([]string, error)
	Rank(ctx context.Context, query, category string, candidates []Candidate, maxPick int) (Ranking, error)
	Merge(ctx context.Context, query string, candidates []Candidate, maxResults int) (Synthesis, error)
	Distill(ctx context.Context, turn Turn) (Distillation, error)
}

// Request is a single prompt sent to a Completer.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completer is a text completion backend.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Config configures an LLMJudge.
type Config struct {
	Completer Completer
	// RequestsPerSecond bounds the call rate; 0 means unlimited.
	RequestsPerSecond float64
	Timeout           time.Duration
	Logger            zerolog.Logger
}

// LLMJudge implements Judge on top of a Completer.
type LLMJudge struct {
	completer Completer
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    zerolog.Logger
	schemas   map[string]*gojsonschema.Schema
}

var _ Judge = (*LLMJudge)(nil)

// New creates an LLMJudge.
func New(cfg Config) (*LLMJudge, error) {
	if cfg.Completer == nil {
		return nil, fmt.Errorf("judge: completer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	schemas := make(map[string]*gojsonschema.Schema, len(responseSchemas))
	for op, src := range responseSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("judge: compile %s schema: %w", op, err)
		}
		schemas[op] = s
	}

	return &LLMJudge{
		completer: cfg.Completer,
		limiter:   rate.NewLimiter(limit, burst),
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		schemas:   schemas,
	}, nil
}

// Expand returns the query followed by up to a few paraphrases.
func (j *LLMJudge) Expand(ctx context.Context, query string) ([]string, error) {
	var out struct {
		Queries []string `json:"queries"`
	}
	req := Request{Prompt: expandPrompt(query), MaxTokens: 150}
	if err := j.call(ctx, "expand", req, &out); err != nil {
		return nil, err
	}

	queries := []string{query}
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	for _, q := range out.Queries {
		key := strings.ToLower(strings.TrimSpace(q))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, strings.TrimSpace(q))
	}
	return queries, nil
}

// Predict returns likely follow-up queries given recent ones, newest first.
func (j *LLMJudge) Predict(ctx context.Context, recent []string) ([]string, error) {
	if len(recent) == 0 {
		return nil, nil
	}
	var out struct {
		Predictions []string `json:"predictions"`
	}
	req := Request{Prompt: predictPrompt(recent), MaxTokens: 400, Temperature: 0.3}
	if err := j.call(ctx, "predict", req, &out); err != nil {
		return nil, err
	}

	var preds []string
	for _, p := range out.Predictions {
		if p = strings.TrimSpace(p); p != "" {
			preds = append(preds, p)
		}
		if len(preds) == MaxPredictions {
			break
		}
	}
	return preds, nil
}

// Rank asks the category's specialist router to pick up to maxPick
// candidates, most relevant first.
func (j *LLMJudge) Rank(ctx context.Context, query, category string, candidates []Candidate, maxPick int) (Ranking, error) {
	if len(candidates) == 0 {
		return Ranking{}, nil
	}
	var out Ranking
	req := Request{System: routerPrompt(category), Prompt: rankPrompt(query, candidates, maxPick), MaxTokens: 150}
	if err := j.call(ctx, "rank", req, &out); err != nil {
		return Ranking{}, err
	}
	out.Selected = validIndices(out.Selected, len(candidates), maxPick)
	return out, nil
}

// Merge asks the synthesis router to keep up to maxResults candidates across
// categories.
func (j *LLMJudge) Merge(ctx context.Context, query string, candidates []Candidate, maxResults int) (Synthesis, error) {
	if len(candidates) == 0 {
		return Synthesis{}, nil
	}
	var out Synthesis
	req := Request{Prompt: mergePrompt(query, candidates, maxResults), MaxTokens: 200}
	if err := j.call(ctx, "merge", req, &out); err != nil {
		return Synthesis{}, err
	}
	out.Selected = validIndices(out.Selected, len(candidates), maxResults)
	return out, nil
}

// Distill proposes up to MaxProposals memories worth keeping from turn.
func (j *LLMJudge) Distill(ctx context.Context, turn Turn) (Distillation, error) {
	var out Distillation
	req := Request{Prompt: distillPrompt(turn), MaxTokens: 600}
	if err := j.call(ctx, "distill", req, &out); err != nil {
		return Distillation{}, err
	}

	kept := out.Memories[:0]
	for _, p := range out.Memories {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		kept = append(kept, p)
		if len(kept) == MaxProposals {
			break
		}
	}
	out.Memories = kept
	if len(out.Memories) == 0 {
		out.WorthRemembering = false
	}
	return out, nil
}

func (j *LLMJudge) call(ctx context.Context, op string, req Request, out any) error {
	start := time.Now()
	err := j.do(ctx, op, req, out)
	observability.RecordJudgeCall(op, time.Since(start), err == nil)
	if err != nil {
		j.logger.Warn().Err(err).Str("op", op).Str("provider", j.completer.Name()).Msg("Judge call failed")
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return nil
}

func (j *LLMJudge) do(ctx context.Context, op string, req Request, out any) error {
	if err := j.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	text, err := j.completer.Complete(ctx, req)
	if err != nil {
		return err
	}
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if schema := j.schemas[op]; schema != nil {
		if err := validate(schema, raw); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, out)
}

func validate(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// extractJSON returns the outermost JSON object in text. Models sometimes wrap
// the object in prose or code fences.
func extractJSON(text string) ([]byte, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	return []byte(text[start : end+1]), nil
}

func validIndices(idx []int, n, max int) []int {
	seen := make(map[int]bool, len(idx))
	var out []int
	for _, i := range idx {
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
