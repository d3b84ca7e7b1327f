package memory

import "time"

// Source tells which retrieval phase produced a Result.
type Source string

const (
	SourceSemantic Source = "semantic"
	SourceLexical  Source = "lexical"
	SourceCache    Source = "cache"
)

// Signal is the valence of a record's motivational activation.
type Signal string

const (
	SignalReward Signal = "reward"
	SignalThreat Signal = "threat"
)

// Record is a stored memory.
type Record struct {
	ID               string         `json:"id"`
	Shard            string         `json:"shard"`
	Event            string         `json:"event"`
	Content          string         `json:"content"`
	Context          map[string]any `json:"context,omitempty"`
	Strength         float64        `json:"strength"`
	EncodingStrength float64        `json:"encoding_strength"`
	Signal           Signal         `json:"signal"`
	Activations      int            `json:"activations"`
	FormedAt         time.Time      `json:"formed_at"`
	LastActivated    time.Time      `json:"last_activated"`
	Vector           []float32      `json:"vector,omitempty"`
}

// Text is the string embedded for a record.
func (r Record) Text() string {
	return EmbeddingText(r.Event, r.Content)
}

// EmbeddingText joins an event and its content the way records are embedded.
func EmbeddingText(event, content string) string {
	return event + ". " + content
}

// Association is a weighted link from a record to a neighbour.
type Association struct {
	ID     string  `json:"id"`
	Event  string  `json:"event"`
	Weight float64 `json:"weight"`
}

// Result is one ranked recall hit.
type Result struct {
	ID           string         `json:"id"`
	Shard        string         `json:"shard"`
	Event        string         `json:"event"`
	Content      string         `json:"content"`
	Context      map[string]any `json:"context,omitempty"`
	Strength     float64        `json:"strength"`
	Signal       Signal         `json:"signal,omitempty"`
	Similarity   float64        `json:"similarity,omitempty"`
	Relevance    float64        `json:"relevance,omitempty"`
	Source       Source         `json:"source"`
	Associations []Association  `json:"associations,omitempty"`
	Router       string         `json:"router,omitempty"`
}

// CloneResults returns a copy of rs that shares no slices with the original.
func CloneResults(rs []Result) []Result {
	if rs == nil {
		return nil
	}
	out := make([]Result, len(rs))
	copy(out, rs)
	for i := range out {
		if rs[i].Associations != nil {
			out[i].Associations = append([]Association(nil), rs[i].Associations...)
		}
	}
	return out
}
