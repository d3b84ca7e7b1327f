package recall

import "time"

// Params are the tunable thresholds and limits of the pipeline.
type Params struct {
	// Floor is the minimum cosine similarity for a semantic hit.
	Floor float64
	// FastPathThreshold is the top similarity above which the lexical phase
	// is skipped, provided FastPathMinHits hits were found.
	FastPathThreshold float64
	// FastPathMinHits defaults to MaxResults when zero.
	FastPathMinHits int
	// TierThreshold separates strong semantic matches from the rest.
	TierThreshold float64
	MaxResults    int

	ReinforceFactor  float64
	MaxStrength      float64
	ReinforceTimeout time.Duration

	SemanticLimit  int
	AlternateLimit int
	CandidatePool  int

	// DisableRouting turns off judge-assisted selection even when a judge
	// is configured.
	DisableRouting bool
	RouterMaxPick  int
}

// DefaultParams returns the stock pipeline settings.
func DefaultParams() Params {
	return Params{
		Floor:             0.25,
		FastPathThreshold: 0.6,
		TierThreshold:     0.4,
		MaxResults:        10,
		ReinforceFactor:   1.05,
		MaxStrength:       1.0,
		ReinforceTimeout:  3 * time.Second,
		SemanticLimit:     20,
		AlternateLimit:    15,
		CandidatePool:     30,
		RouterMaxPick:     7,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Floor <= 0 {
		p.Floor = d.Floor
	}
	if p.FastPathThreshold <= 0 {
		p.FastPathThreshold = d.FastPathThreshold
	}
	if p.TierThreshold <= 0 {
		p.TierThreshold = d.TierThreshold
	}
	if p.MaxResults <= 0 {
		p.MaxResults = d.MaxResults
	}
	if p.ReinforceFactor <= 0 {
		p.ReinforceFactor = d.ReinforceFactor
	}
	if p.MaxStrength <= 0 {
		p.MaxStrength = d.MaxStrength
	}
	if p.ReinforceTimeout <= 0 {
		p.ReinforceTimeout = d.ReinforceTimeout
	}
	if p.SemanticLimit <= 0 {
		p.SemanticLimit = d.SemanticLimit
	}
	if p.AlternateLimit <= 0 {
		p.AlternateLimit = d.AlternateLimit
	}
	if p.CandidatePool <= 0 {
		p.CandidatePool = d.CandidatePool
	}
	if p.RouterMaxPick <= 0 {
		p.RouterMaxPick = d.RouterMaxPick
	}
	return p
}
