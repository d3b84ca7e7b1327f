package memory

import (
	"math"
	"sort"
	"sync"
)

const (
	MinStrength = 0.1
	MaxStrength = 1.0
	MinWeight   = 0.2
	MaxWeight   = 1.0
)

// DefaultWeights returns the built-in motivation weights.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"survive": 0.8,
		"serve":   0.9,
		"grow":    0.7,
		"protect": 0.6,
		"build":   0.85,
	}
}

// Activation is the result of projecting a motivation delta onto the weights.
type Activation struct {
	Magnitude float64
	Signal    Signal
}

// Strength is the initial strength of a record with this activation.
func (a Activation) Strength() float64 {
	return math.Max(MinStrength, a.Magnitude)
}

// Motivations holds the adjustable motivation weights. Safe for concurrent use.
type Motivations struct {
	mu      sync.RWMutex
	weights map[string]float64
}

// NewMotivations creates Motivations seeded with weights, or the defaults when
// weights is empty.
func NewMotivations(weights map[string]float64) *Motivations {
	m := &Motivations{weights: DefaultWeights()}
	if len(weights) > 0 {
		m.Set(weights)
	}
	return m
}

// Weights returns a copy of the current weights.
func (m *Motivations) Weights() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.weights))
	for k, v := range m.weights {
		out[k] = v
	}
	return out
}

// Set updates known weights, clamped to [MinWeight, MaxWeight]. Unknown names
// are ignored. It returns the resulting weights.
func (m *Motivations) Set(updates map[string]float64) map[string]float64 {
	m.mu.Lock()
	for name, w := range updates {
		if _, ok := m.weights[name]; ok {
			m.weights[name] = math.Max(MinWeight, math.Min(MaxWeight, w))
		}
	}
	m.mu.Unlock()
	return m.Weights()
}

// Activate scores delta against the weights: magnitude is the absolute
// normalized dot product capped at 1, and the sign gives the signal.
func (m *Motivations) Activate(delta map[string]float64) Activation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.weights))
	for name := range m.weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var dot, normSq float64
	for _, name := range names {
		w := m.weights[name]
		dot += delta[name] * w
		normSq += w * w
	}
	norm := math.Sqrt(normSq)
	if norm == 0 {
		norm = 1
	}

	signal := SignalReward
	if dot < 0 {
		signal = SignalThreat
	}
	return Activation{
		Magnitude: math.Min(1, math.Abs(dot/norm)),
		Signal:    signal,
	}
}
