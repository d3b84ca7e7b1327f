package store

import (
	"math"
	"time"
)

// Relevance weighs strength by recency: strength / (1 + hours since last activation).
func Relevance(strength float64, lastActivated, now time.Time) float64 {
	return strength / (1 + hoursSince(lastActivated, now))
}

// Decayed applies exponential forgetting. Records encoded weakly fade faster;
// a non-positive encoding strength is treated as 0.5.
func Decayed(strength, encoding float64, lastActivated, now time.Time, rate float64) float64 {
	if encoding <= 0 {
		encoding = 0.5
	}
	next := strength * math.Exp(-rate*hoursSince(lastActivated, now)/encoding)
	if next < DeadStrength {
		return 0
	}
	return next
}

// Reinforced multiplies strength by factor, capped at max.
func Reinforced(strength, factor, max float64) float64 {
	return math.Min(max, strength*factor)
}

// LinkWeight is the association weight given to links from a new record.
func LinkWeight(strength float64) float64 {
	return (strength + 0.3) / 2
}

func hoursSince(t, now time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	h := now.Sub(t).Hours()
	if h < 0 {
		return 0
	}
	return h
}
