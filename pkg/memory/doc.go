// Package memory defines the records the gateway stores and returns, and the
// motivation model that assigns a new record its initial strength.
//
// Invariants:
// - Strength stays within [0, 1]; new records start at no less than MinStrength.
// - Motivation weights stay within [MinWeight, MaxWeight].
// - Record ids carry the first three letters of their category.
package memory
