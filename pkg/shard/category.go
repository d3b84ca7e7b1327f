package shard

import (
	"errors"
	"fmt"
	"strings"
)

// Category is one of the fixed memory partitions.
type Category string

const (
	Episodic    Category = "episodic"
	Semantic    Category = "semantic"
	Procedural  Category = "procedural"
	Association Category = "association"
)

// ErrUnknownCategory is returned for a category that is not recognised even
// after remapping.
var ErrUnknownCategory = errors.New("unknown shard category")

// Categories lists every category in registry order.
var Categories = []Category{Episodic, Semantic, Procedural, Association}

// Roles describes what each category stores.
var Roles = map[Category]string{
	Episodic:    "Events, conversations, outcomes",
	Semantic:    "Concepts, relationships, ontology",
	Procedural:  "Learned skills, workflows, patterns",
	Association: "Cross-shard links, motivation weights",
}

// aliases maps legacy category names onto the fixed set.
var aliases = map[string]Category{
	"technical":   Semantic,
	"market":      Semantic,
	"strategic":   Semantic,
	"competitive": Semantic,
	"economic":    Semantic,
	"functional":  Procedural,
}

// ParseCategory resolves name to a Category. Empty means Episodic.
func ParseCategory(name string) (Category, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Episodic, nil
	}
	for _, c := range Categories {
		if string(c) == n {
			return c, nil
		}
	}
	if c, ok := aliases[n]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// Recallable reports whether records in c are returned by recall.
func (c Category) Recallable() bool {
	return c != Association
}

func (c Category) String() string {
	return string(c)
}

// RecallableCategories returns every category that holds recallable records.
func RecallableCategories() []Category {
	out := make([]Category, 0, len(Categories))
	for _, c := range Categories {
		if c.Recallable() {
			out = append(out, c)
		}
	}
	return out
}
