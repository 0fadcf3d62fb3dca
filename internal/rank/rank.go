// Package rank maps a participant's lifetime count of correct predictions to
// a named tier. It is pure: the same count always yields the same tier, and
// granting or revoking an external role is left to the caller.
package rank

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyTable is returned for a table with no tiers.
	ErrEmptyTable = errors.New("rank: tier table is empty")

	// ErrNoBaseTier is returned when the lowest threshold is not zero.
	ErrNoBaseTier = errors.New("rank: lowest threshold must be 0")

	// ErrUnorderedTable is returned when thresholds are not strictly increasing.
	ErrUnorderedTable = errors.New("rank: thresholds must be strictly increasing")
)

// Tier is a named milestone unlocked at Threshold correct predictions.
type Tier struct {
	Name      string `json:"name" toml:"name"`
	Threshold int    `json:"threshold" toml:"threshold"`
}

// DefaultTiers is the standard progression.
var DefaultTiers = []Tier{
	{Name: "Newcomer", Threshold: 0},
	{Name: "Apprentice", Threshold: 2},
	{Name: "Forecaster", Threshold: 5},
	{Name: "Analyst", Threshold: 20},
	{Name: "Strategist", Threshold: 50},
	{Name: "Oracle", Threshold: 100},
	{Name: "Seer", Threshold: 150},
	{Name: "Prophet", Threshold: 200},
}

// Table is an ordered, validated tier table.
type Table struct {
	tiers []Tier
}

// NewTable validates tiers: non-empty, lowest threshold 0, strictly
// increasing thresholds, non-empty unique names.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, ErrEmptyTable
	}
	if tiers[0].Threshold != 0 {
		return nil, ErrNoBaseTier
	}
	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("rank: tier %d has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("rank: duplicate tier name %q", t.Name)
		}
		seen[t.Name] = true
		if i > 0 && t.Threshold <= tiers[i-1].Threshold {
			return nil, ErrUnorderedTable
		}
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return &Table{tiers: cp}, nil
}

// Default returns the table built from DefaultTiers.
func Default() *Table {
	t, err := NewTable(DefaultTiers)
	if err != nil {
		panic(err)
	}
	return t
}

// Tiers returns a copy of the table.
func (t *Table) Tiers() []Tier {
	cp := make([]Tier, len(t.tiers))
	copy(cp, t.tiers)
	return cp
}

// index returns the position of the highest tier whose threshold does not
// exceed n. Negative counts are treated as zero.
func (t *Table) index(n int) int {
	i := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].Threshold > n })
	if i == 0 {
		return 0
	}
	return i - 1
}

// Of returns the tier for a correct-prediction count.
func (t *Table) Of(correct int) Tier {
	return t.tiers[t.index(correct)]
}

// Progress describes where a count sits in the table.
type Progress struct {
	Tier      Tier  `json:"tier"`
	Next      *Tier `json:"next,omitempty"`
	Correct   int   `json:"correct"`
	Remaining int   `json:"remaining"` // correct predictions still needed for Next
}

// ProgressOf returns the current tier and the distance to the next one.
// Remaining is 0 at the top tier.
func (t *Table) ProgressOf(correct int) Progress {
	i := t.index(correct)
	p := Progress{Tier: t.tiers[i], Correct: correct}
	if i+1 < len(t.tiers) {
		next := t.tiers[i+1]
		p.Next = &next
		p.Remaining = next.Threshold - correct
	}
	return p
}

// Transition compares the tiers for two counts. changed is false when both
// fall in the same tier.
func (t *Table) Transition(before, after int) (old, new Tier, changed bool) {
	old = t.Of(before)
	new = t.Of(after)
	return old, new, old.Name != new.Name
}
