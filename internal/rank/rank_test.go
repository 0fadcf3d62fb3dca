package rank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name    string
		tiers   []Tier
		wantErr error
	}{
		{"empty", nil, ErrEmptyTable},
		{"no base", []Tier{{"A", 1}}, ErrNoBaseTier},
		{"unordered", []Tier{{"A", 0}, {"B", 5}, {"C", 5}}, ErrUnorderedTable},
		{"decreasing", []Tier{{"A", 0}, {"B", 5}, {"C", 2}}, ErrUnorderedTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.tiers)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := NewTable([]Tier{{"A", 0}, {"A", 3}})
	assert.Error(t, err, "duplicate names must be rejected")
	_, err = NewTable([]Tier{{"", 0}})
	assert.Error(t, err, "empty names must be rejected")
}

func TestOf_DefaultTable(t *testing.T) {
	table := Default()
	tests := []struct {
		correct int
		want    string
	}{
		{-3, "Newcomer"},
		{0, "Newcomer"},
		{1, "Newcomer"},
		{2, "Apprentice"},
		{4, "Apprentice"},
		{5, "Forecaster"},
		{19, "Forecaster"},
		{20, "Analyst"},
		{50, "Strategist"},
		{100, "Oracle"},
		{150, "Seer"},
		{199, "Seer"},
		{200, "Prophet"},
		{10_000, "Prophet"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.Of(tt.correct).Name, "correct=%d", tt.correct)
	}
}

func TestProgressOf(t *testing.T) {
	table := Default()

	p := table.ProgressOf(3)
	assert.Equal(t, "Apprentice", p.Tier.Name)
	require.NotNil(t, p.Next)
	assert.Equal(t, "Forecaster", p.Next.Name)
	assert.Equal(t, 2, p.Remaining)

	top := table.ProgressOf(250)
	assert.Equal(t, "Prophet", top.Tier.Name)
	assert.Nil(t, top.Next)
	assert.Zero(t, top.Remaining)
}

func TestTransition(t *testing.T) {
	table := Default()

	old, next, changed := table.Transition(1, 2)
	assert.True(t, changed)
	assert.Equal(t, "Newcomer", old.Name)
	assert.Equal(t, "Apprentice", next.Name)

	_, _, changed = table.Transition(2, 3)
	assert.False(t, changed)
}

func TestTiersReturnsCopy(t *testing.T) {
	table := Default()
	tiers := table.Tiers()
	tiers[0].Name = "mutated"
	assert.Equal(t, "Newcomer", table.Of(0).Name)
}

func TestProperty_Monotonic(t *testing.T) {
	table := Default()
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.IntRange(0, 500).Draw(t, "a")
		b := rapid.IntRange(0, 500).Draw(t, "b")
		if a > b {
			a, b = b, a
		}
		if table.Of(a).Threshold > table.Of(b).Threshold {
			t.Fatalf("rank not monotonic: Of(%d)=%v Of(%d)=%v", a, table.Of(a), b, table.Of(b))
		}
		if table.Of(a) != table.Of(a) {
			t.Fatalf("rank not deterministic for %d", a)
		}
		if table.Of(b).Threshold > b {
			t.Fatalf("tier threshold %d exceeds count %d", table.Of(b).Threshold, b)
		}
	})
}
