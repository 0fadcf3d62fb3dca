package market

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store"
)

var now = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func validDef() Definition {
	deadline := now.Add(time.Hour)
	return Definition{Text: "Will the home side win?", Label1: "Yes", Label2: "No", Deadline: &deadline}
}

func TestValidate_Valid(t *testing.T) {
	def := validDef()
	deadline, err := def.Validate(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), deadline)

	byDuration := Definition{Text: "Over 150 runs?", Label1: "Over", Label2: "Under", DurationMinutes: 30}
	deadline, err = byDuration.Validate(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), deadline)
}

func TestValidate_Invalid(t *testing.T) {
	past := now.Add(-time.Minute)
	far := now.Add(400 * 24 * time.Hour)
	tests := []struct {
		name  string
		edit  func(d *Definition)
		field string
	}{
		{"empty text", func(d *Definition) { d.Text = "" }, "text"},
		{"long text", func(d *Definition) { d.Text = strings.Repeat("x", MaxTextLen+1) }, "text"},
		{"empty label 1", func(d *Definition) { d.Label1 = "" }, "label_1"},
		{"empty label 2", func(d *Definition) { d.Label2 = "" }, "label_2"},
		{"long label", func(d *Definition) { d.Label1 = strings.Repeat("y", MaxLabelLen+1) }, "label_1"},
		{"same labels", func(d *Definition) { d.Label2 = "yes" }, "label_2"},
		{"past deadline", func(d *Definition) { d.Deadline = &past }, "deadline"},
		{"deadline now", func(d *Definition) { d.Deadline = &now }, "deadline"},
		{"too far", func(d *Definition) { d.Deadline = &far }, "deadline"},
		{"no deadline", func(d *Definition) { d.Deadline = nil }, "deadline"},
		{"both", func(d *Definition) { d.DurationMinutes = 5 }, "deadline"},
		{"negative duration", func(d *Definition) { d.Deadline = nil; d.DurationMinutes = -5 }, "duration_minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDef()
			tt.edit(&def)
			_, err := def.Validate(now)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidMarket)

			var rej *model.RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.field, rej.Field)
		})
	}
}

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewService(st, WithClock(func() time.Time { return now })), st
}

func TestCreate_DefaultsAndTrim(t *testing.T) {
	svc, _ := newService(t)
	def := validDef()
	def.Text = "  Will the home side win?  "
	def.ChannelID = "1234"
	def.AutoGenerated = true

	m, err := svc.Create(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
	assert.Equal(t, "Will the home side win?", m.Text)
	assert.True(t, m.Price1.Equal(DefaultInitialPrice))
	assert.True(t, m.Price2.Equal(DefaultInitialPrice))
	assert.True(t, m.AutoGenerated)
	assert.Equal(t, "1234", m.ChannelID)
	assert.False(t, m.Resolved)
	assert.Equal(t, now, m.CreatedAt)
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), 42)
	assert.ErrorIs(t, err, model.ErrMarketNotFound)
	assert.Equal(t, "market_not_found", model.Code(err))
}

func TestGet_CachesResolvedSnapshots(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	m, err := svc.Create(ctx, validDef())
	require.NoError(t, err)

	winner := model.Option1
	require.NoError(t, st.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.MarkResolved(ctx, m.ID, &winner, now)
	}))

	got, err := svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, 1, svc.resolved.Len())

	// Mutating a returned snapshot must not leak into the cache.
	got.Text = "changed"
	again, err := svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Will the home side win?", again.Text)
}

func TestListOpen(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, validDef())
	require.NoError(t, err)
	short := Definition{Text: "Short one", Label1: "A", Label2: "B", DurationMinutes: 1}
	_, err = svc.Create(ctx, short)
	require.NoError(t, err)

	open, err := svc.ListOpen(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "Will the home side win?", open[0].Text)

	overdue, err := svc.List(ctx, store.MarketFilter{Status: store.StatusOverdue, Now: now.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, overdue, 1)

	_, err = svc.List(ctx, store.MarketFilter{Status: "bogus"})
	assert.ErrorIs(t, err, model.ErrInvalidMarket)
}
