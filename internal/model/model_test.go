package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestHoldings_AddAndPrune(t *testing.T) {
	h := Holdings{}
	h.Add(7, Option1, d(10))
	h.Add(7, Option2, d(3))
	require.True(t, h.Holds(7))
	assert.True(t, h.Quantity(7, Option1).Equal(d(10)))

	h.Add(7, Option1, d(-10))
	_, ok := h[7][Option1]
	assert.False(t, ok, "zero quantity must be pruned")
	assert.True(t, h.Holds(7))

	h.Add(7, Option2, d(-3))
	assert.False(t, h.Holds(7), "empty market entry must be pruned")
	assert.Equal(t, Holdings{}, h, "sold-out holdings equal never-held holdings")
}

func TestHoldings_Drop(t *testing.T) {
	h := Holdings{}
	h.Add(1, Option1, d(2))
	h.Add(1, Option2, d(5))
	h.Add(2, Option1, d(1))

	pos := h.Drop(1)
	assert.True(t, pos[Option2].Equal(d(5)))
	assert.False(t, h.Holds(1))
	assert.True(t, h.Holds(2))
	assert.Nil(t, h.Drop(99))
}

func TestHoldings_CloneIsDeep(t *testing.T) {
	h := Holdings{}
	h.Add(1, Option1, d(2))
	c := h.Clone()
	c.Add(1, Option1, d(3))
	assert.True(t, h.Quantity(1, Option1).Equal(d(2)))
}

func TestHoldings_JSONRoundTripKeepsIntegerKeys(t *testing.T) {
	h := Holdings{}
	h.Add(12, Option2, d(4.5))
	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"12":{"2":"4.5"}}`, string(data))

	var back Holdings
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Quantity(12, Option2).Equal(d(4.5)))
}

func TestOption(t *testing.T) {
	assert.True(t, Option1.Valid())
	assert.True(t, Option2.Valid())
	assert.False(t, Option(0).Valid())
	assert.False(t, Option(3).Valid())
	assert.Equal(t, Option2, Option1.Other())
	assert.Equal(t, Option1, Option2.Other())
}

func TestRejectionError(t *testing.T) {
	err := fmt.Errorf("buy: %w", Reject(ErrInsufficientFunds, "balance", "must cover cost 50"))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.True(t, IsRejection(err))
	assert.Equal(t, "insufficient_funds", Code(err))

	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "balance", rej.Field)
}

func TestUnavailable(t *testing.T) {
	assert.Nil(t, Unavailable("op", nil))

	err := Unavailable("store.update", errors.New("connection refused"))
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, IsRejection(err))
	assert.Equal(t, "unavailable", Code(err))

	// Already-unavailable errors are not double wrapped.
	assert.Same(t, err, Unavailable("other", err))
}
