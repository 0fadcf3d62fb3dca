package model

import "github.com/shopspring/decimal"

// Holdings maps market id → option → positive share quantity. Zero
// quantities are never stored: a missing entry means "not held".
type Holdings map[int64]map[Option]decimal.Decimal

// Quantity returns the held quantity of option o in market id.
func (h Holdings) Quantity(marketID int64, o Option) decimal.Decimal {
	return h[marketID][o]
}

// Holds reports whether any position exists in the market.
func (h Holdings) Holds(marketID int64) bool {
	_, ok := h[marketID]
	return ok
}

// Add increases (or, for a negative qty, decreases) the position and prunes
// empty entries.
func (h Holdings) Add(marketID int64, o Option, qty decimal.Decimal) {
	pos, ok := h[marketID]
	if !ok {
		pos = make(map[Option]decimal.Decimal, 2)
		h[marketID] = pos
	}
	next := pos[o].Add(qty)
	if next.Sign() <= 0 {
		delete(pos, o)
	} else {
		pos[o] = next
	}
	if len(pos) == 0 {
		delete(h, marketID)
	}
}

// Drop removes every position in the market and returns what was held.
func (h Holdings) Drop(marketID int64) map[Option]decimal.Decimal {
	pos := h[marketID]
	delete(h, marketID)
	return pos
}

// Clone returns a deep copy.
func (h Holdings) Clone() Holdings {
	c := make(Holdings, len(h))
	for id, pos := range h {
		cp := make(map[Option]decimal.Decimal, len(pos))
		for o, q := range pos {
			cp[o] = q
		}
		c[id] = cp
	}
	return c
}
