// Package pricing implements the coupled exponential price rule for binary
// markets.
//
// Trading q shares of one option multiplies its price by exp(k·q) and the
// other option's price by exp(−k·q). Buying pressure on one side therefore
// suppresses the other without a funded liquidity pool. Both results are
// clamped to a floor; the exponential keeps prices positive otherwise.
//
// The execution price of a trade is the pre-update price of the traded side,
// charged for the whole quantity. A bulk order is priced as a single point,
// not integrated along the curve.
//
// All prices use shopspring/decimal. The exponential is evaluated in float64
// and the result immediately converted back to decimal.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

var (
	// ErrInvalidSensitivity is returned when k <= 0.
	ErrInvalidSensitivity = errors.New("pricing: sensitivity must be positive")

	// ErrInvalidFloor is returned when the floor is not positive.
	ErrInvalidFloor = errors.New("pricing: price floor must be positive")

	// ErrPriceOverflow is returned when a trade is so large the resulting
	// price cannot be represented.
	ErrPriceOverflow = errors.New("pricing: trade would overflow price")

	// ErrQuantityTooSmall is returned when a non-zero trade is too small to
	// move an unclamped price at PriceScale.
	ErrQuantityTooSmall = errors.New("pricing: quantity too small to move price")

	// DefaultSensitivity is k.
	DefaultSensitivity = decimal.NewFromFloat(0.01)

	// DefaultFloor is the lowest price either option can reach.
	DefaultFloor = decimal.NewFromFloat(0.5)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8
)

// Engine is stateless. Current prices are passed in and new prices returned.
type Engine struct {
	k     decimal.Decimal
	floor decimal.Decimal
}

// NewEngine creates an engine with sensitivity k and price floor.
func NewEngine(k, floor decimal.Decimal) (*Engine, error) {
	if k.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidSensitivity
	}
	if floor.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidFloor
	}
	return &Engine{k: k, floor: floor}, nil
}

// Default returns an engine with k = 0.01 and floor = 0.5.
func Default() *Engine {
	return &Engine{k: DefaultSensitivity, floor: DefaultFloor}
}

// Sensitivity returns k.
func (e *Engine) Sensitivity() decimal.Decimal { return e.k }

// Floor returns the price floor.
func (e *Engine) Floor() decimal.Decimal { return e.floor }

// Quote returns the post-trade prices after trading quantity shares of side.
// quantity is signed: positive buys, negative sells. A non-zero quantity must
// move both prices, except a falling price already held at the floor.
//
//	side 1: p1' = p1·exp(k·q),  p2' = p2·exp(−k·q)
//	side 2: p1' = p1·exp(−k·q), p2' = p2·exp(k·q)
func (e *Engine) Quote(price1, price2 decimal.Decimal, side model.Option, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Zero, decimal.Zero, model.ErrInvalidOption
	}
	x := e.k.Mul(quantity).InexactFloat64()
	if side == model.Option2 {
		x = -x
	}

	p1, err := e.scale(price1, x)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	p2, err := e.scale(price2, -x)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !quantity.IsZero() && (e.stuck(price1, p1, x) || e.stuck(price2, p2, -x)) {
		return decimal.Zero, decimal.Zero, ErrQuantityTooSmall
	}
	return p1, p2, nil
}

// stuck reports whether a price that should have moved by exp(x) did not.
func (e *Engine) stuck(old, next decimal.Decimal, x float64) bool {
	if !next.Equal(old) {
		return false
	}
	return x >= 0 || !next.Equal(e.floor)
}

// ExecutionPrice returns the per-share price charged for trading side: the
// current, pre-update price.
func (e *Engine) ExecutionPrice(price1, price2 decimal.Decimal, side model.Option) decimal.Decimal {
	if side == model.Option2 {
		return price2
	}
	return price1
}

// scale returns price·exp(x), clamped to the floor.
func (e *Engine) scale(price decimal.Decimal, x float64) (decimal.Decimal, error) {
	f := price.InexactFloat64() * math.Exp(x)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return decimal.Zero, ErrPriceOverflow
	}
	v := decimal.NewFromFloat(f).Round(PriceScale)
	if v.LessThan(e.floor) {
		return e.floor, nil
	}
	return v, nil
}
