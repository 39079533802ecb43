package quote

import (
	"math"

	"mealbox/internal/apperr"
)

// MulAmount is price × qty in minor units. A negative price or a product
// that does not fit in int64 is an InvalidCart error.
func MulAmount(price int64, qty int) (int64, error) {
	if price < 0 || qty < 0 {
		return 0, apperr.New(apperr.ErrInvalidCart, "amounts must be >= 0")
	}
	if qty != 0 && price > math.MaxInt64/int64(qty) {
		return 0, apperr.New(apperr.ErrInvalidCart, "amount %d × %d is out of range", price, qty)
	}
	return price * int64(qty), nil
}

// AddAmount is a + b for non-negative amounts, rejecting overflow.
func AddAmount(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, apperr.New(apperr.ErrInvalidCart, "amounts must be >= 0")
	}
	if a > math.MaxInt64-b {
		return 0, apperr.New(apperr.ErrInvalidCart, "amount %d + %d is out of range", a, b)
	}
	return a + b, nil
}
