package ledger

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrAmountMustBePositive = errors.New("amount must be positive")
	ErrInsufficientBalance  = errors.New("insufficient available balance")
	ErrInsufficientLocked   = errors.New("insufficient locked balance")
	ErrOverflow             = errors.New("amount overflows int64")
	ErrDuplicateTxn         = errors.New("duplicate transaction id")
)

// Key identifies one balance row.
type Key struct {
	UserID string
	Asset  string
}

func (k Key) String() string { return k.UserID + "/" + k.Asset }

// Balance of one asset for one user, in atomic units.
// Total = Available + Locked; Locked backs resting orders.
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

func (b Balance) Total() int64 { return b.Available + b.Locked }

// Add returns a+b or ErrOverflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return a + b, nil
}

// Mul returns a*b for non-negative operands or ErrOverflow.
func Mul(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: negative operand %d * %d", ErrOverflow, a, b)
	}
	if a != 0 && b > math.MaxInt64/a {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return a * b, nil
}
