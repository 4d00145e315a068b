package types

import (
	"errors"
	"fmt"
)

// Money is a monetary amount in the smallest unit of its currency (cents for
// USD, pence for GBP, and so on). Floats are never used for persisted
// amounts.
type Money struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

var (
	ErrNegativeAmount   = errors.New("amount value must be >= 0")
	ErrMissingCurrency  = errors.New("currency is required")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// NewMoney builds a Money value.
func NewMoney(value int64, currency string) Money {
	return Money{Value: value, Currency: currency}
}

// Validate checks the amount invariants: non-negative value, 3-letter
// currency code present.
func (m Money) Validate() error {
	if m.Value < 0 {
		return ErrNegativeAmount
	}
	if len(m.Currency) != 3 {
		return ErrMissingCurrency
	}
	return nil
}

// IsZero reports whether the amount is the zero value.
func (m Money) IsZero() bool {
	return m.Value == 0 && m.Currency == ""
}

// Sub returns m - other. Both amounts must carry the same currency.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Value: m.Value - other.Value, Currency: m.Currency}, nil
}

// AbsDiff returns |m.Value - other.Value| in the shared currency.
func (m Money) AbsDiff(other Money) (int64, error) {
	if m.Currency != other.Currency {
		return 0, ErrCurrencyMismatch
	}
	d := m.Value - other.Value
	if d < 0 {
		d = -d
	}
	return d, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Value, m.Currency)
}
