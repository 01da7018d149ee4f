// Package money provides the fixed-point monetary value used for deposits,
// rents, and escrow movements. Amounts are decimal (never float) and
// non-negative; arithmetic across currencies is rejected.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeAmount signals an amount below zero, either supplied or produced.
	ErrNegativeAmount = errors.New("money: negative amount")
	// ErrCurrencyMismatch signals arithmetic between two different currencies.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	// ErrInvalidRatio signals a split ratio outside [0, 1].
	ErrInvalidRatio = errors.New("money: ratio must be within [0, 1]")
)

// DefaultCurrency is assumed when callers omit a currency code.
const DefaultCurrency = "USD"

// Money is a non-negative amount in a single currency. The zero value is
// zero in the default currency and is usable without construction.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// New builds a Money from a decimal amount, rejecting negatives.
func New(amount decimal.Decimal, currency string) (Money, error) {
	if amount.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: amount, currency: normalize(currency)}, nil
}

// Parse builds a Money from its string representation, e.g. "1000.00".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", amount, err)
	}
	return New(d, currency)
}

// MustParse is Parse for trusted literals; it panics on bad input.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Money {
	return Money{amount: decimal.Zero, currency: normalize(currency)}
}

func normalize(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		c = DefaultCurrency
	}
	return c
}

// Amount exposes the underlying decimal value.
func (m Money) Amount() decimal.Decimal { return m.amount }

// Currency returns the ISO currency code.
func (m Money) Currency() string { return normalize(m.currency) }

// String renders the amount with two decimal places, e.g. "1000.00 USD".
func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.Currency()
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// Equal reports whether both amount and currency match.
func (m Money) Equal(other Money) bool {
	return m.Currency() == other.Currency() && m.amount.Equal(other.amount)
}

// Cmp compares two amounts in the same currency: -1, 0, or +1.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency() != other.Currency() {
		return 0, ErrCurrencyMismatch
	}
	return m.amount.Cmp(other.amount), nil
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency() != other.Currency() {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.Currency()}, nil
}

// Sub returns m - other, failing if the result would be negative.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency() != other.Currency() {
		return Money{}, ErrCurrencyMismatch
	}
	out := m.amount.Sub(other.amount)
	if out.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{amount: out, currency: m.Currency()}, nil
}

// SplitRatio divides m into (share, remainder) where share ≈ m*ratio rounded
// to cents and share+remainder is exactly m. The rounding remainder always
// lands on the second return value so no cent is created or destroyed.
func (m Money) SplitRatio(ratio decimal.Decimal) (Money, Money, error) {
	if ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return Money{}, Money{}, ErrInvalidRatio
	}
	share := m.amount.Mul(ratio).RoundBank(2)
	if share.GreaterThan(m.amount) {
		share = m.amount
	}
	rest := m.amount.Sub(share)
	cur := m.Currency()
	return Money{amount: share, currency: cur}, Money{amount: rest, currency: cur}, nil
}
