package core

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// Validate checks the constructor constraints of an auction configuration.
// The starting price is computed with decimal arithmetic so that a
// configuration whose starting price would overflow Amount is rejected
// instead of wrapping around.
func (c AuctionConfig) Validate() error {
	if c.Owner == NoIdentity {
		return fmt.Errorf("%w: owner is required", ErrInvalidConfiguration)
	}
	if c.AssetRef == "" {
		return fmt.Errorf("%w: asset reference is required", ErrInvalidConfiguration)
	}
	if c.ReservePrice < 0 {
		return fmt.Errorf("%w: negative reserve price %d", ErrInvalidConfiguration, c.ReservePrice)
	}
	if c.DurationSteps <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d steps", ErrInvalidConfiguration, c.DurationSteps)
	}
	if c.PriceDecrementPerStep < 0 {
		return fmt.Errorf("%w: negative price decrement %d", ErrInvalidConfiguration, c.PriceDecrementPerStep)
	}

	start := decimal.NewFromInt(int64(c.ReservePrice)).
		Add(decimal.NewFromInt(c.DurationSteps).Mul(decimal.NewFromInt(int64(c.PriceDecrementPerStep))))
	if start.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: starting price %s overflows the payment unit", ErrInvalidConfiguration, start.String())
	}
	return nil
}

// ValidateWindow checks that the last bidding step of an auction opened at
// openStep is representable.
func (c AuctionConfig) ValidateWindow(openStep int64) error {
	if openStep < 0 {
		return fmt.Errorf("%w: negative open step %d", ErrInvalidConfiguration, openStep)
	}
	last := decimal.NewFromInt(openStep).Add(decimal.NewFromInt(c.DurationSteps))
	if last.GreaterThan(maxAmount) {
		return fmt.Errorf("%w: auction window ending at step %s overflows the step counter", ErrInvalidConfiguration, last.String())
	}
	return nil
}

// StartingPrice returns the asking price at the open step:
// reservePrice + durationSteps * priceDecrementPerStep.
// The configuration must have passed Validate.
func (c AuctionConfig) StartingPrice() Amount {
	return c.ReservePrice + Amount(c.DurationSteps)*c.PriceDecrementPerStep
}

// PriceAt returns the asking price at step for an auction opened at openStep.
//
// Formula: reservePrice + priceDecrementPerStep * max(0, durationSteps - (step - openStep))
//
// Steps before openStep are treated as the open step, and every step at or
// past the end of the window yields the reserve price.
func (c AuctionConfig) PriceAt(openStep, step int64) Amount {
	elapsed := step - openStep
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := c.DurationSteps - elapsed
	if remaining <= 0 {
		return c.ReservePrice
	}
	return c.ReservePrice + Amount(remaining)*c.PriceDecrementPerStep
}

// LastBidStep returns the final step at which bids are still accepted.
func (c AuctionConfig) LastBidStep(openStep int64) int64 {
	return openStep + c.DurationSteps
}

// WindowOpen reports whether step lies within [openStep, openStep+durationSteps].
func (c AuctionConfig) WindowOpen(openStep, step int64) bool {
	return step >= openStep && step <= c.LastBidStep(openStep)
}

// FormatAmount renders an amount in whole token units given the token's
// number of decimals, e.g. FormatAmount(12345, 2) == "123.45".
func FormatAmount(amount Amount, decimals int32) string {
	if decimals <= 0 {
		return decimal.NewFromInt(int64(amount)).String()
	}
	return decimal.New(int64(amount), -decimals).StringFixed(decimals)
}
