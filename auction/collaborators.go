package auction

import (
	"context"
	"sync/atomic"

	"github.com/cloudx-io/dutchauction/core"
)

// TokenLedger is the payment ledger as seen by the engine. Implementations
// are bound to the engine's escrow account: TransferFrom pulls funds the
// owner pre-authorized for that account, Transfer spends its own balance.
type TokenLedger interface {
	TransferFrom(ctx context.Context, from, to core.Identity, amount core.Amount) error
	Transfer(ctx context.Context, to core.Identity, amount core.Amount) error
	BalanceOf(ctx context.Context, id core.Identity) (core.Amount, error)
	Allowance(ctx context.Context, owner, spender core.Identity) (core.Amount, error)
}

// BatchLedger is implemented by ledgers that can apply several movements
// as one all-or-nothing operation. The engine uses it to refund the previous
// bid and escrow the new one atomically.
type BatchLedger interface {
	TokenLedger
	TransferBatch(ctx context.Context, moves []core.Movement) error
}

// AssetRegistry is the registry holding the auctioned item, bound to the
// engine's escrow account.
type AssetRegistry interface {
	TransferOwnership(ctx context.Context, ref core.AssetRef, from, to core.Identity) error
	OwnerOf(ctx context.Context, ref core.AssetRef) (core.Identity, error)
}

// StepSource supplies the environment's current step (e.g. a block height).
// It must never decrease.
type StepSource interface {
	CurrentStep() int64
}

// StepCounter is a StepSource advanced explicitly by its owner.
type StepCounter struct {
	step atomic.Int64
}

// NewStepCounter returns a counter positioned at start.
func NewStepCounter(start int64) *StepCounter {
	c := &StepCounter{}
	c.step.Store(start)
	return c
}

func (c *StepCounter) CurrentStep() int64 {
	return c.step.Load()
}

// Advance moves the counter forward by n steps and returns the new step.
// Negative n is ignored.
func (c *StepCounter) Advance(n int64) int64 {
	if n <= 0 {
		return c.step.Load()
	}
	return c.step.Add(n)
}

// AdvanceTo moves the counter to step if step is ahead of the current
// value, and returns the resulting current step.
func (c *StepCounter) AdvanceTo(step int64) int64 {
	for {
		current := c.step.Load()
		if step <= current {
			return current
		}
		if c.step.CompareAndSwap(current, step) {
			return step
		}
	}
}

// Observer is notified after the engine commits a state change. Errors are
// logged by the engine and never undo the committed change.
type Observer interface {
	AuctionOpened(ctx context.Context, snap Snapshot) error
	BidAccepted(ctx context.Context, bid core.BidRecord, snap Snapshot) error
	AuctionSettled(ctx context.Context, settlement core.Settlement, snap Snapshot) error
	ProceedsWithdrawn(ctx context.Context, amount core.Amount, snap Snapshot) error
}
