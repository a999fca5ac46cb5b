// Package auction implements the single-item Dutch auction engine.
//
// An Engine holds one auctioned asset in escrow and sells it for the payment
// token at a price that falls by a fixed decrement each step. Bids are
// escrowed by the engine; a new bid refunds the previous one. Closing the
// auction hands the asset to the winner (or back to the owner) and leaves the
// winning amount withdrawable by the owner.
//
// Every operation holds the engine's lock for its whole duration, including
// calls to the ledger and registry, and follows call-then-commit: in-memory
// state is only assigned after every collaborator call has succeeded.
package auction

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudx-io/dutchauction/core"
)

// Deps are the engine's collaborators.
type Deps struct {
	// Account is the escrow identity Tokens and Assets act as.
	Account core.Identity
	Tokens  TokenLedger
	Assets  AssetRegistry
	Steps   StepSource

	// AuctionID is generated when empty.
	AuctionID string
	Observers []Observer

	// TokenDecimals is only used to format amounts in log lines.
	TokenDecimals int32
}

// Snapshot is a consistent copy of the engine's configuration and state.
type Snapshot struct {
	AuctionID         string             `json:"auction_id"`
	Account           core.Identity      `json:"account"`
	Config            core.AuctionConfig `json:"config"`
	OpenStep          int64              `json:"open_step"`
	WinningBidder     core.Identity      `json:"winning_bidder,omitempty"`
	WinningAmount     core.Amount        `json:"winning_amount"`
	Ended             bool               `json:"ended"`
	SettledStep       int64              `json:"settled_step,omitempty"`
	ProceedsWithdrawn bool               `json:"proceeds_withdrawn"`
	BidHashNonce      string             `json:"bid_hash_nonce"`
	BidCount          int                `json:"bid_count"`
}

// Engine runs one Dutch auction. It is safe for concurrent use; calls are
// serialized.
type Engine struct {
	id        string
	cfg       core.AuctionConfig
	account   core.Identity
	tokens    TokenLedger
	assets    AssetRegistry
	steps     StepSource
	observers []Observer
	decimals  int32
	openStep  int64
	nonce     string

	mu                sync.Mutex
	winner            core.Identity
	winningAmount     core.Amount
	ended             bool
	settledStep       int64
	proceedsWithdrawn bool
	bidHashes         []string
}

// New validates cfg, moves the asset from the owner into the engine's
// escrow account and opens the auction at the current step.
func New(ctx context.Context, cfg core.AuctionConfig, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Tokens == nil || deps.Assets == nil || deps.Steps == nil {
		return nil, fmt.Errorf("%w: token ledger, asset registry and step source are required", core.ErrInvalidConfiguration)
	}
	if deps.Account == core.NoIdentity {
		return nil, fmt.Errorf("%w: escrow account is required", core.ErrInvalidConfiguration)
	}
	if deps.Account == cfg.Owner {
		return nil, fmt.Errorf("%w: escrow account must differ from owner", core.ErrInvalidConfiguration)
	}

	openStep := deps.Steps.CurrentStep()
	if err := cfg.ValidateWindow(openStep); err != nil {
		return nil, err
	}

	id := deps.AuctionID
	if id == "" {
		id = uuid.NewString()
	}
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate bid hash nonce: %w", err)
	}

	if err := deps.Assets.TransferOwnership(ctx, cfg.AssetRef, cfg.Owner, deps.Account); err != nil {
		log.Printf("ERROR: Auction %s could not escrow asset %s from %s: %v", id, cfg.AssetRef, cfg.Owner, err)
		return nil, fmt.Errorf("%w: escrow %s from %s: %w", core.ErrAssetUnavailable, cfg.AssetRef, cfg.Owner, err)
	}

	e := &Engine{
		id:        id,
		cfg:       cfg,
		account:   deps.Account,
		tokens:    deps.Tokens,
		assets:    deps.Assets,
		steps:     deps.Steps,
		observers: deps.Observers,
		decimals:  deps.TokenDecimals,
		openStep:  openStep,
		nonce:     nonce,
		bidHashes: make([]string, 0),
	}

	log.Printf("INFO: Auction %s opened at step %d: asset=%s reserve=%s decrement=%s duration=%d starting=%s",
		id, openStep, cfg.AssetRef, e.format(cfg.ReservePrice), e.format(cfg.PriceDecrementPerStep),
		cfg.DurationSteps, e.format(cfg.StartingPrice()))

	snap := e.Snapshot()
	e.notify(func(o Observer) error { return o.AuctionOpened(ctx, snap) })
	return e, nil
}

// ID returns the auction identifier.
func (e *Engine) ID() string { return e.id }

func (e *Engine) Account() core.Identity { return e.account }
func (e *Engine) Config() core.AuctionConfig { return e.cfg }
func (e *Engine) Owner() core.Identity { return e.cfg.Owner }
func (e *Engine) AssetRef() core.AssetRef { return e.cfg.AssetRef }
func (e *Engine) ReservePrice() core.Amount { return e.cfg.ReservePrice }
func (e *Engine) DurationSteps() int64 { return e.cfg.DurationSteps }
func (e *Engine) PriceDecrementPerStep() core.Amount { return e.cfg.PriceDecrementPerStep }
func (e *Engine) OpenStep() int64 { return e.openStep }

// WinningBidder returns the current winning bidder, or core.NoIdentity.
func (e *Engine) WinningBidder() core.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winner
}

// WinningAmount returns the amount escrowed for the current winning bid.
func (e *Engine) WinningAmount() core.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winningAmount
}

// Ended reports whether the auction has been settled.
func (e *Engine) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// CurrentPrice returns the asking price at the current step. After the
// window has elapsed it returns the reserve price. It stays computable after
// the auction ended, for information only.
func (e *Engine) CurrentPrice() core.Amount {
	return e.cfg.PriceAt(e.openStep, e.steps.CurrentStep())
}

// Snapshot returns a copy of the configuration and current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		AuctionID:         e.id,
		Account:           e.account,
		Config:            e.cfg,
		OpenStep:          e.openStep,
		WinningBidder:     e.winner,
		WinningAmount:     e.winningAmount,
		Ended:             e.ended,
		SettledStep:       e.settledStep,
		ProceedsWithdrawn: e.proceedsWithdrawn,
		BidHashNonce:      e.nonce,
		BidCount:          len(e.bidHashes),
	}
}

// BidHashes returns the hashes of every accepted bid, in acceptance order.
func (e *Engine) BidHashes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.bidHashes...)
}

// PlaceBid validates amount against the live price and escrows it. Any
// previous winning bid, including one by the same bidder, is refunded in
// full. The bidder pays exactly amount if the bid stands at close. A bid
// must be positive, so with a zero reserve and decrement the lowest
// acceptable bid is 1.
func (e *Engine) PlaceBid(ctx context.Context, bidder core.Identity, amount core.Amount) (core.BidRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bidder == core.NoIdentity || bidder == e.account {
		return core.BidRecord{}, fmt.Errorf("%w: invalid bidder %q", core.ErrUnauthorized, bidder)
	}
	if e.ended {
		return core.BidRecord{}, fmt.Errorf("%w: auction %s no longer accepts bids", core.ErrAuctionAlreadyEnded, e.id)
	}

	step := e.steps.CurrentStep()
	if !e.cfg.WindowOpen(e.openStep, step) {
		log.Printf("INFO: Auction %s rejected bid from %s at step %d: window is [%d, %d]",
			e.id, bidder, step, e.openStep, e.cfg.LastBidStep(e.openStep))
		return core.BidRecord{}, fmt.Errorf("%w: step %d outside [%d, %d]",
			core.ErrAuctionWindowClosed, step, e.openStep, e.cfg.LastBidStep(e.openStep))
	}

	if amount <= 0 {
		return core.BidRecord{}, fmt.Errorf("%w: bid amount must be positive, got %d", core.ErrBidTooLow, amount)
	}
	price := e.cfg.PriceAt(e.openStep, step)
	if amount < price {
		log.Printf("INFO: Auction %s rejected bid from %s at step %d: %s below price %s",
			e.id, bidder, step, e.format(amount), e.format(price))
		return core.BidRecord{}, fmt.Errorf("%w: bid %d below current price %d", core.ErrBidTooLow, amount, price)
	}

	previous, previousAmount := e.winner, e.winningAmount
	if err := e.escrowBid(ctx, bidder, amount, previous, previousAmount); err != nil {
		log.Printf("ERROR: Auction %s failed to escrow bid from %s: %v", e.id, bidder, err)
		return core.BidRecord{}, fmt.Errorf("%w: %w", core.ErrPaymentTransferFailed, err)
	}

	record := core.BidRecord{
		ID:        uuid.NewString(),
		AuctionID: e.id,
		Bidder:    bidder,
		Amount:    amount,
		Price:     price,
		Step:      step,
		Refunded:  previous,
		Hash:      core.ComputeBidHash(e.id, bidder, amount, step, e.nonce),
	}
	e.winner = bidder
	e.winningAmount = amount
	e.bidHashes = append(e.bidHashes, record.Hash)

	if previous != core.NoIdentity {
		log.Printf("INFO: Auction %s accepted bid %s from %s: %s at price %s (step %d), refunded %s to %s",
			e.id, record.ID, bidder, e.format(amount), e.format(price), step, e.format(previousAmount), previous)
	} else {
		log.Printf("INFO: Auction %s accepted bid %s from %s: %s at price %s (step %d)",
			e.id, record.ID, bidder, e.format(amount), e.format(price), step)
	}

	snap := e.snapshotLocked()
	e.notify(func(o Observer) error { return o.BidAccepted(ctx, record, snap) })
	return record, nil
}

// escrowBid refunds the previous bid and pulls the new one. With a
// BatchLedger both movements happen atomically. Otherwise the pull is
// checked against the bidder's balance and allowance, the new bid is pulled
// and only then is the previous one refunded. A failed refund is undone by
// returning the pull, so a failure never leaves the escrow short of the
// winning bid it records.
func (e *Engine) escrowBid(ctx context.Context, bidder core.Identity, amount core.Amount, previous core.Identity, previousAmount core.Amount) error {
	if batch, ok := e.tokens.(BatchLedger); ok {
		moves := make([]core.Movement, 0, 2)
		if previous != core.NoIdentity {
			moves = append(moves, core.Movement{From: e.account, To: previous, Amount: previousAmount})
		}
		moves = append(moves, core.Movement{From: bidder, To: e.account, Amount: amount})
		return batch.TransferBatch(ctx, moves)
	}

	if err := e.checkPull(ctx, bidder, amount, previous, previousAmount); err != nil {
		return err
	}

	if bidder == previous {
		return e.settleDifference(ctx, bidder, amount, previousAmount)
	}

	if err := e.tokens.TransferFrom(ctx, bidder, e.account, amount); err != nil {
		return fmt.Errorf("pull %d from %s: %w", amount, bidder, err)
	}
	if previous == core.NoIdentity {
		return nil
	}
	if err := e.tokens.Transfer(ctx, previous, previousAmount); err != nil {
		refundErr := fmt.Errorf("refund %d to %s: %w", previousAmount, previous, err)
		if revertErr := e.tokens.Transfer(ctx, bidder, amount); revertErr != nil {
			log.Printf("ERROR: Auction %s could not return %s to %s after a failed refund: %v",
				e.id, e.format(amount), bidder, revertErr)
			return fmt.Errorf("%w; return %d to %s: %w", refundErr, amount, bidder, revertErr)
		}
		return refundErr
	}
	return nil
}

// settleDifference moves only the net amount when a bidder replaces their
// own winning bid.
func (e *Engine) settleDifference(ctx context.Context, bidder core.Identity, amount, previousAmount core.Amount) error {
	switch {
	case amount > previousAmount:
		if err := e.tokens.TransferFrom(ctx, bidder, e.account, amount-previousAmount); err != nil {
			return fmt.Errorf("pull %d from %s: %w", amount-previousAmount, bidder, err)
		}
	case amount < previousAmount:
		if err := e.tokens.Transfer(ctx, bidder, previousAmount-amount); err != nil {
			return fmt.Errorf("refund %d to %s: %w", previousAmount-amount, bidder, err)
		}
	}
	return nil
}

func (e *Engine) checkPull(ctx context.Context, bidder core.Identity, amount core.Amount, previous core.Identity, previousAmount core.Amount) error {
	balance, err := e.tokens.BalanceOf(ctx, bidder)
	if err != nil {
		return fmt.Errorf("read balance of %s: %w", bidder, err)
	}
	if bidder == previous {
		balance += previousAmount
	}
	if balance < amount {
		return fmt.Errorf("%s holds %d, needs %d", bidder, balance, amount)
	}

	allowance, err := e.tokens.Allowance(ctx, bidder, e.account)
	if err != nil {
		return fmt.Errorf("read allowance of %s: %w", bidder, err)
	}
	if allowance < amount {
		return fmt.Errorf("%s approved %d, needs %d", bidder, allowance, amount)
	}
	return nil
}

// Close settles the auction. Only the owner may close, at any time. With a
// winning bid the asset goes to the winner and the winning amount stays in
// escrow until the owner withdraws it; without one the asset returns to the
// owner and no tokens move. If the asset transfer fails the auction stays
// open and Close can be retried.
func (e *Engine) Close(ctx context.Context, caller core.Identity) (core.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Owner {
		return core.Settlement{}, fmt.Errorf("%w: only the owner may close auction %s", core.ErrUnauthorized, e.id)
	}
	if e.ended {
		return core.Settlement{}, fmt.Errorf("%w: auction %s", core.ErrAuctionAlreadyEnded, e.id)
	}

	step := e.steps.CurrentStep()
	recipient := e.cfg.Owner
	if e.winner != core.NoIdentity {
		recipient = e.winner
	}

	if err := e.assets.TransferOwnership(ctx, e.cfg.AssetRef, e.account, recipient); err != nil {
		log.Printf("ERROR: Auction %s failed to transfer asset %s to %s: %v", e.id, e.cfg.AssetRef, recipient, err)
		return core.Settlement{}, fmt.Errorf("%w: transfer %s to %s: %w", core.ErrSettlementFailed, e.cfg.AssetRef, recipient, err)
	}

	e.ended = true
	e.settledStep = step

	settlement := core.Settlement{
		AuctionID:     e.id,
		AssetRef:      e.cfg.AssetRef,
		Owner:         e.cfg.Owner,
		Winner:        e.winner,
		ClearingPrice: e.winningAmount,
		AssetTo:       recipient,
		OpenStep:      e.openStep,
		SettledStep:   step,
		BidHashes:     append([]string(nil), e.bidHashes...),
	}

	if settlement.HasWinner() {
		log.Printf("INFO: Auction %s settled at step %d: asset %s to %s, clearing price %s withdrawable by %s",
			e.id, step, e.cfg.AssetRef, e.winner, e.format(e.winningAmount), e.cfg.Owner)
	} else {
		log.Printf("INFO: Auction %s settled at step %d without bids: asset %s returned to %s",
			e.id, step, e.cfg.AssetRef, e.cfg.Owner)
	}

	snap := e.snapshotLocked()
	e.notify(func(o Observer) error { return o.AuctionSettled(ctx, settlement, snap) })
	return settlement, nil
}

// WithdrawProceeds pays the winning amount to the owner. It succeeds once,
// after the auction ended with a winner.
func (e *Engine) WithdrawProceeds(ctx context.Context, caller core.Identity) (core.Amount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Owner {
		return 0, fmt.Errorf("%w: only the owner may withdraw proceeds of auction %s", core.ErrUnauthorized, e.id)
	}
	if !e.ended {
		return 0, fmt.Errorf("%w: auction %s is still open", core.ErrAuctionNotEnded, e.id)
	}
	if e.winner == core.NoIdentity {
		return 0, fmt.Errorf("%w: auction %s closed without bids", core.ErrNothingToWithdraw, e.id)
	}
	if e.proceedsWithdrawn {
		return 0, fmt.Errorf("%w: proceeds of auction %s already withdrawn", core.ErrNothingToWithdraw, e.id)
	}

	amount := e.winningAmount
	if err := e.tokens.Transfer(ctx, e.cfg.Owner, amount); err != nil {
		log.Printf("ERROR: Auction %s failed to pay %s to %s: %v", e.id, e.format(amount), e.cfg.Owner, err)
		return 0, fmt.Errorf("%w: pay %d to %s: %w", core.ErrSettlementFailed, amount, e.cfg.Owner, err)
	}
	e.proceedsWithdrawn = true

	log.Printf("INFO: Auction %s paid proceeds of %s to %s", e.id, e.format(amount), e.cfg.Owner)

	snap := e.snapshotLocked()
	e.notify(func(o Observer) error { return o.ProceedsWithdrawn(ctx, amount, snap) })
	return amount, nil
}

func (e *Engine) notify(fn func(Observer) error) {
	for _, o := range e.observers {
		if err := fn(o); err != nil {
			log.Printf("ERROR: Auction %s observer failed: %v", e.id, err)
		}
	}
}

func (e *Engine) format(amount core.Amount) string {
	return core.FormatAmount(amount, e.decimals)
}

func generateNonce() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}
