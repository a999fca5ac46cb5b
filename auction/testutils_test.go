package auction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/peterldowns/testy/assert"

	"github.com/cloudx-io/dutchauction/core"
	"github.com/cloudx-io/dutchauction/nft"
	"github.com/cloudx-io/dutchauction/token"
)

const (
	owner    core.Identity = "owner"
	escrow   core.Identity = "auction-escrow"
	bidder1  core.Identity = "bidder1"
	bidder2  core.Identity = "bidder2"
	assetRef core.AssetRef = "nft-1"

	openStep int64 = 100
)

var errInjected = errors.New("injected failure")

// fixture wires an engine to the in-memory ledger and registry.
type fixture struct {
	ctx      context.Context
	ledger   *token.Ledger
	registry *nft.Registry
	steps    *StepCounter
	observer *recordingObserver
	engine   *Engine
}

func defaultConfig() core.AuctionConfig {
	return core.AuctionConfig{
		Owner:                 owner,
		AssetRef:              assetRef,
		ReservePrice:          100,
		DurationSteps:         10,
		PriceDecrementPerStep: 1,
	}
}

func newRegistryWithAsset(t *testing.T) *nft.Registry {
	t.Helper()
	registry := nft.NewRegistry()
	assert.NoError(t, registry.Mint(owner, assetRef))
	assert.NoError(t, registry.Approve(owner, escrow, assetRef))
	return registry
}

func newFixture(t *testing.T, cfg core.AuctionConfig) *fixture {
	t.Helper()
	return newFixtureWith(t, cfg, nil, nil)
}

// newFixtureWith lets a test wrap the ledger or registry client, e.g. to
// inject failures.
func newFixtureWith(t *testing.T, cfg core.AuctionConfig, wrapTokens func(TokenLedger) TokenLedger, wrapAssets func(AssetRegistry) AssetRegistry) *fixture {
	t.Helper()

	f := &fixture{
		ctx:      context.Background(),
		ledger:   token.NewLedger("BID", 0),
		registry: newRegistryWithAsset(t),
		steps:    NewStepCounter(openStep),
		observer: &recordingObserver{},
	}

	var tokens TokenLedger = f.ledger.Client(escrow)
	if wrapTokens != nil {
		tokens = wrapTokens(tokens)
	}
	var assets AssetRegistry = f.registry.Client(escrow)
	if wrapAssets != nil {
		assets = wrapAssets(assets)
	}

	engine, err := New(f.ctx, cfg, Deps{
		Account:   escrow,
		Tokens:    tokens,
		Assets:    assets,
		Steps:     f.steps,
		Observers: []Observer{f.observer},
	})
	assert.NoError(t, err)
	f.engine = engine
	return f
}

// fund mints amount to bidder and approves the escrow account to pull it.
func (f *fixture) fund(t *testing.T, bidder core.Identity, amount core.Amount) {
	t.Helper()
	assert.NoError(t, f.ledger.Mint(bidder, amount))
	assert.NoError(t, f.ledger.Approve(bidder, escrow, f.ledger.Allowance(bidder, escrow)+amount))
}

func (f *fixture) ownerOfAsset(t *testing.T) core.Identity {
	t.Helper()
	holder, err := f.registry.OwnerOf(assetRef)
	assert.NoError(t, err)
	return holder
}

// plainLedger hides TransferBatch so the engine takes the sequential path.
type plainLedger struct {
	TokenLedger
}

// flakyLedger fails pulls even when balance and allowance suffice.
type flakyLedger struct {
	TokenLedger
	failPulls     bool
	failTransfers int
}

func (l *flakyLedger) TransferFrom(ctx context.Context, from, to core.Identity, amount core.Amount) error {
	if l.failPulls {
		return errInjected
	}
	return l.TokenLedger.TransferFrom(ctx, from, to, amount)
}

func (l *flakyLedger) Transfer(ctx context.Context, to core.Identity, amount core.Amount) error {
	if l.failTransfers > 0 {
		l.failTransfers--
		return errInjected
	}
	return l.TokenLedger.Transfer(ctx, to, amount)
}

// flakyRegistry fails the next n ownership transfers.
type flakyRegistry struct {
	AssetRegistry
	failTransfers int
}

func (r *flakyRegistry) TransferOwnership(ctx context.Context, ref core.AssetRef, from, to core.Identity) error {
	if r.failTransfers > 0 {
		r.failTransfers--
		return errInjected
	}
	return r.AssetRegistry.TransferOwnership(ctx, ref, from, to)
}

type recordingObserver struct {
	mu          sync.Mutex
	opened      []Snapshot
	bids        []core.BidRecord
	settlements []core.Settlement
	withdrawals []core.Amount
	err         error
}

func (o *recordingObserver) AuctionOpened(_ context.Context, snap Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, snap)
	return o.err
}

func (o *recordingObserver) BidAccepted(_ context.Context, bid core.BidRecord, _ Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bids = append(o.bids, bid)
	return o.err
}

func (o *recordingObserver) AuctionSettled(_ context.Context, settlement core.Settlement, _ Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settlements = append(o.settlements, settlement)
	return o.err
}

func (o *recordingObserver) ProceedsWithdrawn(_ context.Context, amount core.Amount, _ Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.withdrawals = append(o.withdrawals, amount)
	return o.err
}
