package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/dutchauction/auction"
	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/core"
	"github.com/cloudx-io/dutchauction/nft"
	"github.com/cloudx-io/dutchauction/token"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "auction.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	check.NotNil(t, err)
}

func TestClose_NilStore(t *testing.T) {
	var s *Store
	check.Nil(t, s.Close())
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap := auction.Snapshot{
		AuctionID: "auction-1",
		Account:   "escrow",
		Config: core.AuctionConfig{
			Owner: "owner", AssetRef: "nft-1", ReservePrice: 100, DurationSteps: 10, PriceDecrementPerStep: 1,
		},
		OpenStep:      5,
		WinningBidder: "bidder1",
		WinningAmount: 110,
		BidHashNonce:  "nonce",
		BidCount:      1,
	}
	assert.NoError(t, s.SaveSnapshot(ctx, snap))

	loaded, err := s.LoadSnapshot(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, snap, loaded)

	snap.Ended = true
	snap.SettledStep = 9
	assert.NoError(t, s.SaveSnapshot(ctx, snap))
	loaded, err = s.LoadSnapshot(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, snap, loaded)

	_, err = s.LoadSnapshot(ctx, "missing")
	check.True(t, errors.Is(err, ErrNotFound))
}

func TestBids_KeepAcceptanceOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bids := []core.BidRecord{
		{ID: "b-2", AuctionID: "auction-1", Bidder: "bidder1", Amount: 110, Price: 110, Step: 0, Hash: "h1"},
		{ID: "b-1", AuctionID: "auction-1", Bidder: "bidder2", Amount: 120, Price: 108, Step: 2, Refunded: "bidder1", Hash: "h2"},
		{ID: "b-3", AuctionID: "auction-2", Bidder: "bidder3", Amount: 50, Price: 50, Step: 1, Hash: "h3"},
	}
	for _, bid := range bids {
		assert.NoError(t, s.SaveBid(ctx, bid))
	}

	listed, err := s.ListBids(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, bids[:2], listed)

	empty, err := s.ListBids(ctx, "missing")
	assert.NoError(t, err)
	check.Equal(t, 0, len(empty))

	check.NotNil(t, s.SaveBid(ctx, core.BidRecord{AuctionID: "auction-1"}))
	check.NotNil(t, s.SaveBid(ctx, bids[0]))
}

func TestSettlement_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	settlement := core.Settlement{
		AuctionID: "auction-1", AssetRef: "nft-1", Owner: "owner", Winner: "bidder2",
		ClearingPrice: 101, AssetTo: "bidder2", OpenStep: 0, SettledStep: 10, BidHashes: []string{"h1", "h2"},
	}
	assert.NoError(t, s.SaveSettlement(ctx, settlement))

	loaded, err := s.LoadSettlement(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, settlement, loaded)

	// An auction settles once.
	check.NotNil(t, s.SaveSettlement(ctx, settlement))

	_, err = s.LoadSettlement(ctx, "missing")
	check.True(t, errors.Is(err, ErrNotFound))
}

func TestReceipt_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	receipt := auctionapi.ReceiptResponse{
		Type:            "receipt",
		ReceiptHash:     "abc123",
		ReceiptCOSE:     auctionapi.COSE([]byte("signed-receipt")).EncodeBase64(),
		PublicKey:       "-----BEGIN PUBLIC KEY-----",
		AttestationCOSE: auctionapi.COSE([]byte("attestation")).EncodeBase64(),
	}
	assert.NoError(t, s.SaveReceipt(ctx, "auction-1", receipt))

	loaded, err := s.LoadReceipt(ctx, "auction-1")
	assert.NoError(t, err)
	check.Equal(t, receipt, loaded)

	receipt.AttestationCOSE = ""
	assert.NoError(t, s.SaveReceipt(ctx, "auction-2", receipt))
	loaded, err = s.LoadReceipt(ctx, "auction-2")
	assert.NoError(t, err)
	check.Equal(t, auctionapi.COSEBase64(""), loaded.AttestationCOSE)

	_, err = s.LoadReceipt(ctx, "missing")
	check.True(t, errors.Is(err, ErrNotFound))
}

func TestCancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SaveBid(ctx, core.BidRecord{ID: "b-1", AuctionID: "auction-1"})
	check.True(t, errors.Is(err, context.Canceled))
}

// TestObserver_RecordsEngineHistory attaches a store to a live engine and
// checks that every committed change lands in the database.
func TestObserver_RecordsEngineHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ledger := token.NewLedger("BID", 0)
	registry := nft.NewRegistry()
	assert.NoError(t, registry.Mint("owner", "nft-1"))
	assert.NoError(t, registry.Approve("owner", "escrow", "nft-1"))
	for _, bidder := range []core.Identity{"bidder1", "bidder2"} {
		assert.NoError(t, ledger.Mint(bidder, 200))
		assert.NoError(t, ledger.Approve(bidder, "escrow", 200))
	}
	steps := auction.NewStepCounter(0)

	engine, err := auction.New(ctx, core.AuctionConfig{
		Owner: "owner", AssetRef: "nft-1", ReservePrice: 100, DurationSteps: 10, PriceDecrementPerStep: 1,
	}, auction.Deps{
		Account:   "escrow",
		Tokens:    ledger.Client("escrow"),
		Assets:    registry.Client("escrow"),
		Steps:     steps,
		Observers: []auction.Observer{s},
	})
	assert.NoError(t, err)

	steps.Advance(10)
	first, err := engine.PlaceBid(ctx, "bidder1", 100)
	assert.NoError(t, err)
	second, err := engine.PlaceBid(ctx, "bidder2", 101)
	assert.NoError(t, err)
	settlement, err := engine.Close(ctx, "owner")
	assert.NoError(t, err)
	_, err = engine.WithdrawProceeds(ctx, "owner")
	assert.NoError(t, err)

	bids, err := s.ListBids(ctx, engine.ID())
	assert.NoError(t, err)
	check.Equal(t, []core.BidRecord{first, second}, bids)

	stored, err := s.LoadSettlement(ctx, engine.ID())
	assert.NoError(t, err)
	check.Equal(t, settlement, stored)

	snap, err := s.LoadSnapshot(ctx, engine.ID())
	assert.NoError(t, err)
	check.Equal(t, engine.Snapshot(), snap)
	check.True(t, snap.ProceedsWithdrawn)

	owner, amount, err := s.Withdrawal(ctx, engine.ID())
	assert.NoError(t, err)
	check.Equal(t, core.Identity("owner"), owner)
	check.Equal(t, core.Amount(101), amount)
}
