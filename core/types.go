package core

// Identity names an account that can hold tokens or assets: the auction owner,
// a bidder, or the engine's own escrow account.
type Identity string

// AssetRef identifies the single non-fungible item held by an asset registry.
type AssetRef string

// Amount is a quantity of the payment token in its smallest unit.
type Amount int64

// NoIdentity is the zero Identity, used when there is no winning bidder.
const NoIdentity Identity = ""

// AuctionConfig holds the immutable parameters of one Dutch auction.
type AuctionConfig struct {
	Owner                 Identity `json:"owner" yaml:"owner"`
	AssetRef              AssetRef `json:"asset_ref" yaml:"asset_ref"`
	ReservePrice          Amount   `json:"reserve_price" yaml:"reserve_price"`
	DurationSteps         int64    `json:"duration_steps" yaml:"duration_steps"`
	PriceDecrementPerStep Amount   `json:"price_decrement_per_step" yaml:"price_decrement_per_step"`
}

// BidRecord is an accepted bid, as reported to observers and stored in bid history.
type BidRecord struct {
	ID        string   `json:"id"`
	AuctionID string   `json:"auction_id"`
	Bidder    Identity `json:"bidder"`
	Amount    Amount   `json:"amount"`
	Price     Amount   `json:"price"` // asking price at the step the bid executed
	Step      int64    `json:"step"`
	Refunded  Identity `json:"refunded,omitempty"`
	Hash      string   `json:"hash"`
}

// Settlement describes the outcome of closing an auction.
type Settlement struct {
	AuctionID     string   `json:"auction_id"`
	AssetRef      AssetRef `json:"asset_ref"`
	Owner         Identity `json:"owner"`
	Winner        Identity `json:"winner,omitempty"` // empty if nobody bid
	ClearingPrice Amount   `json:"clearing_price"`
	AssetTo       Identity `json:"asset_to"`
	OpenStep      int64    `json:"open_step"`
	SettledStep   int64    `json:"settled_step"`
	BidHashes     []string `json:"bid_hashes"`
}

// HasWinner reports whether the auction closed with a winning bid.
func (s Settlement) HasWinner() bool {
	return s.Winner != NoIdentity
}

// Movement is a single token transfer inside an atomic ledger batch.
// When From is the account the ledger client is bound to, the movement
// spends that account's own balance; otherwise it spends From's allowance
// to the bound account.
type Movement struct {
	From   Identity `json:"from"`
	To     Identity `json:"to"`
	Amount Amount   `json:"amount"`
}
