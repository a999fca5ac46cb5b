package auctionapi

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cloudx-io/dutchauction/core"
)

// Receipt is the signed record of a settled auction. It is encoded as
// deterministic CBOR so that the same settlement always produces the same
// bytes and therefore the same receipt hash.
type Receipt struct {
	ReceiptID             string   `cbor:"receipt_id" json:"receipt_id"`
	AuctionID             string   `cbor:"auction_id" json:"auction_id"`
	AssetRef              string   `cbor:"asset_ref" json:"asset_ref"`
	Owner                 string   `cbor:"owner" json:"owner"`
	Winner                string   `cbor:"winner,omitempty" json:"winner,omitempty"`
	AssetTo               string   `cbor:"asset_to" json:"asset_to"`
	ClearingPrice         int64    `cbor:"clearing_price" json:"clearing_price"`
	ReservePrice          int64    `cbor:"reserve_price" json:"reserve_price"`
	DurationSteps         int64    `cbor:"duration_steps" json:"duration_steps"`
	PriceDecrementPerStep int64    `cbor:"price_decrement_per_step" json:"price_decrement_per_step"`
	OpenStep              int64    `cbor:"open_step" json:"open_step"`
	SettledStep           int64    `cbor:"settled_step" json:"settled_step"`
	BidHashNonce          string   `cbor:"bid_hash_nonce" json:"bid_hash_nonce"`
	BidHashes             []string `cbor:"bid_hashes" json:"bid_hashes"`
	IssuedAt              int64    `cbor:"issued_at" json:"issued_at"` // unix seconds
}

var receiptEncMode = mustReceiptEncMode()

func mustReceiptEncMode() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid deterministic encoding options: %v", err))
	}
	return mode
}

// NewReceipt builds the receipt for settlement s of an auction configured
// with cfg.
func NewReceipt(receiptID string, s core.Settlement, cfg core.AuctionConfig, bidHashNonce string, issuedAt time.Time) Receipt {
	bidHashes := s.BidHashes
	if bidHashes == nil {
		bidHashes = []string{}
	}
	return Receipt{
		ReceiptID:             receiptID,
		AuctionID:             s.AuctionID,
		AssetRef:              string(s.AssetRef),
		Owner:                 string(s.Owner),
		Winner:                string(s.Winner),
		AssetTo:               string(s.AssetTo),
		ClearingPrice:         int64(s.ClearingPrice),
		ReservePrice:          int64(cfg.ReservePrice),
		DurationSteps:         cfg.DurationSteps,
		PriceDecrementPerStep: int64(cfg.PriceDecrementPerStep),
		OpenStep:              s.OpenStep,
		SettledStep:           s.SettledStep,
		BidHashNonce:          bidHashNonce,
		BidHashes:             bidHashes,
		IssuedAt:              issuedAt.Unix(),
	}
}

// HasWinner reports whether the receipt records a winning bid.
func (r Receipt) HasWinner() bool {
	return r.Winner != ""
}

// Encode returns the deterministic CBOR encoding of r.
func (r Receipt) Encode() ([]byte, error) {
	data, err := receiptEncMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return data, nil
}

// Hash returns the SHA-256 of the encoded receipt.
func (r Receipt) Hash() (string, error) {
	data, err := r.Encode()
	if err != nil {
		return "", err
	}
	return core.ComputeReceiptHash(data), nil
}

// DecodeReceipt parses a CBOR encoded receipt.
func DecodeReceipt(data []byte) (Receipt, error) {
	var r Receipt
	if err := cbor.Unmarshal(data, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return r, nil
}
