package core

import (
	"crypto/sha256"
	"fmt"
)

// ComputeBidHash computes the hash recorded for an accepted bid.
// It is used by the engine (to record bid history) and by receipt
// validation (to check that a bid was part of a settled auction).
//
// Formula: SHA256(auction_id + "|" + bidder + "|" + amount + "|" + step + "|" + nonce)
func ComputeBidHash(auctionID string, bidder Identity, amount Amount, step int64, nonce string) string {
	data := fmt.Sprintf("%s|%s|%d|%d|%s", auctionID, bidder, amount, step, nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeReceiptHash computes the hash of an encoded settlement receipt.
// This is the value embedded in enclave attestations of a settlement.
func ComputeReceiptHash(receipt []byte) string {
	hash := sha256.Sum256(receipt)
	return fmt.Sprintf("%x", hash)
}
