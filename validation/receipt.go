// Package validation verifies signed settlement receipts issued by the
// auction host, and the Nitro attestations that may accompany them.
package validation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"slices"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/core"
)

// ParsePublicKeyPEM parses a PEM encoded P-256 public key.
func ParsePublicKeyPEM(publicKeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	if ecdsaKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key is not on P-256")
	}
	return ecdsaKey, nil
}

// KeyFingerprint returns the hex SHA-256 of the PKIX encoding of key.
func KeyFingerprint(key *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%x", sum), nil
}

// VerifyReceipt checks a signed receipt. trustedKey is the key the verifier
// trusts; when nil, the key shipped in the response is used, which only
// proves integrity, not origin. knownPCRs is used for the attestation, if
// present; with no known sets the PCR check is skipped.
//
// An error is returned only when the receipt cannot be parsed at all;
// failed checks are reported in the result.
func VerifyReceipt(resp auctionapi.ReceiptResponse, trustedKey *ecdsa.PublicKey, expect Expectation, knownPCRs []PCRSet) (*ReceiptValidationResult, error) {
	coseBytes, err := resp.SignedReceipt()
	if err != nil {
		return nil, err
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(coseBytes); err != nil {
		return nil, fmt.Errorf("parse signed receipt: %w", err)
	}
	receipt, err := auctionapi.DecodeReceipt(msg.Payload)
	if err != nil {
		return nil, err
	}

	result := &ReceiptValidationResult{
		Receipt:           receipt,
		ReceiptHash:       core.ComputeReceiptHash(msg.Payload),
		ValidationDetails: []string{},
	}

	key := trustedKey
	if key == nil {
		key, err = ParsePublicKeyPEM(resp.PublicKey)
		if err != nil {
			return nil, err
		}
		result.detail("Using public key shipped with the receipt (origin not verified)")
	}
	fingerprint, err := KeyFingerprint(key)
	if err != nil {
		return nil, err
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, key)
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		result.detail(fmt.Sprintf("COSE signature verification failed: %v", err))
	} else {
		result.SignatureValid = true
		result.detail("COSE signature verified")
	}

	if result.ReceiptHash == resp.ReceiptHash {
		result.HashValid = true
		result.detail(fmt.Sprintf("Receipt hash matches: %s", result.ReceiptHash))
	} else {
		result.detail(fmt.Sprintf("Receipt hash mismatch: computed %s, reported %s", result.ReceiptHash, resp.ReceiptHash))
	}

	if reencoded, err := receipt.Encode(); err == nil && bytes.Equal(reencoded, msg.Payload) {
		result.CanonicalEncoding = true
	} else {
		result.detail("Receipt payload is not deterministically encoded")
	}

	result.OutcomeConsistent = checkOutcome(receipt, result)
	result.ExpectationsMet = checkExpectation(receipt, expect, result)

	if resp.AttestationCOSE != "" {
		attestation, err := resp.AttestationCOSE.Decode()
		if err != nil {
			return nil, err
		}
		result.Attestation, err = ValidateReceiptAttestation(attestation, result.ReceiptHash, fingerprint, knownPCRs)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (r *ReceiptValidationResult) detail(s string) {
	r.ValidationDetails = append(r.ValidationDetails, s)
}

// checkOutcome verifies the receipt is a possible auction outcome: the
// asset went to the winner at no less than the reserve price, or back to
// the owner for nothing.
func checkOutcome(r auctionapi.Receipt, result *ReceiptValidationResult) bool {
	switch {
	case r.HasWinner() && r.AssetTo != r.Winner:
		result.detail(fmt.Sprintf("Asset went to %s, not to winner %s", r.AssetTo, r.Winner))
	case r.HasWinner() && r.ClearingPrice < r.ReservePrice:
		result.detail(fmt.Sprintf("Clearing price %d below reserve %d", r.ClearingPrice, r.ReservePrice))
	case r.HasWinner() && len(r.BidHashes) == 0:
		result.detail("Winner recorded without any accepted bid")
	case !r.HasWinner() && r.AssetTo != r.Owner:
		result.detail(fmt.Sprintf("Asset went to %s although nobody bid", r.AssetTo))
	case !r.HasWinner() && r.ClearingPrice != 0:
		result.detail(fmt.Sprintf("Clearing price %d without a winner", r.ClearingPrice))
	case r.SettledStep < r.OpenStep:
		result.detail(fmt.Sprintf("Settled at step %d before opening at %d", r.SettledStep, r.OpenStep))
	default:
		result.detail("Settlement outcome consistent")
		return true
	}
	return false
}

func checkExpectation(r auctionapi.Receipt, expect Expectation, result *ReceiptValidationResult) bool {
	ok := true
	if expect.AuctionID != "" && expect.AuctionID != r.AuctionID {
		result.detail(fmt.Sprintf("Auction ID %s, expected %s", r.AuctionID, expect.AuctionID))
		ok = false
	}
	if expect.Winner != "" && expect.Winner != r.Winner {
		result.detail(fmt.Sprintf("Winner %q, expected %q", r.Winner, expect.Winner))
		ok = false
	}
	if expect.NoWinner && r.HasWinner() {
		result.detail(fmt.Sprintf("Winner %q, expected none", r.Winner))
		ok = false
	}
	if expect.ClearingPrice != 0 && expect.ClearingPrice != r.ClearingPrice {
		result.detail(fmt.Sprintf("Clearing price %d, expected %d", r.ClearingPrice, expect.ClearingPrice))
		ok = false
	}
	for _, hash := range expect.BidHashes {
		if !slices.Contains(r.BidHashes, hash) {
			result.detail(fmt.Sprintf("Bid hash %s not in receipt", hash))
			ok = false
		}
	}
	if ok {
		result.detail("Receipt matches expectations")
	}
	return ok
}
