package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/core"
)

// EnclaveAttester interface for dependency injection and testing
type EnclaveAttester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// IssueReceipt builds the receipt for a settled auction, signs it with the
// host key and, when attester is non-nil, attests the receipt hash.
func IssueReceipt(km *KeyManager, attester EnclaveAttester, s core.Settlement, cfg core.AuctionConfig, bidHashNonce string, now time.Time) (auctionapi.ReceiptResponse, error) {
	if km == nil {
		return auctionapi.ReceiptResponse{}, fmt.Errorf("no signing key configured")
	}

	receipt := auctionapi.NewReceipt(uuid.NewString(), s, cfg, bidHashNonce, now)
	payload, err := receipt.Encode()
	if err != nil {
		return auctionapi.ReceiptResponse{}, err
	}
	receiptHash := core.ComputeReceiptHash(payload)

	fingerprint, err := km.Fingerprint()
	if err != nil {
		return auctionapi.ReceiptResponse{}, err
	}
	signed, err := SignReceipt(km, payload, fingerprint)
	if err != nil {
		return auctionapi.ReceiptResponse{}, err
	}
	publicKeyPEM, err := km.PublicKeyPEM()
	if err != nil {
		return auctionapi.ReceiptResponse{}, fmt.Errorf("failed to export public key: %w", err)
	}

	resp := auctionapi.ReceiptResponse{
		Type:        "receipt",
		ReceiptHash: receiptHash,
		ReceiptCOSE: signed.EncodeBase64(),
		PublicKey:   publicKeyPEM,
	}

	if attester != nil {
		attestation, err := AttestReceipt(attester, auctionapi.ReceiptAttestationUserData{
			AuctionID:      receipt.AuctionID,
			ReceiptID:      receipt.ReceiptID,
			ReceiptHash:    receiptHash,
			KeyFingerprint: fingerprint,
		})
		if err != nil {
			return auctionapi.ReceiptResponse{}, err
		}
		resp.AttestationCOSE = attestation.EncodeBase64()
	}

	log.Printf("INFO: Issued receipt %s for auction %s (hash %s)", receipt.ReceiptID, receipt.AuctionID, receiptHash)
	return resp, nil
}

// SignReceipt wraps an encoded receipt in a COSE_Sign1 message signed with
// ES256. The key fingerprint is carried as the key ID.
func SignReceipt(km *KeyManager, payload []byte, keyID string) (auctionapi.COSE, error) {
	signer, err := cose.NewSigner(cose.AlgorithmES256, km.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	msg.Headers.Protected[cose.HeaderLabelContentType] = "application/cbor"
	msg.Headers.Unprotected[cose.HeaderLabelKeyID] = []byte(keyID)
	msg.Payload = payload

	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}
	data, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed receipt: %w", err)
	}
	return auctionapi.COSE(data), nil
}

// AttestReceipt asks the enclave for an attestation document embedding
// userData.
func AttestReceipt(attester EnclaveAttester, userData auctionapi.ReceiptAttestationUserData) (auctionapi.COSE, error) {
	if attester == nil {
		return nil, fmt.Errorf("enclave attester is nil")
	}

	userDataBytes, err := json.Marshal(userData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user data: %w", err)
	}
	randomNonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}

	attestationCBOR, err := attester.Attest(enclave.AttestationOptions{
		UserData: userDataBytes,
		Nonce:    []byte(randomNonce),
	})
	if err != nil {
		log.Printf("ERROR: NSM attestation failed: %v", err)
		return nil, fmt.Errorf("NSM attestation failed: %w", err)
	}

	log.Printf("INFO: Receipt attestation generated: %d bytes", len(attestationCBOR))
	return auctionapi.COSE(attestationCBOR), nil
}

func generateNonce() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}
