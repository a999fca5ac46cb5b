package validation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/dutchauction/auctionapi"
)

// VerifyCOSESignature verifies the ES384 signature of a Nitro attestation
// document against its signing certificate.
func VerifyCOSESignature(coseBytes auctionapi.COSE, cert *x509.Certificate) error {
	ecdsaKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is not ECDSA")
	}
	if ecdsaKey.Curve != elliptic.P384() {
		return fmt.Errorf("certificate key is on %s, attestations are signed with P-384", ecdsaKey.Curve.Params().Name)
	}

	// Nitro emits COSE_Sign1 without the CBOR tag.
	var msg cose.UntaggedSign1Message
	if err := msg.UnmarshalCBOR(coseBytes); err != nil {
		return fmt.Errorf("parse COSE_Sign1: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, ecdsaKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return nil
}
