package validation

import (
	"encoding/json"
	"fmt"

	"github.com/cloudx-io/dutchauction/auctionapi"
)

// ValidateReceiptAttestation checks a Nitro attestation issued for a
// receipt: that its user data names receiptHash and the signing key, that
// its PCRs match a known set (skipped when knownPCRs is empty), its
// certificate chain and its COSE signature.
func ValidateReceiptAttestation(attestation auctionapi.COSE, receiptHash, keyFingerprint string, knownPCRs []PCRSet) (*AttestationValidationResult, error) {
	attestationDoc, userDataBytes, err := attestation.ParseAttestationDoc()
	if err != nil {
		return nil, fmt.Errorf("parse attestation document: %w", err)
	}

	result := &AttestationValidationResult{
		ValidationDetails: []string{},
	}

	var userData auctionapi.ReceiptAttestationUserData
	if err := json.Unmarshal(userDataBytes, &userData); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Invalid user data: %v", err))
	} else if userData.ReceiptHash != receiptHash {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Attested receipt hash %s does not match %s", userData.ReceiptHash, receiptHash))
	} else if userData.KeyFingerprint != keyFingerprint {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Attested signing key %s does not match %s", userData.KeyFingerprint, keyFingerprint))
	} else {
		result.UserDataMatch = true
		result.ValidationDetails = append(result.ValidationDetails, "Attested receipt hash and signing key match")
	}

	if len(knownPCRs) == 0 {
		result.PCRsValid = true
		result.ValidationDetails = append(result.ValidationDetails, "PCR check skipped (no known PCR sets)")
	} else if set, ok := MatchPCRs(attestationDoc.PCRs, knownPCRs); ok {
		result.PCRsValid = true
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Matched PCR set (commit: %s)", set.CommitHash))
	} else {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("PCR0: %s (no match)", attestationDoc.PCRs.ImageFileHash))
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("PCR1: %s (no match)", attestationDoc.PCRs.KernelHash))
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("PCR2: %s (no match)", attestationDoc.PCRs.ApplicationHash))
	}

	leaf, err := signingCertificate(attestationDoc)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Signing certificate unusable: %v", err))
		return result, nil
	}

	if err := verifyNitroChain(leaf, attestationDoc); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Certificate chain validation failed: %v", err))
	} else {
		result.CertificateValid = true
		result.ValidationDetails = append(result.ValidationDetails, "Certificate chain verified")
	}

	if err := VerifyCOSESignature(attestation, leaf); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("COSE signature verification failed: %v", err))
	} else {
		result.SignatureValid = true
		result.ValidationDetails = append(result.ValidationDetails, "COSE signature verified")
	}

	return result, nil
}
