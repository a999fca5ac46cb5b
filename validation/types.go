package validation

import (
	"github.com/cloudx-io/dutchauction/auctionapi"
)

// ReceiptValidationResult contains the checks run against a signed
// settlement receipt.
type ReceiptValidationResult struct {
	SignatureValid    bool
	HashValid         bool
	CanonicalEncoding bool
	OutcomeConsistent bool
	ExpectationsMet   bool
	Receipt           auctionapi.Receipt
	ReceiptHash       string
	ValidationDetails []string

	// Attestation is set when the receipt carried an attestation document.
	Attestation *AttestationValidationResult
}

// IsValid returns true if every receipt check passed, and the attestation
// checks too when an attestation was present.
func (r *ReceiptValidationResult) IsValid() bool {
	valid := r.SignatureValid && r.HashValid && r.CanonicalEncoding && r.OutcomeConsistent && r.ExpectationsMet
	if r.Attestation != nil {
		valid = valid && r.Attestation.IsValid()
	}
	return valid
}

// AttestationValidationResult contains validation results for a Nitro
// attestation over a receipt.
type AttestationValidationResult struct {
	PCRsValid         bool
	CertificateValid  bool
	SignatureValid    bool
	UserDataMatch     bool
	ValidationDetails []string
}

// IsValid returns true if all attestation checks passed
func (r *AttestationValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid && r.UserDataMatch
}

// Expectation is what the verifier expects the receipt to say. Zero
// fields are not checked.
type Expectation struct {
	AuctionID     string
	Winner        string
	ClearingPrice int64
	NoWinner      bool
	// BidHashes must all appear in the receipt's bid hash list.
	BidHashes []string
}

// PCRSet is a known-good set of PCR measurements of an auction host image.
type PCRSet struct {
	PCR0       string `json:"pcr0" yaml:"pcr0"`
	PCR1       string `json:"pcr1" yaml:"pcr1"`
	PCR2       string `json:"pcr2" yaml:"pcr2"`
	CommitHash string `json:"commit_hash" yaml:"commit_hash"` // repo commit used to build the enclave image
}

// PCRConfig represents the PCR configuration file structure
type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets" yaml:"pcr_sets"`
}
