package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cloudx-io/dutchauction/auctionapi"
	"github.com/cloudx-io/dutchauction/validation"
)

func main() {
	var (
		receiptInput  = flag.String("receipt", "", "Receipt or close response JSON (file path or inline JSON)")
		publicKeyPath = flag.String("public-key", "", "Trusted PEM public key of the auction host")
		pcrsPath      = flag.String("pcrs", "", "Known PCR sets JSON, used when the receipt is attested")
		auctionID     = flag.String("auction-id", "", "Expected auction ID")
		winner        = flag.String("winner", "", "Expected winner")
		clearingPrice = flag.Int64("clearing-price", 0, "Expected clearing price in token base units")
		noWinner      = flag.Bool("no-winner", false, "Expect the auction to have closed without bids")
		bidHashes     = flag.String("bid-hashes", "", "Comma-separated bid hashes that must appear in the receipt")
		outputFormat  = flag.String("format", "text", "Output format: text or json")
		help          = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	if *help {
		showUsage()
		os.Exit(0)
	}

	if *receiptInput == "" {
		showUsage()
		fmt.Fprintf(os.Stderr, "\nError: --receipt is required\n")
		os.Exit(1)
	}

	resp, err := readReceipt(*receiptInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading receipt: %v\n", err)
		os.Exit(2)
	}

	var trustedKey *ecdsa.PublicKey
	if *publicKeyPath != "" {
		data, err := os.ReadFile(*publicKeyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading public key: %v\n", err)
			os.Exit(2)
		}
		if trustedKey, err = validation.ParsePublicKeyPEM(string(data)); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing public key: %v\n", err)
			os.Exit(2)
		}
	}

	var knownPCRs []validation.PCRSet
	if *pcrsPath != "" {
		if knownPCRs, err = validation.LoadPCRsFromFile(*pcrsPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading PCRs: %v\n", err)
			os.Exit(2)
		}
	}

	expect := validation.Expectation{
		AuctionID:     *auctionID,
		Winner:        *winner,
		ClearingPrice: *clearingPrice,
		NoWinner:      *noWinner,
	}
	if *bidHashes != "" {
		expect.BidHashes = strings.Split(*bidHashes, ",")
	}

	result, err := validation.VerifyReceipt(resp, trustedKey, expect, knownPCRs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	if *outputFormat == "json" {
		outputJSON(result)
	} else {
		outputText(result)
	}

	if !result.IsValid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	fmt.Println("Dutch Auction Receipt Validator")
	fmt.Println()
	fmt.Println("Verifies a signed settlement receipt issued by auctiond.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  receipt-validator --receipt <json> [options]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --receipt <json>           Receipt response (plain or compact), or close response carrying one")
	fmt.Println("  --public-key <file>        Trusted host public key (default: key shipped in the receipt)")
	fmt.Println("  --pcrs <file>              Known PCR sets for attested receipts")
	fmt.Println("  --auction-id <id>          Expected auction ID")
	fmt.Println("  --winner <identity>        Expected winner")
	fmt.Println("  --clearing-price <amount>  Expected clearing price")
	fmt.Println("  --no-winner                Expect no winner")
	fmt.Println("  --bid-hashes <h1,h2>       Bid hashes that must be in the receipt")
	fmt.Println("  --format <text|json>       Output format (default: text)")
	fmt.Println()
	fmt.Println("Exit Codes:")
	fmt.Println("  0 - Validation passed")
	fmt.Println("  1 - Validation failed")
	fmt.Println("  2 - Invalid input or runtime error")
}

// readReceipt accepts a file path or inline JSON holding either a receipt
// response or a close response.
func readReceipt(input string) (auctionapi.ReceiptResponse, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		data = []byte(input)
	}

	var envelope struct {
		auctionapi.ReceiptResponse
		Receipt *auctionapi.ReceiptResponse `json:"receipt"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return auctionapi.ReceiptResponse{}, fmt.Errorf("parse receipt: %w", err)
	}
	if envelope.Receipt != nil {
		return *envelope.Receipt, nil
	}
	if envelope.ReceiptCOSE == "" && envelope.ReceiptGzip == "" {
		return auctionapi.ReceiptResponse{}, fmt.Errorf("missing receipt_cose_base64 or receipt_cose_gzip")
	}
	return envelope.ReceiptResponse, nil
}

func outputText(result *validation.ReceiptValidationResult) {
	fmt.Println("Dutch Auction Receipt Validator")
	fmt.Println("===============================")
	fmt.Println()

	r := result.Receipt
	fmt.Println("Receipt:")
	fmt.Printf("  Auction:                 %s\n", r.AuctionID)
	fmt.Printf("  Asset:                   %s -> %s\n", r.AssetRef, r.AssetTo)
	if r.HasWinner() {
		fmt.Printf("  Winner:                  %s at %d\n", r.Winner, r.ClearingPrice)
	} else {
		fmt.Println("  Winner:                  none")
	}
	fmt.Printf("  Steps:                   %d -> %d\n", r.OpenStep, r.SettledStep)
	fmt.Printf("  Accepted bids:           %d\n", len(r.BidHashes))

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Signature Valid:         %v\n", result.SignatureValid)
	fmt.Printf("  Hash Valid:              %v\n", result.HashValid)
	fmt.Printf("  Canonical Encoding:      %v\n", result.CanonicalEncoding)
	fmt.Printf("  Outcome Consistent:      %v\n", result.OutcomeConsistent)
	fmt.Printf("  Expectations Met:        %v\n", result.ExpectationsMet)
	if a := result.Attestation; a != nil {
		fmt.Printf("  Attestation PCRs:        %v\n", a.PCRsValid)
		fmt.Printf("  Attestation Certificate: %v\n", a.CertificateValid)
		fmt.Printf("  Attestation Signature:   %v\n", a.SignatureValid)
		fmt.Printf("  Attestation User Data:   %v\n", a.UserDataMatch)
	}

	fmt.Println()
	fmt.Println("Details:")
	for _, detail := range result.ValidationDetails {
		fmt.Printf("  - %s\n", detail)
	}
	if result.Attestation != nil {
		for _, detail := range result.Attestation.ValidationDetails {
			fmt.Printf("  - attestation: %s\n", detail)
		}
	}

	fmt.Println()
	fmt.Println("===============================")
	if result.IsValid() {
		fmt.Println("VALIDATION: ✓ PASSED")
	} else {
		fmt.Println("VALIDATION: ✗ FAILED")
	}
}

func outputJSON(result *validation.ReceiptValidationResult) {
	output := map[string]any{
		"valid":              result.IsValid(),
		"receipt":            result.Receipt,
		"receipt_hash":       result.ReceiptHash,
		"signature_valid":    result.SignatureValid,
		"hash_valid":         result.HashValid,
		"canonical_encoding": result.CanonicalEncoding,
		"outcome_consistent": result.OutcomeConsistent,
		"expectations_met":   result.ExpectationsMet,
		"details":            result.ValidationDetails,
	}
	if a := result.Attestation; a != nil {
		output["attestation"] = map[string]any{
			"valid":             a.IsValid(),
			"pcrs_valid":        a.PCRsValid,
			"certificate_valid": a.CertificateValid,
			"signature_valid":   a.SignatureValid,
			"user_data_match":   a.UserDataMatch,
			"details":           a.ValidationDetails,
		}
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(data))
}
