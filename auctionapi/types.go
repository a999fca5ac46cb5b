// Package auctionapi defines the wire format spoken by the auction host
// process: JSON requests and responses, CBOR settlement receipts and the COSE
// envelopes that carry signed receipts and enclave attestations.
package auctionapi

import (
	"fmt"

	"github.com/cloudx-io/dutchauction/core"
)

// Request types accepted by the host.
const (
	RequestPing        = "ping"
	RequestStatus      = "status"
	RequestPrice       = "price"
	RequestAdvanceStep = "advance_step"
	RequestBid         = "bid"
	RequestClose       = "close"
	RequestWithdraw    = "withdraw"
	RequestMint        = "mint"
	RequestApprove     = "approve"
	RequestBalance     = "balance"
	RequestReceipt     = "receipt"
	RequestHistory     = "history"
)

// BaseRequest is decoded first to dispatch on Type.
type BaseRequest struct {
	Type string `json:"type"`
}

// AdvanceStepRequest moves the host's step counter. Exactly one of Steps
// (relative) or To (absolute) should be set.
type AdvanceStepRequest struct {
	Type  string `json:"type"`
	Steps int64  `json:"steps,omitempty"`
	To    int64  `json:"to,omitempty"`
}

type BidRequest struct {
	Type   string        `json:"type"`
	Bidder core.Identity `json:"bidder"`
	Amount core.Amount   `json:"amount"`
}

// CloseRequest is used for both "close" and "withdraw".
type CloseRequest struct {
	Type   string        `json:"type"`
	Caller core.Identity `json:"caller"`
}

type MintRequest struct {
	Type    string        `json:"type"`
	Account core.Identity `json:"account"`
	Amount  core.Amount   `json:"amount"`
}

// ApproveRequest sets the allowance Owner grants Spender. An empty Spender
// means the auction's escrow account.
type ApproveRequest struct {
	Type    string        `json:"type"`
	Owner   core.Identity `json:"owner"`
	Spender core.Identity `json:"spender,omitempty"`
	Amount  core.Amount   `json:"amount"`
}

// ReceiptRequest asks for the signed receipt. Compact returns the receipt
// as gzip in URL-safe base64 instead of plain base64.
type ReceiptRequest struct {
	Type    string `json:"type"`
	Compact bool   `json:"compact,omitempty"`
}

type BalanceRequest struct {
	Type    string        `json:"type"`
	Account core.Identity `json:"account"`
}

// ErrorResponse is returned for every failed request. Code is one of the
// stable codes produced by core.ErrorCode, or "bad_request",
// "rate_limited" and "unknown_request".
type ErrorResponse struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorResponse builds an ErrorResponse.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Code: code, Message: message}
}

type PongResponse struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// AuctionStatus is the public view of the auction state.
type AuctionStatus struct {
	AuctionID             string        `json:"auction_id"`
	Owner                 core.Identity `json:"owner"`
	EscrowAccount         core.Identity `json:"escrow_account"`
	AssetRef              core.AssetRef `json:"asset_ref"`
	ReservePrice          core.Amount   `json:"reserve_price"`
	DurationSteps         int64         `json:"duration_steps"`
	PriceDecrementPerStep core.Amount   `json:"price_decrement_per_step"`
	OpenStep              int64         `json:"open_step"`
	LastBidStep           int64         `json:"last_bid_step"`
	CurrentStep           int64         `json:"current_step"`
	CurrentPrice          core.Amount   `json:"current_price"`
	WinningBidder         core.Identity `json:"winning_bidder,omitempty"`
	WinningAmount         core.Amount   `json:"winning_amount"`
	Ended                 bool          `json:"ended"`
	ProceedsWithdrawn     bool          `json:"proceeds_withdrawn"`
	BidCount              int           `json:"bid_count"`
	TokenSymbol           string        `json:"token_symbol"`
	TokenDecimals         int32         `json:"token_decimals"`
}

type StatusResponse struct {
	Type    string        `json:"type"`
	Auction AuctionStatus `json:"auction"`
}

type PriceResponse struct {
	Type         string      `json:"type"`
	Step         int64       `json:"step"`
	Price        core.Amount `json:"price"`
	DisplayPrice string      `json:"display_price"`
	WindowOpen   bool        `json:"window_open"`
}

type StepResponse struct {
	Type string `json:"type"`
	Step int64  `json:"step"`
}

type BidResponse struct {
	Type string         `json:"type"`
	Bid  core.BidRecord `json:"bid"`
}

// CloseResponse carries the settlement and, when a signing key is
// configured, the signed receipt for it.
type CloseResponse struct {
	Type       string           `json:"type"`
	Settlement core.Settlement  `json:"settlement"`
	Receipt    *ReceiptResponse `json:"receipt,omitempty"`
}

type WithdrawResponse struct {
	Type   string        `json:"type"`
	Owner  core.Identity `json:"owner"`
	Amount core.Amount   `json:"amount"`
}

type BalanceResponse struct {
	Type      string        `json:"type"`
	Account   core.Identity `json:"account"`
	Balance   core.Amount   `json:"balance"`
	Allowance core.Amount   `json:"allowance"`
	Display   string        `json:"display"`
}

// ReceiptResponse transports a signed settlement receipt. ReceiptCOSE is
// the COSE_Sign1 message, PublicKey the PEM encoded verification key and
// AttestationCOSE, when present, a Nitro attestation binding the receipt
// hash to the enclave. A compact response carries ReceiptGzip instead of
// ReceiptCOSE.
type ReceiptResponse struct {
	Type            string     `json:"type"`
	ReceiptHash     string     `json:"receipt_hash"`
	ReceiptCOSE     COSEBase64 `json:"receipt_cose_base64,omitempty"`
	ReceiptGzip     COSEGzip   `json:"receipt_cose_gzip,omitempty"`
	PublicKey       string     `json:"public_key"`
	AttestationCOSE COSEBase64 `json:"attestation_cose_base64,omitempty"`
}

// SignedReceipt returns the COSE_Sign1 receipt from whichever form r carries.
func (r ReceiptResponse) SignedReceipt() (COSE, error) {
	switch {
	case r.ReceiptCOSE != "":
		return r.ReceiptCOSE.Decode()
	case r.ReceiptGzip != "":
		return r.ReceiptGzip.Decompress()
	default:
		return nil, fmt.Errorf("response carries no receipt")
	}
}

// Compact returns a copy of r with the receipt in its gzip form.
func (r ReceiptResponse) Compact() (ReceiptResponse, error) {
	if r.ReceiptGzip != "" && r.ReceiptCOSE == "" {
		return r, nil
	}
	c, err := r.ReceiptCOSE.Decode()
	if err != nil {
		return ReceiptResponse{}, err
	}
	compressed, err := c.CompressGzip()
	if err != nil {
		return ReceiptResponse{}, err
	}
	r.ReceiptCOSE = ""
	r.ReceiptGzip = compressed
	return r, nil
}

// HistoryResponse is the auction as persisted: every accepted bid in order,
// the last recorded state and, once they happened, the settlement and the
// proceeds withdrawal.
type HistoryResponse struct {
	Type          string            `json:"type"`
	AuctionID     string            `json:"auction_id"`
	Bids          []core.BidRecord  `json:"bids"`
	WinningBidder core.Identity     `json:"winning_bidder,omitempty"`
	WinningAmount core.Amount       `json:"winning_amount"`
	Ended         bool              `json:"ended"`
	Settlement    *core.Settlement  `json:"settlement,omitempty"`
	Withdrawal    *WithdrawResponse `json:"withdrawal,omitempty"`
}

// ReceiptAttestationUserData is embedded in the Nitro attestation of a
// receipt.
type ReceiptAttestationUserData struct {
	AuctionID   string `json:"auction_id"`
	ReceiptID   string `json:"receipt_id"`
	ReceiptHash string `json:"receipt_hash"`
	// KeyFingerprint is the SHA-256 of the signing key's PKIX encoding.
	KeyFingerprint string `json:"key_fingerprint"`
}
