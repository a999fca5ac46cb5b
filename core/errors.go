package core

import "errors"

// Error kinds reported by the auction engine. Operations wrap these with
// additional context; use errors.Is to test for a kind.
var (
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrAssetUnavailable      = errors.New("asset unavailable")
	ErrAuctionWindowClosed   = errors.New("auction window closed")
	ErrBidTooLow             = errors.New("bid too low")
	ErrPaymentTransferFailed = errors.New("payment transfer failed")
	ErrAuctionAlreadyEnded   = errors.New("auction already ended")
	ErrSettlementFailed      = errors.New("settlement failed")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrAuctionNotEnded       = errors.New("auction not ended")
	ErrNothingToWithdraw     = errors.New("nothing to withdraw")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidConfiguration, "invalid_configuration"},
	{ErrAssetUnavailable, "asset_unavailable"},
	{ErrAuctionWindowClosed, "auction_window_closed"},
	{ErrBidTooLow, "bid_too_low"},
	{ErrPaymentTransferFailed, "payment_transfer_failed"},
	{ErrAuctionAlreadyEnded, "auction_already_ended"},
	{ErrSettlementFailed, "settlement_failed"},
	{ErrUnauthorized, "unauthorized"},
	{ErrAuctionNotEnded, "auction_not_ended"},
	{ErrNothingToWithdraw, "nothing_to_withdraw"},
}

// ErrorCode maps an error to the stable code used in wire responses.
// Errors of no known kind map to "internal".
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
