package evaluator

import (
	"errors"
	"fmt"
)

// Code classifies why an operation was rejected. Codes are part of the
// external surface: they appear in the NATS rejection events and the
// query API, so renaming one is a breaking change.
type Code string

const (
	CodeUnknownAccount         Code = "unknown_account"
	CodeUnknownAsset           Code = "unknown_asset"
	CodeUnknownOrder           Code = "unknown_order"
	CodeExpirationPassed       Code = "expiration_passed"
	CodeMarketRestricted       Code = "market_restricted"
	CodeAssetNotAuthorized     Code = "asset_not_authorized"
	CodeInsufficientBalance    Code = "insufficient_balance"
	CodeFillOrKillFailed       Code = "fill_or_kill_failed"
	CodeNotOwner               Code = "not_owner"
	CodeNotCollateralizedAsset Code = "not_collateralized_asset"
	CodeSettlementInProgress   Code = "settlement_in_progress"
	CodeWrongCollateralAsset   Code = "wrong_collateral_asset"
	CodeNoPriceFeed            Code = "no_price_feed"
	CodeInvalidPosition        Code = "invalid_position"
	CodeUnfilledMarginCall     Code = "unfilled_margin_call"
)

// Rejection is a user error: a precondition an operation failed to
// meet. The enclosing transaction is discarded and the submitter is
// told why; the node keeps running. Internal invariant violations are
// not Rejections, they panic and halt processing.
type Rejection struct {
	Code    Code
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func reject(code Code, format string, args ...any) error {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a Rejection from err, if one is there.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
