package spot

import (
	"errors"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
)

var (
	ErrUnknownMarket       = errors.New("unknown market")
	ErrInsufficientBalance = errors.New("insufficient quote balance")
	ErrInsufficientFunds   = errors.New("insufficient base funds")
	ErrOrderNotFound       = errors.New("order not found")
	ErrUnknownCommand      = errors.New("unknown command")
	ErrSettlement          = errors.New("settlement failed")
)

// Wire reason codes carried by ORDER_REJECTED and ON_RAMP_REJECTED.
const (
	ReasonUnknownMarket       = "UNKNOWN_MARKET"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ReasonOrderNotFound       = "ORDER_NOT_FOUND"
	ReasonInvalidSide         = "INVALID_SIDE"
	ReasonInvalidType         = "INVALID_ORDER_TYPE"
	ReasonInvalidPrice        = "INVALID_PRICE"
	ReasonInvalidQuantity     = "INVALID_QUANTITY"
	ReasonMarketInactive      = "MARKET_INACTIVE"
	ReasonPostOnlyWouldCross  = "POST_ONLY_WOULD_CROSS"
	ReasonDuplicateOrderID    = "DUPLICATE_ORDER_ID"
	ReasonAmountNotPositive   = "AMOUNT_MUST_BE_POSITIVE"
	ReasonDuplicateTxn        = "DUPLICATE_TXN"
	ReasonOverflow            = "OVERFLOW"
	ReasonUnknownCommand      = "UNKNOWN_COMMAND"
	ReasonInternal            = "INTERNAL_ERROR"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrUnknownMarket, ReasonUnknownMarket},
	{market.ErrMarketNotFound, ReasonUnknownMarket},
	{ErrInsufficientBalance, ReasonInsufficientBalance},
	{ErrInsufficientFunds, ReasonInsufficientFunds},
	{ErrOrderNotFound, ReasonOrderNotFound},
	{orderbook.ErrInvalidOrderSide, ReasonInvalidSide},
	{orderbook.ErrInvalidOrderType, ReasonInvalidType},
	{orderbook.ErrPostOnlyWouldCross, ReasonPostOnlyWouldCross},
	{orderbook.ErrDuplicateOrderID, ReasonDuplicateOrderID},
	{market.ErrInvalidPrice, ReasonInvalidPrice},
	{market.ErrInvalidQuantity, ReasonInvalidQuantity},
	{market.ErrMarketInactive, ReasonMarketInactive},
	{ledger.ErrAmountMustBePositive, ReasonAmountNotPositive},
	{ledger.ErrDuplicateTxn, ReasonDuplicateTxn},
	{ledger.ErrOverflow, ReasonOverflow},
	{ErrUnknownCommand, ReasonUnknownCommand},
}

// Reason maps an engine error to its wire reason code.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}
