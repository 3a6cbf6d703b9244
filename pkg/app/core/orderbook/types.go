package orderbook

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidOrderSide   = errors.New("invalid order side")
	ErrInvalidOrderType   = errors.New("invalid order type")
	ErrPostOnlyWouldCross = errors.New("post-only order would take liquidity")
	ErrDuplicateOrderID   = errors.New("duplicate order id")
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrderSide, s)
	}
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

type OrderType int8

const (
	Limit OrderType = iota + 1
	Market
)

// ParseOrderType accepts "limit"/"market" in any case.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrderType, s)
	}
}

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func (t OrderType) Valid() bool { return t == Limit || t == Market }

// Order is a resting or incoming order. Prices and quantities are integer atomic units.
type Order struct {
	ID        string
	UserID    string
	Side      Side
	Type      OrderType
	Price     int64 // limit price, ignored for matching when Type == Market
	Qty       int64
	Filled    int64
	CreatedAt int64  // unix ms
	Seq       uint64 // arrival sequence, breaks ties at equal price

	IOC      bool
	PostOnly bool

	// QuoteBudget caps the quote spent by a market buy. Zero means unbounded.
	QuoteBudget int64
	// Lot is the market's quantity step. Budget-capped fills are rounded down
	// to it; zero means 1.
	Lot int64
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

func (o *Order) validate() error {
	if !o.Side.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidOrderSide, o.Side)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidOrderType, o.Type)
	}
	return nil
}

// Fill is one maker/taker match produced by AddOrder.
type Fill struct {
	TradeID      uint64
	Price        int64
	Qty          int64
	MakerOrderID string
	MakerUserID  string
	Timestamp    int64

	MakerRemaining int64 // maker's open qty after this fill; 0 means it left the book
}

// Result of submitting an order to the book.
type Result struct {
	ExecutedQty int64
	Fills       []Fill
	Rested      bool
}

type PriceLevel struct {
	Price int64
	Qty   int64 // total open qty at this price level
}

type Depth struct {
	Bids []PriceLevel // high to low
	Asks []PriceLevel // low to high
}
