package spot

import (
	"github.com/uhyunpark/hyperspot/pkg/event"
)

// CommandType names an inbound command.
type CommandType string

const (
	CmdCreateOrder   CommandType = "CREATE_ORDER"
	CmdCancelOrder   CommandType = "CANCEL_ORDER"
	CmdGetDepth      CommandType = "GET_DEPTH"
	CmdGetOpenOrders CommandType = "GET_OPEN_ORDERS"
	CmdOnRamp        CommandType = "ON_RAMP"
)

// Mutating reports whether the command changes books or balances (and so is
// journaled).
func (t CommandType) Mutating() bool {
	return t == CmdCreateOrder || t == CmdCancelOrder || t == CmdOnRamp
}

// ReplyType names an outbound reply.
type ReplyType string

const (
	ReplyOrderPlaced    ReplyType = "ORDER_PLACED"
	ReplyOrderRejected  ReplyType = "ORDER_REJECTED"
	ReplyOrderCancelled ReplyType = "ORDER_CANCELLED"
	ReplyDepth          ReplyType = "DEPTH"
	ReplyOpenOrders     ReplyType = "OPEN_ORDERS"
	ReplyOnRampSuccess  ReplyType = "ON_RAMP_SUCCESS"
	ReplyOnRampRejected ReplyType = "ON_RAMP_REJECTED"
)

// Command is the journaled unit of work. Exactly one payload matches Type.
// Seq and Timestamp are stamped by the sequencer.
type Command struct {
	Seq       uint64      `json:"seq"`
	Timestamp int64       `json:"ts"` // unix ms
	Type      CommandType `json:"type"`

	CreateOrder   *CreateOrder   `json:"createOrder,omitempty"`
	CancelOrder   *CancelOrder   `json:"cancelOrder,omitempty"`
	GetDepth      *GetDepth      `json:"getDepth,omitempty"`
	GetOpenOrders *GetOpenOrders `json:"getOpenOrders,omitempty"`
	OnRamp        *OnRamp        `json:"onRamp,omitempty"`
}

type CreateOrder struct {
	Market   string `json:"market"`
	Price    int64  `json:"price,string"`
	Quantity int64  `json:"quantity,string"`
	Side     string `json:"side"` // buy, sell
	UserID   string `json:"userId"`
	Type     string `json:"orderType"` // limit, market; empty means limit
	IOC      bool   `json:"ioc,omitempty"`
	PostOnly bool   `json:"postOnly,omitempty"`

	// OrderID is assigned by the sequencer before journaling so replay
	// reproduces the same ids.
	OrderID string `json:"orderId,omitempty"`
}

type CancelOrder struct {
	OrderID string `json:"orderId"`
	Market  string `json:"market"`
	UserID  string `json:"userId,omitempty"` // when set, must own the order
}

type GetDepth struct {
	Market string `json:"market"`
}

type GetOpenOrders struct {
	Market string `json:"market"`
	UserID string `json:"userId"`
}

type OnRamp struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount,string"`
	TxnID  string `json:"txnId"`
	Asset  string `json:"asset,omitempty"` // defaults to the engine's on-ramp asset
}

// Reply answers one command. Payload is one of the result types below, or
// Rejection.
type Reply struct {
	Type    ReplyType `json:"type"`
	Payload any       `json:"payload"`
}

type FillView struct {
	TradeID uint64 `json:"tradeId,string"`
	Price   int64  `json:"price,string"`
	Qty     int64  `json:"qty,string"`
}

type OrderPlaced struct {
	OrderID     string     `json:"orderId"`
	ExecutedQty int64      `json:"executedQty,string"`
	Fills       []FillView `json:"fills"`
}

type OrderCancelled struct {
	OrderID      string `json:"orderId"`
	ExecutedQty  int64  `json:"executedQty,string"`
	RemainingQty int64  `json:"remainingQty,string"`
}

type DepthView struct {
	Market string        `json:"market"`
	Bids   []event.Level `json:"bids"`
	Asks   []event.Level `json:"asks"`
}

type OpenOrder struct {
	OrderID   string `json:"orderId"`
	Side      string `json:"side"`
	Price     int64  `json:"price,string"`
	Quantity  int64  `json:"quantity,string"`
	Filled    int64  `json:"filled,string"`
	CreatedAt int64  `json:"createdAt"`
}

type OnRampResult struct {
	UserID  string `json:"userId"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount,string"`
	TxnID   string `json:"txnId"`
	Balance int64  `json:"available,string"`
}

type Rejection struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
