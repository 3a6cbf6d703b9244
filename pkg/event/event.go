// Package event holds the records the matching core emits. Amounts are integer
// atomic units and travel as decimal strings on the wire.
package event

// Relay topics
const (
	TopicTrades = "trades"
	TopicOrders = "orders"
	TopicDepth  = "depth"
)

// Event type tags
const (
	TypeTradeAdded  = "TRADE_ADDED"
	TypeOrderUpdate = "ORDER_UPDATE"
	TypeDepth       = "DEPTH"
)

// Trade is one TRADE_ADDED event. ID is monotonic per market.
type Trade struct {
	Market        string `json:"market"`
	ID            uint64 `json:"id,string"`
	IsBuyerMaker  bool   `json:"isBuyerMaker"`
	Price         int64  `json:"price,string"`
	Quantity      int64  `json:"quantity,string"`
	QuoteQuantity int64  `json:"quoteQuantity,string"`
	Timestamp     int64  `json:"timestamp"` // unix ms
	MakerOrderID  string `json:"makerOrderId"`
	TakerOrderID  string `json:"takerOrderId"`
	MakerUserID   string `json:"makerUserId"`
	TakerUserID   string `json:"takerUserId"`
}

// OrderUpdate reports an order's fill progress after a command touched it.
type OrderUpdate struct {
	Market       string `json:"market"`
	OrderID      string `json:"orderId"`
	UserID       string `json:"userId"`
	Side         string `json:"side"`
	Price        int64  `json:"price,string"`
	ExecutedQty  int64  `json:"executedQty,string"` // filled by this command
	RemainingQty int64  `json:"remainingQty,string"`
	Status       string `json:"status"` // open, filled, cancelled, expired
	Timestamp    int64  `json:"timestamp"`
}

// Order statuses
const (
	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired" // IOC or market remainder dropped
)

// Level is [price, qty] as decimal strings.
type Level [2]string

// DepthUpdate carries the new aggregate quantity of every price a command touched.
// A "0" quantity means the level is gone.
type DepthUpdate struct {
	Market string  `json:"market"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Candle is one OHLCV bucket [Start, End) in unix ms.
type Candle struct {
	Market      string `json:"market"`
	Interval    string `json:"interval"`
	Open        int64  `json:"open,string"`
	High        int64  `json:"high,string"`
	Low         int64  `json:"low,string"`
	Close       int64  `json:"close,string"`
	Volume      int64  `json:"volume,string"`
	QuoteVolume int64  `json:"quoteVolume,string"`
	Trades      int64  `json:"trades"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
}

// Extend folds one trade into the candle.
func (c *Candle) Extend(price, qty, quoteQty int64) {
	c.High = max(c.High, price)
	c.Low = min(c.Low, price)
	c.Close = price
	c.Volume += qty
	c.QuoteVolume += quoteQty
	c.Trades++
}

// Broadcaster pushes a payload to every subscriber of a channel such as
// "depth@BTC_USDC".
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// NopBroadcaster drops everything.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, any) {}

func DepthChannel(market string) string  { return "depth@" + market }
func TickerChannel(market string) string { return "ticker@" + market }
func TradeChannel(market string) string  { return "trade@" + market }
func KlineChannel(market, interval string) string {
	return "kline@" + market + "_" + interval
}

var channelPrefixes = []string{"depth@", "ticker@", "trade@", "kline@"}

// ValidChannel reports whether ch names a stream the core broadcasts.
func ValidChannel(ch string) bool {
	for _, p := range channelPrefixes {
		if len(ch) > len(p) && ch[:len(p)] == p {
			return true
		}
	}
	return false
}
