package api

// API response types for REST endpoints and WebSocket messages.
// Amounts are integer atomic units rendered as decimal strings.

// MarketInfo represents market metadata
type MarketInfo struct {
	Symbol       string `json:"symbol"`     // e.g. "BTC_USDC"
	BaseAsset    string `json:"baseAsset"`  // e.g. "BTC"
	QuoteAsset   string `json:"quoteAsset"` // e.g. "USDC"
	Status       string `json:"status"`     // "Active", "Paused", "Delisted"
	TickSize     int64  `json:"tickSize,string"`
	LotSize      int64  `json:"lotSize,string"`
	MinNotional  int64  `json:"minNotional,string"`
	MinOrderSize int64  `json:"minOrderSize,string"`
	MaxOrderSize int64  `json:"maxOrderSize,string"`
}

// BalanceInfo is one asset row of an account
type BalanceInfo struct {
	Asset     string `json:"asset"`
	Available int64  `json:"available,string"`
	Locked    int64  `json:"locked,string"`
}

// WSSubscribeRequest is sent by clients, e.g.
// {"op":"subscribe","channels":["depth@BTC_USDC","kline@BTC_USDC_1m"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSAck answers a subscribe request
type WSAck struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// WSMessage wraps every pushed payload with its channel
type WSMessage struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
