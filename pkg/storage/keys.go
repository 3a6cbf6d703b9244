package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Key schema for Pebble storage:
//
//	trade:{market}:{tradeID:020d}                -> Trade (JSON)
//	kline:{market}:{interval}:{start:020d}       -> Candle (gob)
//	cursor:{market}                              -> last trade id folded into candles
//
// IDs and timestamps are zero-padded to 20 digits so lexicographic order is
// numeric order.
const (
	prefixTrade  = "trade:"
	prefixKline  = "kline:"
	prefixCursor = "cursor:"
)

// tradeKey returns the key for a trade
// Example: "trade:BTC_USDC:00000000000000000042"
func tradeKey(market string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, market, id))
}

// tradePrefix returns the prefix for all trades of a market
func tradePrefix(market string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, market))
}

// tradeIDFromKey is the inverse of tradeKey for the id part.
func tradeIDFromKey(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 || !strings.HasPrefix(s, prefixTrade) {
		return 0, fmt.Errorf("invalid trade key: %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}

// klineKey returns the key for a finalized candle
// Example: "kline:BTC_USDC:1m:00000001730000000000"
func klineKey(market, interval string, start int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixKline, market, interval, start))
}

func cursorKey(market string) []byte {
	return []byte(prefixCursor + market)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "trade:BTC_USDC:" -> upper bound "trade:BTC_USDC;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
