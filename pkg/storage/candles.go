package storage

import (
	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperspot/pkg/event"
)

// SaveCandles stores finalized candles and advances the market's trade cursor
// in one atomic batch.
func (s *PebbleStore) SaveCandles(market string, cursor uint64, candles ...event.Candle) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, c := range candles {
		val, err := encodeCandle(c)
		if err != nil {
			return err
		}
		if err := batch.Set(klineKey(c.Market, c.Interval, c.Start), val, nil); err != nil {
			return err
		}
	}
	if err := batch.Set(cursorKey(market), putCursor(cursor), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Cursor returns the last trade id already folded into stored candles.
func (s *PebbleStore) Cursor(market string) (uint64, error) {
	val, ok, err := s.get(cursorKey(market))
	if err != nil || !ok {
		return 0, err
	}
	return readCursor(val), nil
}

// Candle returns the stored candle starting at start, if any.
func (s *PebbleStore) Candle(market, interval string, start int64) (event.Candle, bool, error) {
	val, ok, err := s.get(klineKey(market, interval, start))
	if err != nil || !ok {
		return event.Candle{}, false, err
	}
	c, err := decodeCandle(val)
	if err != nil {
		return event.Candle{}, false, err
	}
	return c, true, nil
}

// Candles returns stored candles with from <= Start < to, oldest first.
func (s *PebbleStore) Candles(market, interval string, from, to int64) ([]event.Candle, error) {
	lower := klineKey(market, interval, max(from, 0))
	upper := klineKey(market, interval, to)
	var out []event.Candle
	err := s.scan(lower, upper, false, func(_, v []byte) (bool, error) {
		c, err := decodeCandle(v)
		if err != nil {
			return false, err
		}
		out = append(out, c)
		return true, nil
	})
	return out, err
}
