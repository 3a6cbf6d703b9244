package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperspot/pkg/event"
)

// AppendTrades writes trades in one batch. Re-appending an id overwrites it
// with the same record, so at-least-once producers are safe.
func (s *PebbleStore) AppendTrades(trades ...event.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, t := range trades {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal trade %d: %w", t.ID, err)
		}
		if err := batch.Set(tradeKey(t.Market, t.ID), data, nil); err != nil {
			return err
		}
	}
	// synced like ledger batches: trade ids resume from here after a restart
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit trades: %w", err)
	}
	return nil
}

// ScanTrades visits a market's trades with id > afterID in id order until fn
// returns false.
func (s *PebbleStore) ScanTrades(market string, afterID uint64, fn func(event.Trade) bool) error {
	prefix := tradePrefix(market)
	lower := tradeKey(market, afterID+1)
	return s.scan(lower, keyUpperBound(prefix), false, func(_, v []byte) (bool, error) {
		var t event.Trade
		if err := json.Unmarshal(v, &t); err != nil {
			return false, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		return fn(t), nil
	})
}

// RecentTrades returns up to limit trades, newest first.
func (s *PebbleStore) RecentTrades(market string, limit int) ([]event.Trade, error) {
	prefix := tradePrefix(market)
	var out []event.Trade
	err := s.scan(prefix, keyUpperBound(prefix), true, func(_, v []byte) (bool, error) {
		if len(out) >= limit {
			return false, nil
		}
		var t event.Trade
		if err := json.Unmarshal(v, &t); err != nil {
			return false, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		out = append(out, t)
		return true, nil
	})
	return out, err
}

// LastTradeID returns the highest stored trade id of a market (0 if none).
func (s *PebbleStore) LastTradeID(market string) (uint64, error) {
	prefix := tradePrefix(market)
	var id uint64
	err := s.scan(prefix, keyUpperBound(prefix), true, func(k, _ []byte) (bool, error) {
		var err error
		id, err = tradeIDFromKey(k)
		return false, err
	})
	return id, err
}
