package spot

import (
	"crypto/sha256"
	"encoding/binary"
)

// StateHash is a deterministic digest of every book and ledger row. Two
// engines that processed the same command sequence have the same hash.
//
// Components, in order:
//  1. per market (sorted by symbol): symbol, last trade id, bid levels high to
//     low, ask levels low to high
//  2. per ledger row (sorted by user, asset): user, asset, available, locked
func (e *Engine) StateHash() [32]byte {
	h := sha256.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	str := func(s string) {
		put(uint64(len(s)))
		h.Write([]byte(s))
	}

	for _, m := range e.markets.List() {
		_, book, err := e.market(m.Symbol)
		if err != nil {
			continue
		}
		str(m.Symbol)
		put(book.LastTradeID())

		d := book.Depth()
		put(uint64(len(d.Bids)))
		for _, l := range d.Bids {
			put(uint64(l.Price))
			put(uint64(l.Qty))
		}
		put(uint64(len(d.Asks)))
		for _, l := range d.Asks {
			put(uint64(l.Price))
			put(uint64(l.Qty))
		}
	}

	for _, r := range e.ledger.Rows() {
		str(r.UserID)
		str(r.Asset)
		put(uint64(r.Available))
		put(uint64(r.Locked))
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
