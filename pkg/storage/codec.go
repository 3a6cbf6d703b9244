package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/uhyunpark/hyperspot/pkg/event"
)

// Candles are gob-encoded. Trades are JSON, see tradelog.go.

func encodeCandle(c event.Candle) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode candle %s %s@%d: %w", c.Market, c.Interval, c.Start, err)
	}
	return buf.Bytes(), nil
}

func decodeCandle(b []byte) (event.Candle, error) {
	var c event.Candle
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&c); err != nil {
		return event.Candle{}, fmt.Errorf("decode candle: %w", err)
	}
	return c, nil
}

// cursor: 8 bytes big-endian
func putCursor(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func readCursor(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
