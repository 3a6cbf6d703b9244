package event

import (
	"encoding/json"
	"fmt"
)

// Envelope is the relay payload: a type tag plus the event body.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func Encode(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}

// DecodeTrade parses a TRADE_ADDED envelope.
func DecodeTrade(b []byte) (Trade, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Trade{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != TypeTradeAdded {
		return Trade{}, fmt.Errorf("unexpected event type %q", env.Type)
	}
	var t Trade
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	return t, nil
}
