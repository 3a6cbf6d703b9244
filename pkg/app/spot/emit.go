package spot

import (
	"context"
	"strconv"

	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/relay"
)

type touched struct {
	side  orderbook.Side
	price int64
}

// emit records trades, then publishes them with the order updates and the
// depth of every price the command touched. Failures past this point are
// logged; the command already happened.
func (e *Engine) emit(ctx context.Context, symbol string, book *orderbook.OrderBook, taker *orderbook.Order, res orderbook.Result) {
	trades := make([]event.Trade, 0, len(res.Fills))
	updates := make([]event.OrderUpdate, 0, len(res.Fills)+1)
	var prices []touched
	seen := make(map[int64]bool)

	for _, f := range res.Fills {
		t := event.Trade{
			Market:        symbol,
			ID:            f.TradeID,
			IsBuyerMaker:  taker.Side == orderbook.Sell,
			Price:         f.Price,
			Quantity:      f.Qty,
			QuoteQuantity: f.Price * f.Qty,
			Timestamp:     f.Timestamp,
			MakerOrderID:  f.MakerOrderID,
			TakerOrderID:  taker.ID,
			MakerUserID:   f.MakerUserID,
			TakerUserID:   taker.UserID,
		}
		trades = append(trades, t)
		e.metrics.Trade(symbol, f.Qty)

		status := event.StatusOpen
		if f.MakerRemaining == 0 {
			status = event.StatusFilled
		}
		updates = append(updates, event.OrderUpdate{
			Market:       symbol,
			OrderID:      f.MakerOrderID,
			UserID:       f.MakerUserID,
			Side:         (-taker.Side).String(),
			Price:        f.Price,
			ExecutedQty:  f.Qty,
			RemainingQty: f.MakerRemaining,
			Status:       status,
			Timestamp:    f.Timestamp,
		})
		if !seen[f.Price] {
			seen[f.Price] = true
			prices = append(prices, touched{side: -taker.Side, price: f.Price})
		}
	}

	status := event.StatusFilled
	switch {
	case res.Rested:
		status = event.StatusOpen
		prices = append(prices, touched{side: taker.Side, price: taker.Price})
	case taker.Remaining() > 0:
		status = event.StatusExpired
	}
	updates = append(updates, event.OrderUpdate{
		Market:       symbol,
		OrderID:      taker.ID,
		UserID:       taker.UserID,
		Side:         taker.Side.String(),
		Price:        taker.Price,
		ExecutedQty:  res.ExecutedQty,
		RemainingQty: taker.Remaining(),
		Status:       status,
		Timestamp:    taker.CreatedAt,
	})

	if len(trades) > 0 && e.tradeLog != nil {
		if err := e.tradeLog.AppendTrades(trades...); err != nil {
			e.log.Errorw("trade_log_append_failed", "market", symbol, "trades", len(trades), "err", err)
		}
	}
	for _, t := range trades {
		e.publish(ctx, event.TopicTrades, symbol, event.TypeTradeAdded, t)
		e.hub.Broadcast(event.TradeChannel(symbol), t)
	}
	for _, u := range updates {
		e.publish(ctx, event.TopicOrders, symbol, event.TypeOrderUpdate, u)
	}
	e.emitDepth(ctx, symbol, book, prices...)
}

// emitDepth publishes the current aggregate quantity at each touched price.
func (e *Engine) emitDepth(ctx context.Context, symbol string, book *orderbook.OrderBook, prices ...touched) {
	if len(prices) == 0 {
		return
	}
	u := event.DepthUpdate{Market: symbol, Bids: []event.Level{}, Asks: []event.Level{}}
	for _, p := range prices {
		lv := event.Level{strconv.FormatInt(p.price, 10), strconv.FormatInt(book.DepthAt(p.side, p.price), 10)}
		if p.side == orderbook.Buy {
			u.Bids = append(u.Bids, lv)
		} else {
			u.Asks = append(u.Asks, lv)
		}
	}
	e.publish(ctx, event.TopicDepth, symbol, event.TypeDepth, u)
	e.hub.Broadcast(event.DepthChannel(symbol), u)
}

func (e *Engine) publish(ctx context.Context, topic, key, typ string, v any) {
	b, err := event.Encode(typ, v)
	if err != nil {
		e.log.Errorw("event_encode_failed", "type", typ, "err", err)
		return
	}
	if err := e.pub.Publish(ctx, relay.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		e.log.Warnw("relay_publish_failed", "topic", topic, "type", typ, "err", err)
	}
}
