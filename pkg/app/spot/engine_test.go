package spot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/relay"
	"github.com/uhyunpark/hyperspot/pkg/storage"
)

const btc = "BTC_USDC"

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *ledger.Ledger) {
	t.Helper()
	reg := market.NewRegistry()
	m, err := market.NewMarketWithDefaults("BTC", "USDC")
	require.NoError(t, err)
	require.NoError(t, reg.Register(m))

	n := 0
	ids := WithOrderIDs(func() string { n++; return fmt.Sprintf("o%d", n) })

	led := ledger.New()
	e, err := NewEngine(zap.NewNop().Sugar(), reg, led, append([]Option{ids}, opts...)...)
	require.NoError(t, err)
	return e, led
}

func fund(t *testing.T, led *ledger.Ledger, user, asset string, amount int64) {
	t.Helper()
	require.NoError(t, led.Credit(user, asset, amount))
	require.NoError(t, led.Commit())
}

func place(t *testing.T, e *Engine, req CreateOrder) OrderPlaced {
	t.Helper()
	if req.Market == "" {
		req.Market = btc
	}
	res, err := e.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestCreateOrderPartialFillScenario(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	fund(t, led, "user2", "USDC", 100000)

	place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "user1"})
	res := place(t, e, CreateOrder{Price: 5000, Quantity: 4, Side: "buy", UserID: "user2"})

	assert.EqualValues(t, 4, res.ExecutedQty)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, FillView{TradeID: 1, Price: 5000, Qty: 4}, res.Fills[0])

	d, err := e.Depth(btc)
	require.NoError(t, err)
	assert.Equal(t, []event.Level{{"5000", "6"}}, d.Asks)
	assert.Empty(t, d.Bids)

	assert.Equal(t, ledger.Balance{Available: 0, Locked: 6}, led.Balance("user1", "BTC"))
	assert.Equal(t, ledger.Balance{Available: 20000}, led.Balance("user1", "USDC"))
	assert.Equal(t, ledger.Balance{Available: 4}, led.Balance("user2", "BTC"))
	assert.Equal(t, ledger.Balance{Available: 80000}, led.Balance("user2", "USDC"))
}

func TestMarketBuySweepsLevelsInPriceOrder(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "maker", "BTC", 2)
	fund(t, led, "taker", "USDC", 1000)

	place(t, e, CreateOrder{Price: 105, Quantity: 1, Side: "sell", UserID: "maker"})
	place(t, e, CreateOrder{Price: 100, Quantity: 1, Side: "sell", UserID: "maker"})

	// price caps the lock at 105*2
	res := place(t, e, CreateOrder{Price: 105, Quantity: 2, Side: "buy", UserID: "taker", Type: "market"})

	assert.EqualValues(t, 2, res.ExecutedQty)
	require.Len(t, res.Fills, 2)
	assert.EqualValues(t, 100, res.Fills[0].Price)
	assert.EqualValues(t, 105, res.Fills[1].Price)

	assert.Equal(t, ledger.Balance{Available: 795}, led.Balance("taker", "USDC"))
	assert.Equal(t, ledger.Balance{Available: 2}, led.Balance("taker", "BTC"))
	assert.Equal(t, ledger.Balance{Available: 205}, led.Balance("maker", "USDC"))
}

func TestMarketBuyBudgetKeepsLotSize(t *testing.T) {
	e, led := newTestEngine(t)
	eth, err := market.NewMarket("ETH", "USDC", market.Params{TickSize: 1, LotSize: 10, MinOrderSize: 10, MaxOrderSize: 1000})
	require.NoError(t, err)
	require.NoError(t, e.AddMarket(eth))
	fund(t, led, "maker", "ETH", 20)
	fund(t, led, "taker", "USDC", 5000)

	place(t, e, CreateOrder{Market: "ETH_USDC", Price: 100, Quantity: 10, Side: "sell", UserID: "maker"})
	place(t, e, CreateOrder{Market: "ETH_USDC", Price: 150, Quantity: 10, Side: "sell", UserID: "maker"})

	// 120*20 locked: after 10@100 the rest buys 9 units at 150, under one lot
	res := place(t, e, CreateOrder{Market: "ETH_USDC", Price: 120, Quantity: 20, Side: "buy", UserID: "taker", Type: "market"})
	assert.EqualValues(t, 10, res.ExecutedQty)
	require.Len(t, res.Fills, 1)

	assert.Equal(t, ledger.Balance{Available: 4000}, led.Balance("taker", "USDC"))
	assert.Equal(t, ledger.Balance{Available: 10}, led.Balance("taker", "ETH"))

	d, err := e.Depth("ETH_USDC")
	require.NoError(t, err)
	assert.Equal(t, []event.Level{{"150", "10"}}, d.Asks)
}

func TestMarketSellRemainderIsDropped(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "buyer", "USDC", 500)
	fund(t, led, "seller", "BTC", 10)

	place(t, e, CreateOrder{Price: 100, Quantity: 3, Side: "buy", UserID: "buyer"})
	res := place(t, e, CreateOrder{Quantity: 10, Side: "sell", UserID: "seller", Type: "market"})

	assert.EqualValues(t, 3, res.ExecutedQty)
	assert.Equal(t, ledger.Balance{Available: 7}, led.Balance("seller", "BTC"))
	assert.Equal(t, ledger.Balance{Available: 300}, led.Balance("seller", "USDC"))

	d, _ := e.Depth(btc)
	assert.Empty(t, d.Asks)
	assert.Empty(t, d.Bids)
}

func TestSurplusReleasedOnPriceImprovement(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	fund(t, led, "user2", "USDC", 50000)

	place(t, e, CreateOrder{Price: 4000, Quantity: 10, Side: "sell", UserID: "user1"})
	res := place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "buy", UserID: "user2"})

	require.Len(t, res.Fills, 1)
	assert.EqualValues(t, 4000, res.Fills[0].Price)
	assert.Equal(t, ledger.Balance{Available: 10000}, led.Balance("user2", "USDC"))
}

func TestPartiallyFilledBuyKeepsLockForRemainder(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 4)
	fund(t, led, "user2", "USDC", 50000)

	place(t, e, CreateOrder{Price: 4000, Quantity: 4, Side: "sell", UserID: "user1"})
	place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "buy", UserID: "user2"})

	// 4 bought at 4000, 6 resting at 5000
	assert.Equal(t, ledger.Balance{Available: 50000 - 16000 - 30000, Locked: 30000}, led.Balance("user2", "USDC"))

	orders, err := e.OpenOrders(btc, "user2")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.EqualValues(t, 4, orders[0].Filled)
	assert.EqualValues(t, 10, orders[0].Quantity)
}

func TestSettlementFailureUnwindsTakerAndMaker(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "m1", "BTC", 1)
	fund(t, led, "whale", "BTC", 1)
	fund(t, led, "whale", "USDC", math.MaxInt64-50)
	fund(t, led, "taker", "USDC", 1000)

	place(t, e, CreateOrder{Price: 100, Quantity: 1, Side: "sell", UserID: "m1"})
	place(t, e, CreateOrder{Price: 100, Quantity: 1, Side: "sell", UserID: "whale"})

	// the whale cannot receive 100 more USDC, so the second fill fails
	_, err := e.CreateOrder(context.Background(), CreateOrder{Market: btc, Price: 100, Quantity: 3, Side: "buy", UserID: "taker"})
	require.ErrorIs(t, err, ErrSettlement)
	assert.ErrorIs(t, err, ledger.ErrOverflow)

	// first fill stands
	assert.Equal(t, ledger.Balance{Available: 100}, led.Balance("m1", "USDC"))
	assert.Equal(t, ledger.Balance{Available: 1}, led.Balance("taker", "BTC"))
	// nothing left locked for the residual or the unsettled fill
	assert.Equal(t, ledger.Balance{Available: 900}, led.Balance("taker", "USDC"))
	assert.Equal(t, ledger.Balance{Available: 1}, led.Balance("whale", "BTC"))
	assert.Equal(t, ledger.Balance{Available: math.MaxInt64 - 50}, led.Balance("whale", "USDC"))

	d, err := e.Depth(btc)
	require.NoError(t, err)
	assert.Empty(t, d.Bids)
	assert.Empty(t, d.Asks)
	for _, r := range led.Rows() {
		assert.Zero(t, r.Locked, "%s/%s", r.UserID, r.Asset)
	}
}

func TestPostOnlyRejectReleasesLock(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	fund(t, led, "user2", "USDC", 100000)
	place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "user1"})

	r := e.Process(context.Background(), Command{Type: CmdCreateOrder, CreateOrder: &CreateOrder{
		Market: btc, Price: 5000, Quantity: 1, Side: "buy", UserID: "user2", PostOnly: true,
	}})
	require.Equal(t, ReplyOrderRejected, r.Type)
	assert.Equal(t, ReasonPostOnlyWouldCross, r.Payload.(Rejection).Reason)
	assert.Equal(t, ledger.Balance{Available: 100000}, led.Balance("user2", "USDC"))

	// non-crossing post-only rests
	res := place(t, e, CreateOrder{Price: 4999, Quantity: 1, Side: "buy", UserID: "user2", PostOnly: true})
	assert.Zero(t, res.ExecutedQty)
	bid, ask, err := e.BestPrices(btc)
	require.NoError(t, err)
	assert.EqualValues(t, 4999, bid)
	assert.EqualValues(t, 5000, ask)
}

func TestIOCNeverRests(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 4)
	fund(t, led, "user2", "USDC", 100000)
	place(t, e, CreateOrder{Price: 5000, Quantity: 4, Side: "sell", UserID: "user1"})

	res := place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "buy", UserID: "user2", IOC: true})
	assert.EqualValues(t, 4, res.ExecutedQty)

	d, _ := e.Depth(btc)
	assert.Empty(t, d.Bids)
	assert.Empty(t, d.Asks)
	assert.Equal(t, ledger.Balance{Available: 80000}, led.Balance("user2", "USDC"))
}

func TestSelfTradeIsSkipped(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	fund(t, led, "user1", "USDC", 100000)

	place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "user1"})
	res := place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "buy", UserID: "user1"})
	assert.Zero(t, res.ExecutedQty)

	orders, err := e.OpenOrders(btc, "user1")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestCancelReleasesLock(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user2", "USDC", 100000)

	placed := place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "buy", UserID: "user2"})
	assert.Equal(t, ledger.Balance{Available: 50000, Locked: 50000}, led.Balance("user2", "USDC"))

	res, err := e.CancelOrder(context.Background(), CancelOrder{OrderID: placed.OrderID, Market: btc})
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled{OrderID: placed.OrderID, RemainingQty: 10}, res)
	assert.Equal(t, ledger.Balance{Available: 100000}, led.Balance("user2", "USDC"))

	d, _ := e.Depth(btc)
	assert.Empty(t, d.Bids)
}

func TestCancelPartiallyFilledSell(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	fund(t, led, "user2", "USDC", 100000)

	ask := place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "user1"})
	place(t, e, CreateOrder{Price: 5000, Quantity: 4, Side: "buy", UserID: "user2"})

	res, err := e.CancelOrder(context.Background(), CancelOrder{OrderID: ask.OrderID, Market: btc, UserID: "user1"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.ExecutedQty)
	assert.EqualValues(t, 6, res.RemainingQty)
	assert.Equal(t, ledger.Balance{Available: 6}, led.Balance("user1", "BTC"))
}

func TestCancelMissingOrderLeavesLedgerUnchanged(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	ask := place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "user1"})
	before := led.Rows()

	for _, req := range []CancelOrder{
		{OrderID: "nope", Market: btc},
		{OrderID: ask.OrderID, Market: btc, UserID: "someone-else"},
	} {
		_, err := e.CancelOrder(context.Background(), req)
		assert.ErrorIs(t, err, ErrOrderNotFound)
	}
	_, err := e.CancelOrder(context.Background(), CancelOrder{OrderID: ask.OrderID, Market: "ETH_USDC"})
	assert.ErrorIs(t, err, ErrUnknownMarket)

	assert.Equal(t, before, led.Rows())

	r := e.Process(context.Background(), Command{Type: CmdCancelOrder, CancelOrder: &CancelOrder{OrderID: "nope", Market: btc}})
	assert.Equal(t, ReplyOrderRejected, r.Type)
	assert.Equal(t, ReasonOrderNotFound, r.Payload.(Rejection).Reason)
}

func TestProcessRejections(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "rich", "USDC", 1_000_000)
	fund(t, led, "rich", "BTC", 100)

	create := func(co CreateOrder) Command {
		if co.Market == "" {
			co.Market = btc
		}
		return Command{Type: CmdCreateOrder, CreateOrder: &co}
	}

	tests := []struct {
		name   string
		cmd    Command
		reply  ReplyType
		reason string
	}{
		{"unknown market", create(CreateOrder{Market: "DOGE_USDC", Price: 1, Quantity: 1, Side: "buy", UserID: "rich"}), ReplyOrderRejected, ReasonUnknownMarket},
		{"insufficient quote", create(CreateOrder{Price: 5000, Quantity: 10, Side: "buy", UserID: "poor"}), ReplyOrderRejected, ReasonInsufficientBalance},
		{"insufficient base", create(CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "poor"}), ReplyOrderRejected, ReasonInsufficientFunds},
		{"bad side", create(CreateOrder{Price: 5000, Quantity: 1, Side: "hold", UserID: "rich"}), ReplyOrderRejected, ReasonInvalidSide},
		{"bad type", create(CreateOrder{Price: 5000, Quantity: 1, Side: "buy", Type: "stop", UserID: "rich"}), ReplyOrderRejected, ReasonInvalidType},
		{"zero price", create(CreateOrder{Price: 0, Quantity: 1, Side: "buy", UserID: "rich"}), ReplyOrderRejected, ReasonInvalidPrice},
		{"zero qty", create(CreateOrder{Price: 5000, Quantity: 0, Side: "buy", UserID: "rich"}), ReplyOrderRejected, ReasonInvalidQuantity},
		{"overflow", create(CreateOrder{Price: 1 << 62, Quantity: 4, Side: "buy", UserID: "rich"}), ReplyOrderRejected, ReasonOverflow},
		{"on-ramp zero", Command{Type: CmdOnRamp, OnRamp: &OnRamp{UserID: "u", Amount: 0}}, ReplyOnRampRejected, ReasonAmountNotPositive},
		{"missing payload", Command{Type: CmdCreateOrder}, ReplyOrderRejected, ReasonUnknownCommand},
		{"unknown command", Command{Type: "TRANSFER"}, ReplyOrderRejected, ReasonUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := led.Rows()
			r := e.Process(context.Background(), tt.cmd)
			require.Equal(t, tt.reply, r.Type)
			rej, ok := r.Payload.(Rejection)
			require.True(t, ok, "payload %T", r.Payload)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.NotEmpty(t, rej.Message)
			assert.Equal(t, before, led.Rows())
		})
	}
}

func TestOnRamp(t *testing.T) {
	e, led := newTestEngine(t)
	ctx := context.Background()

	r := e.Process(ctx, Command{Type: CmdOnRamp, OnRamp: &OnRamp{UserID: "u", Amount: 500, TxnID: "tx1"}})
	require.Equal(t, ReplyOnRampSuccess, r.Type)
	assert.Equal(t, OnRampResult{UserID: "u", Asset: DefaultOnRampAsset, Amount: 500, TxnID: "tx1", Balance: 500}, r.Payload)

	r = e.Process(ctx, Command{Type: CmdOnRamp, OnRamp: &OnRamp{UserID: "u", Amount: 500, TxnID: "tx1"}})
	require.Equal(t, ReplyOnRampRejected, r.Type)
	assert.Equal(t, ReasonDuplicateTxn, r.Payload.(Rejection).Reason)

	r = e.Process(ctx, Command{Type: CmdOnRamp, OnRamp: &OnRamp{UserID: "u", Amount: 3, TxnID: "tx2", Asset: "BTC"}})
	require.Equal(t, ReplyOnRampSuccess, r.Type)

	assert.EqualValues(t, 500, led.Balance("u", "USDC").Available)
	assert.EqualValues(t, 3, led.Balance("u", "BTC").Available)
}

func TestProcessReadCommands(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	place(t, e, CreateOrder{Price: 5000, Quantity: 3, Side: "sell", UserID: "user1"})
	place(t, e, CreateOrder{Price: 5000, Quantity: 2, Side: "sell", UserID: "user1"})
	place(t, e, CreateOrder{Price: 5100, Quantity: 5, Side: "sell", UserID: "user1"})

	r := e.Process(context.Background(), Command{Type: CmdGetDepth, GetDepth: &GetDepth{Market: btc}})
	require.Equal(t, ReplyDepth, r.Type)
	assert.Equal(t, []event.Level{{"5000", "5"}, {"5100", "5"}}, r.Payload.(DepthView).Asks)

	r = e.Process(context.Background(), Command{Type: CmdGetOpenOrders, GetOpenOrders: &GetOpenOrders{Market: btc, UserID: "user1"}})
	require.Equal(t, ReplyOpenOrders, r.Type)
	assert.Len(t, r.Payload.([]OpenOrder), 3)
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", ErrUnknownMarket), ReasonUnknownMarket},
		{fmt.Errorf("%w: %w", ErrInsufficientBalance, ledger.ErrInsufficientBalance), ReasonInsufficientBalance},
		{orderbook.ErrPostOnlyWouldCross, ReasonPostOnlyWouldCross},
		{market.ErrMarketInactive, ReasonMarketInactive},
		{ledger.ErrDuplicateTxn, ReasonDuplicateTxn},
		{errors.New("disk on fire"), ReasonInternal},
		{fmt.Errorf("%w: trade 7: %w", ErrSettlement, ledger.ErrInsufficientLocked), ReasonInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err), "%v", tt.err)
	}
}

func TestInactiveMarketRejectsOrders(t *testing.T) {
	e, led := newTestEngine(t)
	fund(t, led, "user1", "BTC", 10)
	require.NoError(t, e.SetMarketStatus(btc, market.Paused))

	_, err := e.CreateOrder(context.Background(), CreateOrder{Market: btc, Price: 1, Quantity: 1, Side: "sell", UserID: "user1"})
	assert.ErrorIs(t, err, market.ErrMarketInactive)
	assert.Equal(t, ledger.Balance{Available: 10}, led.Balance("user1", "BTC"))
}

// Random flow must conserve every asset and keep locked balances equal to what
// the resting orders need.
func TestRandomFlowConservesBalances(t *testing.T) {
	e, led := newTestEngine(t)
	ctx := context.Background()

	gen := NewGenerator(8, e.Markets(), 5000, 42)
	const funding = 10_000_000
	for _, cmd := range gen.Funding(funding) {
		require.Equal(t, ReplyOnRampSuccess, e.Process(ctx, cmd).Type)
	}

	for i := 0; i < 2000; i++ {
		e.Process(ctx, gen.Mix())
	}
	require.Greater(t, gen.Orders, 1000)

	assert.EqualValues(t, 8*funding, led.Total("BTC"))
	assert.EqualValues(t, 8*funding, led.Total("USDC"))

	var lockedBase, lockedQuote int64
	for _, r := range led.Rows() {
		require.GreaterOrEqual(t, r.Available, int64(0))
		require.GreaterOrEqual(t, r.Locked, int64(0))
		if r.Asset == "BTC" {
			lockedBase += r.Locked
		} else {
			lockedQuote += r.Locked
		}
	}

	var restingBase, restingQuote int64
	for i := 1; i <= 8; i++ {
		orders, err := e.OpenOrders(btc, fmt.Sprintf("trader_%d", i))
		require.NoError(t, err)
		for _, o := range orders {
			rem := o.Quantity - o.Filled
			require.Positive(t, rem)
			if o.Side == "sell" {
				restingBase += rem
			} else {
				restingQuote += rem * o.Price
			}
		}
	}
	assert.Equal(t, restingBase, lockedBase)
	assert.Equal(t, restingQuote, lockedQuote)
}

type recorder struct {
	mu   sync.Mutex
	msgs map[string][]any
}

func (r *recorder) Broadcast(channel string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = make(map[string][]any)
	}
	r.msgs[channel] = append(r.msgs[channel], payload)
}

func TestEventsReachRelayAndBroadcaster(t *testing.T) {
	ctx := context.Background()
	bus := relay.NewBus(zap.NewNop().Sugar(), nil)

	var mu sync.Mutex
	var trades []event.Trade
	var orderUpdates int
	require.NoError(t, bus.Subscribe(ctx, event.TopicTrades, "test-trades", 16, func(_ context.Context, m relay.Message) error {
		tr, err := event.DecodeTrade(m.Value)
		if err != nil {
			return err
		}
		mu.Lock()
		trades = append(trades, tr)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx, event.TopicOrders, "test-orders", 16, func(context.Context, relay.Message) error {
		mu.Lock()
		orderUpdates++
		mu.Unlock()
		return nil
	}))

	hub := &recorder{}
	e, led := newTestEngine(t, WithPublisher(bus), WithBroadcaster(hub))
	fund(t, led, "user1", "BTC", 10)
	fund(t, led, "user2", "USDC", 100000)

	place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "user1"})
	place(t, e, CreateOrder{Price: 5000, Quantity: 4, Side: "buy", UserID: "user2"})
	require.NoError(t, bus.Close())

	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, btc, tr.Market)
	assert.EqualValues(t, 1, tr.ID)
	assert.False(t, tr.IsBuyerMaker)
	assert.EqualValues(t, 20000, tr.QuoteQuantity)
	assert.Equal(t, "o1", tr.MakerOrderID)
	assert.Equal(t, "o2", tr.TakerOrderID)
	assert.Equal(t, "user1", tr.MakerUserID)
	assert.Equal(t, "user2", tr.TakerUserID)

	// resting ask, then maker + taker updates
	assert.Equal(t, 3, orderUpdates)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Len(t, hub.msgs[event.TradeChannel(btc)], 1)
	depth := hub.msgs[event.DepthChannel(btc)]
	require.Len(t, depth, 2)
	last := depth[1].(event.DepthUpdate)
	assert.Equal(t, []event.Level{{"5000", "6"}}, last.Asks)
}

func TestTradeIDsResumeFromTradeLog(t *testing.T) {
	store, err := storage.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	e, led := newTestEngine(t, WithTradeLog(store))
	fund(t, led, "user1", "BTC", 10)
	fund(t, led, "user2", "USDC", 100000)
	place(t, e, CreateOrder{Price: 5000, Quantity: 10, Side: "sell", UserID: "user1"})
	place(t, e, CreateOrder{Price: 5000, Quantity: 2, Side: "buy", UserID: "user2"})
	place(t, e, CreateOrder{Price: 5000, Quantity: 2, Side: "buy", UserID: "user2"})

	last, err := store.LastTradeID(btc)
	require.NoError(t, err)
	require.EqualValues(t, 2, last)

	// restart: fresh book, same trade log
	e2, led2 := newTestEngine(t, WithTradeLog(store))
	fund(t, led2, "user1", "BTC", 10)
	fund(t, led2, "user2", "USDC", 100000)
	place(t, e2, CreateOrder{Price: 5000, Quantity: 1, Side: "sell", UserID: "user1"})
	res := place(t, e2, CreateOrder{Price: 5000, Quantity: 1, Side: "buy", UserID: "user2"})
	require.Len(t, res.Fills, 1)
	assert.EqualValues(t, 3, res.Fills[0].TradeID)
}

func TestStateHashTracksState(t *testing.T) {
	a, ledA := newTestEngine(t)
	b, ledB := newTestEngine(t)
	assert.Equal(t, a.StateHash(), b.StateHash())

	fund(t, ledA, "user1", "BTC", 10)
	assert.NotEqual(t, a.StateHash(), b.StateHash())

	fund(t, ledB, "user1", "BTC", 10)
	assert.Equal(t, a.StateHash(), b.StateHash())

	place(t, a, CreateOrder{Price: 5000, Quantity: 1, Side: "sell", UserID: "user1"})
	assert.NotEqual(t, a.StateHash(), b.StateHash())
}
