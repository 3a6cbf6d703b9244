package spot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/relay"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const DefaultOnRampAsset = "USDC"

// TradeLog is the append-only trade record the batch kline aggregator reads.
type TradeLog interface {
	AppendTrades(trades ...event.Trade) error
	LastTradeID(market string) (uint64, error)
}

// Engine owns every order book and the ledger. Each command runs
// RECEIVE -> VALIDATE -> LOCK_FUNDS -> MATCH -> SETTLE -> EMIT; a failure before
// MATCH leaves no trace. Mutating methods must be called from one goroutine
// (the Sequencer); read methods are safe from any goroutine.
type Engine struct {
	log     *zap.SugaredLogger
	markets *market.Registry
	ledger  *ledger.Ledger

	mu    sync.RWMutex
	books map[string]*orderbook.OrderBook

	tradeLog TradeLog
	pub      relay.Publisher
	hub      event.Broadcaster
	metrics  *metrics.Metrics
	clock    util.Clock
	newID    func() string

	onRampAsset string
	seq         uint64 // order arrival counter
	stamp       int64  // timestamp of the command being processed, 0 outside Process
}

type Option func(*Engine)

func WithTradeLog(t TradeLog) Option             { return func(e *Engine) { e.tradeLog = t } }
func WithPublisher(p relay.Publisher) Option     { return func(e *Engine) { e.pub = p } }
func WithBroadcaster(b event.Broadcaster) Option { return func(e *Engine) { e.hub = b } }
func WithMetrics(m *metrics.Metrics) Option      { return func(e *Engine) { e.metrics = m } }
func WithClock(c util.Clock) Option              { return func(e *Engine) { e.clock = c } }
func WithOrderIDs(f func() string) Option        { return func(e *Engine) { e.newID = f } }
func WithOnRampAsset(asset string) Option        { return func(e *Engine) { e.onRampAsset = asset } }

// NewEngine creates a book for every market already in the registry.
func NewEngine(log *zap.SugaredLogger, markets *market.Registry, led *ledger.Ledger, opts ...Option) (*Engine, error) {
	e := &Engine{
		log:         log,
		markets:     markets,
		ledger:      led,
		books:       make(map[string]*orderbook.OrderBook),
		pub:         relay.Nop{},
		hub:         event.NopBroadcaster{},
		clock:       util.RealClock{},
		newID:       uuid.NewString,
		onRampAsset: DefaultOnRampAsset,
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, m := range markets.List() {
		if err := e.openBook(m); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddMarket registers a new market and opens its book.
func (e *Engine) AddMarket(m *market.Market) error {
	if err := e.markets.Register(m); err != nil {
		return err
	}
	return e.openBook(m)
}

// SetMarketStatus halts, resumes or delists a market. Resting orders stay in
// the book and can still be cancelled.
func (e *Engine) SetMarketStatus(symbol string, status market.MarketStatus) error {
	if err := e.markets.SetStatus(symbol, status); err != nil {
		return err
	}
	e.log.Infow("market_status_changed", "market", symbol, "status", status.String())
	return nil
}

func (e *Engine) openBook(m *market.Market) error {
	book := orderbook.NewOrderBook(m.BaseAsset, m.QuoteAsset)
	if e.tradeLog != nil {
		last, err := e.tradeLog.LastTradeID(m.Symbol)
		if err != nil {
			return fmt.Errorf("failed to read last trade id of %s: %w", m.Symbol, err)
		}
		book.ResumeTradeIDs(last)
	}

	e.mu.Lock()
	e.books[m.Symbol] = book
	e.mu.Unlock()

	e.log.Infow("market_opened", "market", m.Symbol, "tick", m.TickSize, "lot", m.LotSize, "last_trade_id", book.LastTradeID())
	return nil
}

func (e *Engine) market(symbol string) (*market.Market, *orderbook.OrderBook, error) {
	m, err := e.markets.Get(symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMarket, symbol)
	}
	e.mu.RLock()
	book, ok := e.books[symbol]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q has no book", ErrUnknownMarket, symbol)
	}
	return m, book, nil
}

// Markets lists registered markets ordered by symbol.
func (e *Engine) Markets() []*market.Market { return e.markets.List() }

// NextOrderID draws an id from the configured generator.
func (e *Engine) NextOrderID() string { return e.newID() }

func (e *Engine) now() int64 {
	if e.stamp != 0 {
		return e.stamp
	}
	return e.clock.Now().UnixMilli()
}

// CreateOrder validates, locks, matches and settles one order.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrder) (OrderPlaced, error) {
	// VALIDATE
	m, book, err := e.market(req.Market)
	if err != nil {
		return OrderPlaced{}, err
	}
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		return OrderPlaced{}, err
	}
	typ := orderbook.Limit
	if req.Type != "" {
		if typ, err = orderbook.ParseOrderType(req.Type); err != nil {
			return OrderPlaced{}, err
		}
	}
	if err := validateOrder(m, side, typ, req.Price, req.Quantity); err != nil {
		return OrderPlaced{}, err
	}

	// LOCK_FUNDS: a buy locks price*qty quote (the price caps a market buy),
	// a sell locks qty base.
	lockAsset, lockAmt := m.BaseAsset, req.Quantity
	if side == orderbook.Buy {
		lockAsset = m.QuoteAsset
		if lockAmt, err = ledger.Mul(req.Price, req.Quantity); err != nil {
			return OrderPlaced{}, err
		}
	}
	if err := e.ledger.Lock(req.UserID, lockAsset, lockAmt); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			if side == orderbook.Buy {
				return OrderPlaced{}, fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
			}
			return OrderPlaced{}, fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
		return OrderPlaced{}, err
	}

	id := req.OrderID
	if id == "" {
		id = e.newID()
	}
	e.seq++
	o := &orderbook.Order{
		ID:        id,
		UserID:    req.UserID,
		Side:      side,
		Type:      typ,
		Price:     req.Price,
		Qty:       req.Quantity,
		CreatedAt: e.now(),
		Seq:       e.seq,
		IOC:       req.IOC,
		PostOnly:  req.PostOnly,
	}
	if side == orderbook.Buy && typ == orderbook.Market {
		o.QuoteBudget = lockAmt
		o.Lot = m.LotSize
	}

	// MATCH
	res, err := book.AddOrder(o)
	if err != nil {
		// rejected before touching the book
		if uerr := e.ledger.Unlock(req.UserID, lockAsset, lockAmt); uerr != nil {
			e.invariant("unlock_after_reject", uerr, "market", m.Symbol, "order_id", id)
		}
		e.commit()
		return OrderPlaced{}, err
	}

	// SETTLE
	var spent, settled int64 // quote spent by a buy taker, base settled
	for i, f := range res.Fills {
		quote, err := ledger.Mul(f.Price, f.Qty)
		if err == nil {
			err = e.ledger.Settle(settlementLegs(m, o, f, quote)...)
		}
		if err != nil {
			e.invariant("settle_fill", err, "market", m.Symbol, "order_id", id, "trade_id", f.TradeID)
			consumed := settled
			if side == orderbook.Buy {
				consumed = spent
			}
			e.abortSettlement(m, book, o, res, res.Fills[i:], lockAsset, lockAmt-consumed)
			e.commit()
			return OrderPlaced{}, fmt.Errorf("%w: trade %d: %w", ErrSettlement, f.TradeID, err)
		}
		spent += quote
		settled += f.Qty
	}

	// release whatever the executed part and the resting part do not need
	consumed, keep := res.ExecutedQty, int64(0)
	if side == orderbook.Buy {
		consumed = spent
	}
	if res.Rested {
		keep = o.Remaining()
		if side == orderbook.Buy {
			keep = o.Remaining() * o.Price
		}
	}
	if release := lockAmt - consumed - keep; release > 0 {
		if err := e.ledger.Unlock(req.UserID, lockAsset, release); err != nil {
			e.invariant("release_surplus", err, "market", m.Symbol, "order_id", id, "amount", release)
		}
	} else if release < 0 {
		e.invariant("negative_release", fmt.Errorf("lock %d < consumed %d + kept %d", lockAmt, consumed, keep),
			"market", m.Symbol, "order_id", id)
	}
	e.commit()

	// EMIT
	e.emit(ctx, m.Symbol, book, o, res)

	out := OrderPlaced{OrderID: id, ExecutedQty: res.ExecutedQty, Fills: make([]FillView, 0, len(res.Fills))}
	for _, f := range res.Fills {
		out.Fills = append(out.Fills, FillView{TradeID: f.TradeID, Price: f.Price, Qty: f.Qty})
	}
	return out, nil
}

// abortSettlement unwinds what a failed settlement leaves behind. Fills already
// settled stand. The taker's residual leaves the book and its unused lock is
// released; each maker of an unsettled fill gets that fill's lock back. The
// maker quantity those fills consumed from the book is not restored.
func (e *Engine) abortSettlement(m *market.Market, book *orderbook.OrderBook, o *orderbook.Order, res orderbook.Result,
	unsettled []orderbook.Fill, lockAsset string, unused int64) {
	if res.Rested {
		if o.Side == orderbook.Buy {
			book.CancelBid(o.ID)
		} else {
			book.CancelAsk(o.ID)
		}
	}
	if unused > 0 {
		if err := e.ledger.Unlock(o.UserID, lockAsset, unused); err != nil {
			e.invariant("release_after_settle_failure", err, "market", m.Symbol, "order_id", o.ID, "amount", unused)
		}
	}
	for _, f := range unsettled {
		asset, amount := m.BaseAsset, f.Qty
		if o.Side == orderbook.Sell { // maker bought at its own price
			asset, amount = m.QuoteAsset, f.Price*f.Qty
		}
		if err := e.ledger.Unlock(f.MakerUserID, asset, amount); err != nil {
			e.invariant("release_maker_after_settle_failure", err, "market", m.Symbol,
				"order_id", f.MakerOrderID, "amount", amount)
		}
	}
}

func validateOrder(m *market.Market, side orderbook.Side, typ orderbook.OrderType, price, qty int64) error {
	if typ == orderbook.Market && side == orderbook.Sell {
		if m.Status != market.Active {
			return fmt.Errorf("%w: %s", market.ErrMarketInactive, m.Symbol)
		}
		if qty <= 0 {
			return fmt.Errorf("%w: must be positive", market.ErrInvalidQuantity)
		}
		return m.ValidateOrderSize(qty)
	}
	return m.ValidateOrder(price, qty)
}

// settlementLegs moves base from seller to buyer and quote from buyer to seller,
// each out of the sender's locked balance.
func settlementLegs(m *market.Market, taker *orderbook.Order, f orderbook.Fill, quote int64) []ledger.Transfer {
	buyer, seller := taker.UserID, f.MakerUserID
	if taker.Side == orderbook.Sell {
		buyer, seller = f.MakerUserID, taker.UserID
	}
	return []ledger.Transfer{
		{From: buyer, To: seller, Asset: m.QuoteAsset, Amount: quote},
		{From: seller, To: buyer, Asset: m.BaseAsset, Amount: f.Qty},
	}
}

// CancelOrder removes a resting order and releases its remaining lock.
func (e *Engine) CancelOrder(ctx context.Context, req CancelOrder) (OrderCancelled, error) {
	m, book, err := e.market(req.Market)
	if err != nil {
		return OrderCancelled{}, err
	}
	o, ok := book.Find(req.OrderID)
	if !ok || (req.UserID != "" && o.UserID != req.UserID) {
		return OrderCancelled{}, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}

	var removed bool
	if o.Side == orderbook.Buy {
		_, removed = book.CancelBid(o.ID)
	} else {
		_, removed = book.CancelAsk(o.ID)
	}
	if !removed {
		return OrderCancelled{}, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}

	rem := o.Remaining()
	asset, amount := m.BaseAsset, rem
	if o.Side == orderbook.Buy {
		asset, amount = m.QuoteAsset, rem*o.Price
	}
	if err := e.ledger.Unlock(o.UserID, asset, amount); err != nil {
		e.invariant("release_on_cancel", err, "market", m.Symbol, "order_id", o.ID, "amount", amount)
	}
	e.commit()

	ts := e.now()
	e.publish(ctx, event.TopicOrders, m.Symbol, event.TypeOrderUpdate, event.OrderUpdate{
		Market: m.Symbol, OrderID: o.ID, UserID: o.UserID, Side: o.Side.String(), Price: o.Price,
		RemainingQty: 0, Status: event.StatusCancelled, Timestamp: ts,
	})
	e.emitDepth(ctx, m.Symbol, book, touched{side: o.Side, price: o.Price})

	return OrderCancelled{OrderID: o.ID, ExecutedQty: o.Filled, RemainingQty: rem}, nil
}

// OnRamp credits an external deposit. Asset defaults to the on-ramp asset.
func (e *Engine) OnRamp(_ context.Context, req OnRamp) (OnRampResult, error) {
	asset := req.Asset
	if asset == "" {
		asset = e.onRampAsset
	}
	if err := e.ledger.Deposit(req.UserID, asset, req.Amount, req.TxnID); err != nil {
		return OnRampResult{}, err
	}
	e.commit()
	return OnRampResult{
		UserID:  req.UserID,
		Asset:   asset,
		Amount:  req.Amount,
		TxnID:   req.TxnID,
		Balance: e.ledger.Balance(req.UserID, asset).Available,
	}, nil
}

// Depth is a pure read of one book.
func (e *Engine) Depth(symbol string) (DepthView, error) {
	_, book, err := e.market(symbol)
	if err != nil {
		return DepthView{}, err
	}
	d := book.Depth()
	return DepthView{Market: symbol, Bids: levels(d.Bids), Asks: levels(d.Asks)}, nil
}

// BestPrices returns the top of book (0 when a side is empty).
func (e *Engine) BestPrices(symbol string) (bid, ask int64, err error) {
	_, book, err := e.market(symbol)
	if err != nil {
		return 0, 0, err
	}
	bid, _ = book.BestBid()
	ask, _ = book.BestAsk()
	return bid, ask, nil
}

// OpenOrders is a pure read of one user's resting orders in one market.
func (e *Engine) OpenOrders(symbol, userID string) ([]OpenOrder, error) {
	_, book, err := e.market(symbol)
	if err != nil {
		return nil, err
	}
	orders := book.OpenOrders(userID)
	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, OpenOrder{
			OrderID:   o.ID,
			Side:      o.Side.String(),
			Price:     o.Price,
			Quantity:  o.Qty,
			Filled:    o.Filled,
			CreatedAt: o.CreatedAt,
		})
	}
	return out, nil
}

// Balance reads one ledger row.
func (e *Engine) Balance(userID, asset string) ledger.Balance {
	return e.ledger.Balance(userID, asset)
}

// Balances reads every row of one user keyed by asset.
func (e *Engine) Balances(userID string) map[string]ledger.Balance {
	return e.ledger.Balances(userID)
}

func levels(in []orderbook.PriceLevel) []event.Level {
	out := make([]event.Level, 0, len(in))
	for _, l := range in {
		out = append(out, event.Level{strconv.FormatInt(l.Price, 10), strconv.FormatInt(l.Qty, 10)})
	}
	return out
}

func (e *Engine) commit() {
	if err := e.ledger.Commit(); err != nil {
		e.log.Errorw("ledger_commit_failed", "err", err)
	}
}

// invariant records a failure that validation should have made impossible.
func (e *Engine) invariant(stage string, err error, kv ...any) {
	e.metrics.InvariantViolation()
	e.log.Errorw("invariant_violation", append([]any{"stage", stage, "err", err}, kv...)...)
}
