package spot

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
)

// FeederConfig controls synthetic order flow
type FeederConfig struct {
	BatchSize   int           // commands per tick
	Interval    time.Duration // tick period
	NumAccounts int           // simulated traders
	Symbols     []string      // markets to trade; empty means all
	MidPrice    int64         // quote atomic units per base atomic unit, around which prices scatter
	Funding     int64         // base and quote each account receives at start
	Seed        int64
}

// DefaultFeederConfig returns modest load: 100 commands/s over 50 traders
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		NumAccounts: 50,
		MidPrice:    5000,
		Funding:     1_000_000_000,
		Seed:        time.Now().UnixNano(),
	}
}

// HighLoadConfig returns stress settings: 1000 commands/s over 200 traders
func HighLoadConfig() FeederConfig {
	cfg := DefaultFeederConfig()
	cfg.BatchSize = 100
	cfg.NumAccounts = 200
	return cfg
}

// Generator creates random order flow against a fixed set of markets.
type Generator struct {
	accounts []string
	markets  []*market.Market
	mid      int64
	rng      *rand.Rand

	recent []recentOrder // ring of placed ids, cancel candidates
	next   int

	Orders  int
	Cancels int
}

type recentOrder struct {
	id, market, user string
}

func NewGenerator(numAccounts int, markets []*market.Market, mid int64, seed int64) *Generator {
	accounts := make([]string, numAccounts)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("trader_%d", i+1)
	}
	return &Generator{
		accounts: accounts,
		markets:  markets,
		mid:      mid,
		rng:      rand.New(rand.NewSource(seed)),
		recent:   make([]recentOrder, 0, 128),
	}
}

// Order creates a random create-order command. Roughly 70% plain limit, 15% IOC,
// 10% post-only and 5% market.
func (g *Generator) Order() Command {
	m := g.markets[g.rng.Intn(len(g.markets))]
	user := g.accounts[g.rng.Intn(len(g.accounts))]

	side := "buy"
	if g.rng.Intn(2) == 1 {
		side = "sell"
	}

	// +-5% around mid, snapped to tick
	spread := max(g.mid/20, 1)
	price := g.mid + g.rng.Int63n(2*spread+1) - spread
	price = max(price-price%m.TickSize, m.TickSize)

	qty := (g.rng.Int63n(100) + 1) * m.LotSize
	if qty < m.MinOrderSize {
		qty = (m.MinOrderSize + m.LotSize - 1) / m.LotSize * m.LotSize
	}

	co := &CreateOrder{
		Market:   m.Symbol,
		Price:    price,
		Quantity: qty,
		Side:     side,
		UserID:   user,
		OrderID:  fmt.Sprintf("%s_o%d", user, g.Orders+1),
	}
	switch r := g.rng.Intn(100); {
	case r < 70:
	case r < 85:
		co.IOC = true
	case r < 95:
		co.PostOnly = true
	default:
		co.Type = "market"
	}

	g.Orders++
	g.remember(recentOrder{id: co.OrderID, market: m.Symbol, user: user})
	return Command{Type: CmdCreateOrder, CreateOrder: co}
}

func (g *Generator) remember(o recentOrder) {
	if len(g.recent) < cap(g.recent) {
		g.recent = append(g.recent, o)
		return
	}
	g.recent[g.next] = o
	g.next = (g.next + 1) % len(g.recent)
}

// Cancel picks a recently placed order. It may already be gone; the engine then
// answers ORDER_NOT_FOUND, which is part of realistic flow.
func (g *Generator) Cancel() (Command, bool) {
	if len(g.recent) == 0 {
		return Command{}, false
	}
	o := g.recent[g.rng.Intn(len(g.recent))]
	g.Cancels++
	return Command{Type: CmdCancelOrder, CancelOrder: &CancelOrder{OrderID: o.id, Market: o.market, UserID: o.user}}, true
}

// Mix returns a cancel 10% of the time, otherwise an order.
func (g *Generator) Mix() Command {
	if g.rng.Intn(100) < 10 {
		if c, ok := g.Cancel(); ok {
			return c
		}
	}
	return g.Order()
}

// Funding returns on-ramp commands giving every account amount of each asset
// traded in the generator's markets.
func (g *Generator) Funding(amount int64) []Command {
	assets := make(map[string]bool)
	var order []string
	for _, m := range g.markets {
		for _, a := range []string{m.BaseAsset, m.QuoteAsset} {
			if !assets[a] {
				assets[a] = true
				order = append(order, a)
			}
		}
	}
	var out []Command
	for _, user := range g.accounts {
		for _, a := range order {
			out = append(out, Command{Type: CmdOnRamp, OnRamp: &OnRamp{
				UserID: user, Asset: a, Amount: amount, TxnID: "feeder-" + user + "-" + a,
			}})
		}
	}
	return out
}

// RunFeeder funds the simulated accounts, then submits a batch every interval
// until ctx is done.
func RunFeeder(ctx context.Context, log *zap.SugaredLogger, seq *Sequencer, markets []*market.Market, cfg FeederConfig) error {
	if len(cfg.Symbols) > 0 {
		want := make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			want[s] = true
		}
		var picked []*market.Market
		for _, m := range markets {
			if want[m.Symbol] {
				picked = append(picked, m)
			}
		}
		markets = picked
	}
	if len(markets) == 0 {
		return fmt.Errorf("feeder: %w: no markets to trade", ErrUnknownMarket)
	}

	gen := NewGenerator(cfg.NumAccounts, markets, cfg.MidPrice, cfg.Seed)
	for _, cmd := range gen.Funding(cfg.Funding) {
		if _, err := seq.Submit(ctx, cmd); err != nil {
			return fmt.Errorf("feeder funding: %w", err)
		}
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	start := time.Now()
	lastReport := start
	rejected := 0

	log.Infow("feeder_started", "batch", cfg.BatchSize, "interval", cfg.Interval, "accounts", cfg.NumAccounts, "markets", len(markets))
	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(start)
			log.Infow("feeder_stopped", "orders", gen.Orders, "cancels", gen.Cancels, "rejected", rejected,
				"elapsed", elapsed.Round(time.Second))
			return nil
		case <-ticker.C:
			for i := 0; i < cfg.BatchSize; i++ {
				r, err := seq.Submit(ctx, gen.Mix())
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					return err
				}
				if _, ok := r.Payload.(Rejection); ok {
					rejected++
				}
			}
			if time.Since(lastReport) >= 10*time.Second {
				lastReport = time.Now()
				elapsed := time.Since(start).Seconds()
				log.Infow("feeder_stats", "orders", gen.Orders, "cancels", gen.Cancels, "rejected", rejected,
					"rate", float64(gen.Orders+gen.Cancels)/elapsed)
			}
		}
	}
}
