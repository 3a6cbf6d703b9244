package market

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var ErrStatusTransition = errors.New("invalid market status transition")

// allowed[from] lists the statuses a market may move to. Delisted is terminal.
var allowed = map[MarketStatus][]MarketStatus{
	Active: {Paused, Delisted},
	Paused: {Active, Delisted},
}

// Registry holds the tradable markets by symbol. Entries are replaced, never
// mutated, so a *Market handed out stays consistent without locking.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register validates m and adds it. A symbol can be registered once.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return errors.New("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[m.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.Symbol)
	}
	r.markets[m.Symbol] = m
	return nil
}

func (r *Registry) Get(symbol string) (*Market, error) {
	r.mu.RLock()
	m, ok := r.markets[symbol]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return m, nil
}

// List returns every market ordered by symbol.
func (r *Registry) List() []*Market {
	return r.filter(func(*Market) bool { return true })
}

// Active returns the markets currently accepting orders, ordered by symbol.
func (r *Registry) Active() []*Market {
	return r.filter(func(m *Market) bool { return m.Status == Active })
}

// Symbols returns every registered symbol in order.
func (r *Registry) Symbols() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.Symbol
	}
	return out
}

func (r *Registry) filter(keep func(*Market) bool) []*Market {
	r.mu.RLock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		if keep(m) {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Market) int { return strings.Compare(a.Symbol, b.Symbol) })
	return out
}

// SetStatus halts, resumes or delists a market.
func (r *Registry) SetStatus(symbol string, status MarketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.markets[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	if m.Status == status {
		return nil
	}
	if !slices.Contains(allowed[m.Status], status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrStatusTransition, symbol, m.Status, status)
	}

	cp := *m
	cp.Status = status
	r.markets[symbol] = &cp
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
