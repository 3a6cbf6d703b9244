package market

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrMarketNotFound  = errors.New("market not found")
	ErrMarketExists    = errors.New("market already registered")
	ErrMarketInactive  = errors.New("market is not active")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidSymbol   = errors.New("invalid market symbol")
	ErrInvalidParams   = errors.New("invalid market params")
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active   MarketStatus = iota // Trading enabled
	Paused                       // Trading halted (emergency)
	Delisted                     // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Delisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

// ParseStatus accepts the String() form, case-insensitive. Empty means Active.
func ParseStatus(s string) (MarketStatus, error) {
	switch strings.ToLower(s) {
	case "", "active":
		return Active, nil
	case "paused":
		return Paused, nil
	case "delisted":
		return Delisted, nil
	default:
		return 0, fmt.Errorf("unknown market status %q", s)
	}
}

// Market defines the parameters of one spot pair (e.g., BTC_USDC).
// Prices are quote atomic units per base atomic unit, quantities are base atomic
// units, so price*qty is the quote amount that changes hands.
type Market struct {
	// Identity
	Symbol     string       // "BTC_USDC"
	BaseAsset  string       // "BTC"
	QuoteAsset string       // "USDC"
	Status     MarketStatus // Active, Paused, Delisted

	// TickSize: every price must be a multiple of it
	TickSize int64

	// LotSize: every quantity must be a multiple of it
	LotSize int64

	// MinNotional: minimum price*qty in quote atomic units (prevents dust orders)
	MinNotional int64

	MinOrderSize int64
	MaxOrderSize int64
}

// Params separates config from the runtime Market struct
type Params struct {
	TickSize     int64
	LotSize      int64
	MinNotional  int64
	MinOrderSize int64
	MaxOrderSize int64
}

// DefaultParams accepts any positive integer price and quantity.
var DefaultParams = Params{
	TickSize:     1,
	LotSize:      1,
	MinNotional:  0,
	MinOrderSize: 1,
	MaxOrderSize: math.MaxInt64,
}

// Symbol joins base and quote into the base_quote form used as the market key.
func Symbol(base, quote string) string {
	return strings.ToUpper(base) + "_" + strings.ToUpper(quote)
}

// SplitSymbol parses "BTC_USDC" into ("BTC", "USDC").
func SplitSymbol(symbol string) (string, string, error) {
	base, quote, ok := strings.Cut(symbol, "_")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "_") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return base, quote, nil
}

// NewMarket creates a new market with validation
func NewMarket(baseAsset, quoteAsset string, params Params) (*Market, error) {
	m := &Market{
		Symbol:       Symbol(baseAsset, quoteAsset),
		BaseAsset:    strings.ToUpper(baseAsset),
		QuoteAsset:   strings.ToUpper(quoteAsset),
		Status:       Active,
		TickSize:     params.TickSize,
		LotSize:      params.LotSize,
		MinNotional:  params.MinNotional,
		MinOrderSize: params.MinOrderSize,
		MaxOrderSize: params.MaxOrderSize,
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMarketWithDefaults creates a market using DefaultParams
func NewMarketWithDefaults(baseAsset, quoteAsset string) (*Market, error) {
	return NewMarket(baseAsset, quoteAsset, DefaultParams)
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	switch {
	case m.BaseAsset == "" || m.QuoteAsset == "":
		return fmt.Errorf("%w: missing base or quote asset", ErrInvalidParams)
	case m.BaseAsset == m.QuoteAsset:
		return fmt.Errorf("%w: base equals quote (%s)", ErrInvalidParams, m.BaseAsset)
	case m.Symbol != Symbol(m.BaseAsset, m.QuoteAsset):
		return fmt.Errorf("%w: %q does not match %s/%s", ErrInvalidSymbol, m.Symbol, m.BaseAsset, m.QuoteAsset)
	}

	checks := []struct {
		ok   bool
		what string
	}{
		{m.TickSize > 0, "tick size must be > 0"},
		{m.LotSize > 0, "lot size must be > 0"},
		{m.MinNotional >= 0, "min notional must be >= 0"},
		{m.MinOrderSize > 0, "min order size must be > 0"},
		{m.MaxOrderSize >= m.MinOrderSize, "max order size below min order size"},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s: %s", ErrInvalidParams, m.Symbol, c.what)
		}
	}
	return nil
}

// ValidateOrderSize checks if order size is within limits
func (m *Market) ValidateOrderSize(qty int64) error {
	if qty%m.LotSize != 0 {
		return fmt.Errorf("%w: %d is not a multiple of lot size %d", ErrInvalidQuantity, qty, m.LotSize)
	}
	if qty < m.MinOrderSize {
		return fmt.Errorf("%w: %d below minimum %d", ErrInvalidQuantity, qty, m.MinOrderSize)
	}
	if qty > m.MaxOrderSize {
		return fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidQuantity, qty, m.MaxOrderSize)
	}
	return nil
}

// ValidatePrice checks a limit price against the tick size.
func (m *Market) ValidatePrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidPrice)
	}
	if price%m.TickSize != 0 {
		return fmt.Errorf("%w: %d is not a multiple of tick size %d", ErrInvalidPrice, price, m.TickSize)
	}
	return nil
}

// ValidateOrder performs all order validations. The notional check is skipped
// when price*qty overflows; the caller's overflow-checked lock rejects it.
func (m *Market) ValidateOrder(price, qty int64) error {
	if m.Status != Active {
		return fmt.Errorf("%w: %s (status: %s)", ErrMarketInactive, m.Symbol, m.Status)
	}
	if err := m.ValidatePrice(price); err != nil {
		return err
	}
	if qty <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidQuantity)
	}
	if err := m.ValidateOrderSize(qty); err != nil {
		return err
	}
	if m.MinNotional > 0 && qty <= math.MaxInt64/price && price*qty < m.MinNotional {
		return fmt.Errorf("%w: notional %d below minimum %d", ErrInvalidQuantity, price*qty, m.MinNotional)
	}
	return nil
}
