package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/spot"
	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/stats/ticker"
)

// Exchange is the read side of the matching engine.
type Exchange interface {
	Markets() []*market.Market
	Depth(symbol string) (spot.DepthView, error)
	OpenOrders(symbol, userID string) ([]spot.OpenOrder, error)
	Balances(userID string) map[string]ledger.Balance
}

type Tickers interface {
	GetTicker(market string) (*ticker.Data, bool)
}

type Candles interface {
	Candles(market, interval string, from, to int64) ([]event.Candle, error)
}

type Trades interface {
	RecentTrades(market string, limit int) ([]event.Trade, error)
}

// Sources feeds the read-only REST endpoints. Nil members disable their routes.
type Sources struct {
	Exchange Exchange
	Tickers  Tickers
	Candles  Candles
	Trades   Trades
}

// Server serves read-only market data, the websocket hub and metrics. Order
// entry goes through the command transport, not this server.
type Server struct {
	log     *zap.SugaredLogger
	src     Sources
	hub     *Hub
	metrics *metrics.Metrics
	router  *mux.Router
	origins []string
}

func NewServer(log *zap.SugaredLogger, src Sources, hub *Hub, m *metrics.Metrics, allowedOrigins []string) *Server {
	s := &Server{
		log:     log,
		src:     src,
		hub:     hub,
		metrics: m,
		router:  mux.NewRouter(),
		origins: allowedOrigins,
	}
	if len(s.origins) == 0 {
		s.origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	if hub != nil {
		hub.AllowOrigins(s.origins...)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/depth", s.handleGetDepth).Methods("GET")
	if s.src.Tickers != nil {
		api.HandleFunc("/markets/{symbol}/ticker", s.handleGetTicker).Methods("GET")
	}
	if s.src.Trades != nil {
		api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")
	}
	if s.src.Candles != nil {
		api.HandleFunc("/markets/{symbol}/klines", s.handleGetKlines).Methods("GET")
	}
	api.HandleFunc("/accounts/{user}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{user}/orders", s.handleGetOrders).Methods("GET")

	if s.hub != nil {
		s.router.Handle("/ws", s.hub)
	}
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		s.log.Infow("api_server_stopped", "addr", addr)
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func marketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Symbol:       m.Symbol,
		BaseAsset:    m.BaseAsset,
		QuoteAsset:   m.QuoteAsset,
		Status:       m.Status.String(),
		TickSize:     m.TickSize,
		LotSize:      m.LotSize,
		MinNotional:  m.MinNotional,
		MinOrderSize: m.MinOrderSize,
		MaxOrderSize: m.MaxOrderSize,
	}
}

func (s *Server) findMarket(symbol string) (*market.Market, bool) {
	for _, m := range s.src.Exchange.Markets() {
		if m.Symbol == symbol {
			return m, true
		}
	}
	return nil, false
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.src.Exchange.Markets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	m, ok := s.findMarket(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	respondJSON(w, marketInfo(m))
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	d, err := s.src.Exchange.Depth(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, d)
}

func (s *Server) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, ok := s.findMarket(symbol); !ok {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	t, ok := s.src.Tickers.GetTicker(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no trades yet", symbol)
		return
	}
	respondJSON(w, t)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, ok := s.findMarket(symbol); !ok {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil || limit <= 0 || limit > 1000 {
		respondError(w, http.StatusBadRequest, "invalid limit", "expected 1..1000")
		return
	}
	trades, err := s.src.Trades.RecentTrades(symbol, int(limit))
	if err != nil {
		s.log.Errorw("recent_trades_failed", "market", symbol, "err", err)
		respondError(w, http.StatusInternalServerError, "storage error", "")
		return
	}
	if trades == nil {
		trades = []event.Trade{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetKlines(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, ok := s.findMarket(symbol); !ok {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1m"
	}
	from, err1 := intParam(r, "from", 0)
	to, err2 := intParam(r, "to", time.Now().UnixMilli()+1)
	if err1 != nil || err2 != nil || from > to {
		respondError(w, http.StatusBadRequest, "invalid range", "from and to are unix ms, from <= to")
		return
	}
	candles, err := s.src.Candles.Candles(symbol, interval, from, to)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid interval", err.Error())
		return
	}
	if candles == nil {
		candles = []event.Candle{}
	}
	respondJSON(w, candles)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	rows := s.src.Exchange.Balances(user)
	out := make([]BalanceInfo, 0, len(rows))
	for asset, b := range rows {
		out = append(out, BalanceInfo{Asset: asset, Available: b.Available, Locked: b.Locked})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	respondJSON(w, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	symbol := r.URL.Query().Get("market")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "missing market", "")
		return
	}
	orders, err := s.src.Exchange.OpenOrders(symbol, user)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, orders)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.Count()
	}
	respondJSON(w, map[string]any{"status": "ok", "wsClients": clients})
}

// ==============================
// Helper Functions
// ==============================

func intParam(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
