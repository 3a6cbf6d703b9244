package params

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
)

// Relay modes
const (
	RelayBus    = "bus"    // in-process only
	RelayKafka  = "kafka"  // segmentio/kafka-go
	RelaySarama = "sarama" // IBM/sarama
)

type Storage struct {
	DataDir     string
	JournalSync bool // fsync every journaled command
}

func (s Storage) LedgerDir() string   { return filepath.Join(s.DataDir, "ledger") }
func (s Storage) EventsDir() string   { return filepath.Join(s.DataDir, "events") }
func (s Storage) JournalPath() string { return filepath.Join(s.DataDir, "commands.wal") }

type Log struct {
	Level string
	File  string // empty logs to stdout only
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Relay struct {
	Mode    string
	Brokers []string

	// Inbound commands and their replies. Only used with a Kafka mode.
	CommandTopic string
	ReplyTopic   string
	GroupID      string
}

type Engine struct {
	OnRampAsset      string
	QueueCapacity    int           // sequencer inbound queue
	SubscriberBuffer int           // per-subscriber relay queue
	KlineBatchPeriod time.Duration // batch candle aggregation period
}

type Feeder struct {
	Enabled bool
	Mode    string // default, high
}

// MarketSpec is one market entry of the markets file.
type MarketSpec struct {
	Base         string `yaml:"base"`
	Quote        string `yaml:"quote"`
	Status       string `yaml:"status"`
	TickSize     int64  `yaml:"tickSize"`
	LotSize      int64  `yaml:"lotSize"`
	MinNotional  int64  `yaml:"minNotional"`
	MinOrderSize int64  `yaml:"minOrderSize"`
	MaxOrderSize int64  `yaml:"maxOrderSize"`
}

// Build turns the entry into a validated market. Zero fields take market.DefaultParams.
func (s MarketSpec) Build() (*market.Market, error) {
	p := market.DefaultParams
	if s.TickSize != 0 {
		p.TickSize = s.TickSize
	}
	if s.LotSize != 0 {
		p.LotSize = s.LotSize
	}
	if s.MinNotional != 0 {
		p.MinNotional = s.MinNotional
	}
	if s.MinOrderSize != 0 {
		p.MinOrderSize = s.MinOrderSize
	}
	if s.MaxOrderSize != 0 {
		p.MaxOrderSize = s.MaxOrderSize
	}
	m, err := market.NewMarket(s.Base, s.Quote, p)
	if err != nil {
		return nil, err
	}
	if m.Status, err = market.ParseStatus(s.Status); err != nil {
		return nil, err
	}
	return m, nil
}

type Config struct {
	Storage Storage
	Log     Log
	API     API
	Relay   Relay
	Engine  Engine
	Feeder  Feeder
	Markets []MarketSpec
}

func Default() Config {
	return Config{
		Storage: Storage{DataDir: "data"},
		Log:     Log{Level: "info", File: "data/node.log"},
		API:     API{Addr: ":8080"},
		Relay: Relay{
			Mode:         RelayBus,
			CommandTopic: "commands",
			ReplyTopic:   "replies",
			GroupID:      "hyperspot",
		},
		Engine: Engine{
			OnRampAsset:      "USDC",
			QueueCapacity:    4096,
			SubscriberBuffer: 1024,
			KlineBatchPeriod: 10 * time.Second,
		},
		Feeder: Feeder{Mode: "default"},
		Markets: []MarketSpec{
			{Base: "BTC", Quote: "USDC"},
			{Base: "ETH", Quote: "USDC"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Log.File = v
	}
	cfg.API.Addr = getEnv("HTTP_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}

	cfg.Relay.Mode = strings.ToLower(getEnv("RELAY_MODE", cfg.Relay.Mode))
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Relay.Brokers = splitList(v)
	}
	cfg.Relay.CommandTopic = getEnv("KAFKA_COMMAND_TOPIC", cfg.Relay.CommandTopic)
	cfg.Relay.ReplyTopic = getEnv("KAFKA_REPLY_TOPIC", cfg.Relay.ReplyTopic)
	cfg.Relay.GroupID = getEnv("KAFKA_GROUP_ID", cfg.Relay.GroupID)

	cfg.Engine.OnRampAsset = getEnv("ON_RAMP_ASSET", cfg.Engine.OnRampAsset)

	var errs []error
	parseBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	parseInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	parseBool("JOURNAL_SYNC", &cfg.Storage.JournalSync)
	parseBool("ENABLE_TXGEN", &cfg.Feeder.Enabled)
	parseInt("SEQUENCER_QUEUE", &cfg.Engine.QueueCapacity)
	parseInt("SUBSCRIBER_BUFFER", &cfg.Engine.SubscriberBuffer)
	var periodMs int
	parseInt("KLINE_BATCH_PERIOD_MS", &periodMs)
	if periodMs > 0 {
		cfg.Engine.KlineBatchPeriod = time.Duration(periodMs) * time.Millisecond
	}
	cfg.Feeder.Mode = getEnv("TXGEN_MODE", cfg.Feeder.Mode)

	if path := os.Getenv("MARKETS_FILE"); path != "" {
		markets, err := LoadMarkets(path)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Markets = markets
		}
	}

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadMarkets reads a YAML file of the form
//
//	markets:
//	  - base: BTC
//	    quote: USDC
//	    tickSize: 1
func LoadMarkets(path string) ([]MarketSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var doc struct {
		Markets []MarketSpec `yaml:"markets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse markets file %s: %w", path, err)
	}
	if len(doc.Markets) == 0 {
		return nil, fmt.Errorf("markets file %s lists no markets", path)
	}
	return doc.Markets, nil
}

func (c Config) Validate() error {
	switch c.Relay.Mode {
	case RelayBus:
	case RelayKafka, RelaySarama:
		if len(c.Relay.Brokers) == 0 {
			return fmt.Errorf("relay mode %s needs KAFKA_BROKERS", c.Relay.Mode)
		}
	default:
		return fmt.Errorf("unknown relay mode %q", c.Relay.Mode)
	}
	if c.Storage.DataDir == "" {
		return errors.New("DATA_DIR must not be empty")
	}
	if c.Engine.QueueCapacity <= 0 || c.Engine.SubscriberBuffer <= 0 {
		return errors.New("queue sizes must be positive")
	}
	if c.Engine.KlineBatchPeriod <= 0 {
		return errors.New("kline batch period must be positive")
	}
	seen := make(map[string]bool)
	for _, s := range c.Markets {
		m, err := s.Build()
		if err != nil {
			return fmt.Errorf("market %s_%s: %w", s.Base, s.Quote, err)
		}
		if seen[m.Symbol] {
			return fmt.Errorf("market %s listed twice", m.Symbol)
		}
		seen[m.Symbol] = true
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
