package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperspot/params"
	"github.com/uhyunpark/hyperspot/pkg/api"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/spot"
	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/relay"
	"github.com/uhyunpark/hyperspot/pkg/stats/kline"
	"github.com/uhyunpark/hyperspot/pkg/stats/ticker"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

func main() {
	// ENV > .env > defaults
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, sugar, cfg); err != nil {
		sugar.Errorw("node_failed", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	sugar.Infow("node_stopped")
}

func run(ctx context.Context, sugar *zap.SugaredLogger, cfg params.Config) error {
	m := metrics.New(metrics.DefaultConfig())

	// ---- Ledger ----
	store, err := ledger.NewStore(cfg.Storage.LedgerDir())
	if err != nil {
		return fmt.Errorf("ledger store: %w", err)
	}
	led, err := ledger.NewWithStore(store)
	if err != nil {
		store.Close()
		return fmt.Errorf("ledger: %w", err)
	}
	defer led.Close()

	// Books are not persisted, so locks from the previous run have no resting order behind them.
	if n := led.ReleaseAllLocks(); n > 0 {
		if err := led.Commit(); err != nil {
			return fmt.Errorf("release locks: %w", err)
		}
		sugar.Infow("locks_released", "rows", n)
	}

	// ---- Trade log and candles ----
	events, err := storage.NewPebbleStore(cfg.Storage.EventsDir())
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	defer events.Close()

	// ---- Relay ----
	hub := api.NewHub(sugar, m)
	bus := relay.NewBus(sugar, m)
	external, err := newExternal(sugar, cfg.Relay)
	if err != nil {
		return err
	}
	if external != nil {
		defer external.Close()
	}
	// bus consumers exit before external closes
	defer bus.Close()

	// ---- Markets and engine ----
	registry := market.NewRegistry()
	for _, spec := range cfg.Markets {
		mk, err := spec.Build()
		if err != nil {
			return fmt.Errorf("market %s/%s: %w", spec.Base, spec.Quote, err)
		}
		if err := registry.Register(mk); err != nil {
			return err
		}
	}

	engine, err := spot.NewEngine(sugar, registry, led,
		spot.WithTradeLog(events),
		spot.WithPublisher(bus),
		spot.WithBroadcaster(hub),
		spot.WithMetrics(m),
		spot.WithOnRampAsset(cfg.Engine.OnRampAsset),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// ---- Journal and sequencer ----
	lastSeq, err := rotateJournal(sugar, cfg.Storage.JournalPath())
	if err != nil {
		return err
	}
	journal, err := storage.NewFileWAL(cfg.Storage.JournalPath(), cfg.Storage.JournalSync)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer journal.Close()

	seq := spot.NewSequencer(sugar, engine, journal, util.RealClock{}, m, cfg.Engine.QueueCapacity)
	seq.Resume(lastSeq)

	// ---- Stats ----
	tickers := ticker.NewAggregator(sugar, util.RealClock{}, hub)
	live := kline.NewLive(sugar, hub)
	batch := kline.NewBatch(sugar, events, util.RealClock{})

	g, gctx := errgroup.WithContext(ctx)

	if external != nil {
		// The engine only ever publishes to the bus; each topic gets its own
		// bounded queue in front of the broker.
		for _, topic := range []string{event.TopicTrades, event.TopicOrders, event.TopicDepth} {
			if err := bus.Subscribe(gctx, topic, "broker-"+topic, cfg.Engine.SubscriberBuffer, relay.Forward(external)); err != nil {
				return err
			}
		}
		trades := relay.NewKafkaConsumer(cfg.Relay.Brokers, cfg.Relay.GroupID+"-stats", event.TopicTrades, sugar)
		defer trades.Close()
		g.Go(func() error { return trades.Run(gctx, relay.Fanout(tickers.Handle, live.Handle)) })
		sugar.Infow("stats_consumer_started", "topic", event.TopicTrades, "group", cfg.Relay.GroupID+"-stats")
	} else {
		if err := bus.Subscribe(gctx, event.TopicTrades, "ticker", cfg.Engine.SubscriberBuffer, tickers.Handle); err != nil {
			return err
		}
		if err := bus.Subscribe(gctx, event.TopicTrades, "kline-live", cfg.Engine.SubscriberBuffer, live.Handle); err != nil {
			return err
		}
	}

	g.Go(func() error { return seq.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return batch.Run(gctx, registry.Symbols, cfg.Engine.KlineBatchPeriod)
	})

	// ---- API ----
	server := api.NewServer(sugar, api.Sources{
		Exchange: engine,
		Tickers:  tickers,
		Candles:  batch,
		Trades:   events,
	}, hub, m, cfg.API.AllowedOrigins)
	g.Go(func() error { return server.Start(gctx, cfg.API.Addr) })

	// ---- Inbound commands ----
	if external != nil {
		consumer := relay.NewKafkaConsumer(cfg.Relay.Brokers, cfg.Relay.GroupID, cfg.Relay.CommandTopic, sugar)
		defer consumer.Close()
		handler := spot.CommandHandler(sugar, seq, external, cfg.Relay.ReplyTopic)
		g.Go(func() error { return consumer.Run(gctx, handler) })
		sugar.Infow("command_consumer_started", "topic", cfg.Relay.CommandTopic, "reply_topic", cfg.Relay.ReplyTopic)
	}

	// ---- Synthetic order flow ----
	if cfg.Feeder.Enabled {
		feederCfg := spot.DefaultFeederConfig()
		if cfg.Feeder.Mode == "high" {
			feederCfg = spot.HighLoadConfig()
		}
		sugar.Infow("feeder_enabled", "mode", cfg.Feeder.Mode, "batch", feederCfg.BatchSize, "interval", feederCfg.Interval)
		g.Go(func() error {
			err := spot.RunFeeder(gctx, sugar, seq, registry.Active(), feederCfg)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	sugar.Infow("node_started",
		"http", cfg.API.Addr,
		"relay", cfg.Relay.Mode,
		"markets", registry.Len(),
		"last_seq", lastSeq,
	)
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		sugar.Warnw("sd_notify_failed", "err", err)
	} else if ok {
		sugar.Infow("sd_notify_ready")
	}

	err = g.Wait()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	sugar.Infow("shutting_down", "hash", fmt.Sprintf("%x", engine.StateHash()))
	if errors.Is(err, context.Canceled) || errors.Is(err, spot.ErrSequencerStopped) {
		return nil
	}
	return err
}

// newExternal returns the broker publisher for a Kafka mode, or nil when
// events stay in process.
func newExternal(sugar *zap.SugaredLogger, cfg params.Relay) (relay.Publisher, error) {
	switch cfg.Mode {
	case params.RelayKafka:
		sugar.Infow("relay_kafka", "brokers", cfg.Brokers)
		return relay.NewKafkaPublisher(cfg.Brokers), nil
	case params.RelaySarama:
		s, err := relay.NewSaramaPublisher(cfg.Brokers)
		if err != nil {
			return nil, fmt.Errorf("sarama producer: %w", err)
		}
		sugar.Infow("relay_sarama", "brokers", cfg.Brokers)
		return s, nil
	default:
		return nil, nil
	}
}

// rotateJournal moves the previous run's journal aside and returns its last
// sequence number so numbering continues across restarts.
func rotateJournal(sugar *zap.SugaredLogger, path string) (uint64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: %w", err)
	}
	if info.Size() == 0 {
		return 0, nil
	}

	last, err := spot.JournalLastSeq(path)
	if err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	archived := fmt.Sprintf("%s.%d", path, time.Now().UnixMilli())
	if err := os.Rename(path, archived); err != nil {
		return 0, fmt.Errorf("rotate journal: %w", err)
	}
	sugar.Infow("journal_rotated", "archive", archived, "last_seq", last)
	return last, nil
}
