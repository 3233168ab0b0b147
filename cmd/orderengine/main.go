package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"orderengine/internal/config"
	"orderengine/internal/events"
	"orderengine/internal/logging"
	"orderengine/internal/metrics"
)

// Config holds CLI flags for the order engine.
type Config struct {
	ConfigPath   string
	Scenario     string // race_condition|inventory_exhaustion|stress|replay|all
	Duration     time.Duration
	Threads      int
	Seed         int64
	PricingDelay time.Duration
	Journal      string // memory|pebble, overrides the config file when set
	// Replay input
	InputSource string // file|kafka
	OrdersFile  string
	TopicOrders string
	GroupID     string
	// Event sink
	EventSink      string // none|stdout|kafka|confluent|both
	KafkaBootstrap string
	TopicEvents    string
	// Observability
	HTTPAddr string
	LogLevel string
	LogDev   bool
}

func main() {
	cfg := readFlags()
	if err := run(cfg, os.Stdout); err != nil {
		log.Fatalf("orderengine failed: %v", err)
	}
}

func readFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.ConfigPath, "config", "", "engine config YAML (defaults to the demo catalog)")
	flag.StringVar(&cfg.Scenario, "scenario", "all", "scenario: race_condition|inventory_exhaustion|stress|replay|all")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Second, "stress scenario duration")
	flag.IntVar(&cfg.Threads, "threads", 5, "concurrent workers")
	flag.Int64Var(&cfg.Seed, "seed", 0, "random seed (0 keeps the config seed)")
	flag.DurationVar(&cfg.PricingDelay, "pricing-delay", -1, "delay between pricing and allocation (negative keeps the config value)")
	flag.StringVar(&cfg.Journal, "journal", "", "journal backend: memory|pebble")
	flag.StringVar(&cfg.InputSource, "input-source", "file", "replay input: file|kafka")
	flag.StringVar(&cfg.OrdersFile, "orders", "orders.jsonl", "replay input file (from genorders)")
	flag.StringVar(&cfg.TopicOrders, "topic-orders", "orders.requests", "kafka topic for replay input")
	flag.StringVar(&cfg.GroupID, "group-id", "orderengine", "consumer group id for replay input")
	flag.StringVar(&cfg.EventSink, "event-sink", "none", "order event sink: none|stdout|kafka|confluent|both")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", "", "kafka bootstrap servers, e.g. localhost:9092")
	flag.StringVar(&cfg.TopicEvents, "topic", "orders.events", "kafka topic for order events")
	flag.StringVar(&cfg.HTTPAddr, "http", "", "serve /metrics and /healthz on this address, e.g. :8080")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&cfg.LogDev, "log-dev", false, "human-readable console logs")
	flag.Parse()
	return cfg
}

func engineConfig(cfg Config) (config.Config, error) {
	ec := config.Default()
	if cfg.ConfigPath != "" {
		loaded, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		ec = loaded
	}
	if cfg.Seed != 0 {
		ec.Seed = cfg.Seed
	}
	if cfg.PricingDelay >= 0 {
		ec.PricingDelay = cfg.PricingDelay
	}
	if cfg.Journal != "" {
		ec.Journal = cfg.Journal
	}
	return ec, ec.Validate()
}

type closer func() error

// buildPublisher wires the configured event sink. The returned closer flushes
// producers that buffer.
func buildPublisher(cfg Config, stdout io.Writer) (events.Publisher, closer, error) {
	nop := func() error { return nil }
	needKafka := cfg.EventSink == "kafka" || cfg.EventSink == "confluent" || cfg.EventSink == "both"
	if needKafka && cfg.KafkaBootstrap == "" {
		return nil, nop, fmt.Errorf("event sink %s requires -kafka-bootstrap", cfg.EventSink)
	}
	switch cfg.EventSink {
	case "", "none":
		return events.NopPublisher{}, nop, nil
	case "stdout":
		return events.NewStreamPublisher(stdout), nop, nil
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBootstrap, cfg.TopicEvents), nop, nil
	case "confluent":
		cp, err := events.NewConfluentPublisher(cfg.KafkaBootstrap, cfg.TopicEvents)
		if err != nil {
			return nil, nop, err
		}
		return cp, cp.Close, nil
	case "both":
		// both: stream locally and publish to Kafka
		kp := events.NewKafkaPublisher(cfg.KafkaBootstrap, cfg.TopicEvents)
		return events.NewMultiPublisher(events.NewStreamPublisher(stdout), kp), nop, nil
	default:
		return nil, nop, fmt.Errorf("unknown event sink %q", cfg.EventSink)
	}
}

func serveHTTP(addr string, mreg *metrics.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mreg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()
}

func run(cfg Config, stdout io.Writer) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ec, err := engineConfig(cfg)
	if err != nil {
		return err
	}
	pub, closePub, err := buildPublisher(cfg, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePub(); err != nil {
			logger.Warn("close event sink", zap.Error(err))
		}
	}()

	mreg := metrics.NewRegistry()
	if cfg.HTTPAddr != "" {
		serveHTTP(cfg.HTTPAddr, mreg, logger)
	}

	names, err := scenarioNames(cfg.Scenario)
	if err != nil {
		return err
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = 1
	}
	e := &env{cfg: cfg, engine: ec, pub: pub, metrics: mreg, log: logger, threads: threads}

	logger.Info("starting",
		zap.String("scenarios", strings.Join(names, ",")),
		zap.Int64("seed", ec.Seed),
		zap.String("journal", ec.Journal),
		zap.String("event_sink", cfg.EventSink))

	var results []Result
	clean := true
	for _, name := range names {
		res, err := scenarios[name](e)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}
		fmt.Fprint(os.Stderr, res.Audit.String())
		clean = clean && res.Audit.OK()
		results = append(results, res)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if !clean {
		return errors.New("audit found violations")
	}
	return nil
}
