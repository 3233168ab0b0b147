package config

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"orderengine/internal/catalog"
	"orderengine/internal/ledger"
	"orderengine/internal/model"
	"orderengine/internal/warehouse"
)

const (
	JournalMemory = "memory"
	JournalPebble = "pebble"
)

// Warehouse declares one warehouse. Products missing from Stock get a random
// quantity drawn from the engine's StockRange.
type Warehouse struct {
	ID       string           `yaml:"id"`
	Location string           `yaml:"location"`
	Stock    map[string]int64 `yaml:"stock"`
}

type Range struct {
	Min int64 `yaml:"min"`
	Max int64 `yaml:"max"`
}

// Tier rates are in basis points (1500 = 15%).
type Tier struct {
	MinPoints int64 `yaml:"min_points"`
	RateBps   int64 `yaml:"rate_bps"`
}

type Loyalty struct {
	VIPThreshold  model.Money `yaml:"vip_threshold"`
	VIPRateBps    int64       `yaml:"vip_rate_bps"`
	Tiers         []Tier      `yaml:"tiers"`
	PointsPerUnit int64       `yaml:"points_per_unit"`
}

// Customer is a customer registered at startup with optional loyalty state.
type Customer struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Spent  model.Money `yaml:"spent"`
	Points int64       `yaml:"points"`
}

type Config struct {
	Seed         int64           `yaml:"seed"`
	PricingDelay time.Duration   `yaml:"pricing_delay"`
	Journal      string          `yaml:"journal"`
	Products     []model.Product `yaml:"products"`
	Warehouses   []Warehouse     `yaml:"warehouses"`
	StockRange   Range           `yaml:"stock_range"`
	Loyalty      Loyalty         `yaml:"loyalty"`
	Customers    []Customer      `yaml:"customers"`
}

// Default reproduces the demo catalog: five products, three warehouses, and
// stock between 10 and 50 units per product.
func Default() Config {
	return Config{
		Seed:    1,
		Journal: JournalMemory,
		Products: []model.Product{
			{ID: "LAPTOP001", Name: "Gaming Laptop", Price: 129999, Category: "Electronics"},
			{ID: "PHONE001", Name: "Smartphone", Price: 89999, Category: "Electronics"},
			{ID: "BOOK001", Name: "Programming Book", Price: 4999, Category: "Books"},
			{ID: "HEADPHONES001", Name: "Wireless Headphones", Price: 19999, Category: "Electronics"},
			{ID: "KEYBOARD001", Name: "Mechanical Keyboard", Price: 14999, Category: "Electronics"},
		},
		Warehouses: []Warehouse{
			{ID: "WH001", Location: "New York"},
			{ID: "WH002", Location: "Los Angeles"},
			{ID: "WH003", Location: "Chicago"},
		},
		StockRange: Range{Min: 10, Max: 50},
		Loyalty: Loyalty{
			VIPThreshold: 100000,
			VIPRateBps:   1500,
			Tiers: []Tier{
				{MinPoints: 5000, RateBps: 1000},
				{MinPoints: 1000, RateBps: 500},
			},
			PointsPerUnit: 10,
		},
	}
}

// Load reads a YAML file on top of Default. Lists in the file replace the
// defaults rather than merging with them.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Products) == 0 {
		return fmt.Errorf("config: at least one product is required")
	}
	if len(c.Warehouses) == 0 {
		return fmt.Errorf("config: at least one warehouse is required")
	}
	seen := make(map[string]bool)
	for _, w := range c.Warehouses {
		if w.ID == "" {
			return fmt.Errorf("config: warehouse id is required")
		}
		if seen[w.ID] {
			return fmt.Errorf("config: duplicate warehouse %s", w.ID)
		}
		seen[w.ID] = true
		for p, q := range w.Stock {
			if q < 0 {
				return fmt.Errorf("config: warehouse %s: negative stock for %s", w.ID, p)
			}
		}
	}
	if c.StockRange.Min < 0 || c.StockRange.Max < c.StockRange.Min {
		return fmt.Errorf("config: bad stock range [%d,%d]", c.StockRange.Min, c.StockRange.Max)
	}
	if c.Journal != JournalMemory && c.Journal != JournalPebble {
		return fmt.Errorf("config: unknown journal backend %q", c.Journal)
	}
	if c.PricingDelay < 0 {
		return fmt.Errorf("config: negative pricing delay")
	}
	if !validRate(c.Loyalty.VIPRateBps) {
		return fmt.Errorf("config: vip_rate_bps %d outside [0,%d]", c.Loyalty.VIPRateBps, maxRateBps)
	}
	for _, t := range c.Loyalty.Tiers {
		if !validRate(t.RateBps) {
			return fmt.Errorf("config: tier over %d points: rate_bps %d outside [0,%d]", t.MinPoints, t.RateBps, maxRateBps)
		}
	}
	return nil
}

// maxRateBps is a 100% discount.
const maxRateBps = 10000

func validRate(bps int64) bool { return bps >= 0 && bps <= maxRateBps }

func bps(n int64) decimal.Decimal { return decimal.New(n, -4) }

// Policy converts the loyalty section into a ledger policy.
func (c Config) Policy() ledger.Policy {
	p := ledger.Policy{
		VIPThreshold:  c.Loyalty.VIPThreshold,
		VIPRate:       bps(c.Loyalty.VIPRateBps),
		PointsPerUnit: c.Loyalty.PointsPerUnit,
	}
	for _, t := range c.Loyalty.Tiers {
		p.Tiers = append(p.Tiers, ledger.Tier{MinPoints: t.MinPoints, Rate: bps(t.RateBps)})
	}
	return p
}

func (c Config) Catalog() (*catalog.Catalog, error) {
	return catalog.New(c.Products...)
}

// BuildWarehouses creates and stocks every warehouse. Random quantities are
// drawn from a generator seeded with c.Seed, so a seed always yields the same
// stock.
func (c Config) BuildWarehouses() ([]*warehouse.Warehouse, error) {
	rnd := rand.New(rand.NewSource(c.Seed))
	out := make([]*warehouse.Warehouse, 0, len(c.Warehouses))
	for _, wc := range c.Warehouses {
		w := warehouse.New(wc.ID, wc.Location)
		for _, p := range c.Products {
			qty, pinned := wc.Stock[p.ID]
			if !pinned {
				qty = c.StockRange.Min + rnd.Int63n(c.StockRange.Max-c.StockRange.Min+1)
			}
			if qty == 0 {
				continue
			}
			if err := w.AddStock(p.ID, qty); err != nil {
				return nil, fmt.Errorf("stock %s@%s: %w", p.ID, wc.ID, err)
			}
		}
		out = append(out, w)
	}
	return out, nil
}
