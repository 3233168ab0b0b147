package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderengine/internal/audit"
	"orderengine/internal/config"
	"orderengine/internal/events"
	"orderengine/internal/intake"
	"orderengine/internal/ledger"
	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/processor"
	"orderengine/internal/warehouse"
)

type env struct {
	cfg     Config
	engine  config.Config
	pub     events.Publisher
	metrics *metrics.Registry
	log     *zap.Logger
	threads int
}

// Result is the per-scenario report printed as JSON.
type Result struct {
	Scenario  string                        `json:"scenario"`
	ElapsedMs int64                         `json:"elapsedMs"`
	Stats     model.Stats                   `json:"stats"`
	Customers []ledger.Customer             `json:"customers"`
	Inventory map[string]warehouse.Snapshot `json:"inventory"`
	Audit     audit.Report                  `json:"audit"`
}

var scenarios = map[string]func(*env) (Result, error){
	"race_condition":       raceCondition,
	"inventory_exhaustion": inventoryExhaustion,
	"stress":               stress,
	"replay":               replay,
}

func scenarioNames(s string) ([]string, error) {
	if s == "all" {
		return []string{"race_condition", "inventory_exhaustion", "stress"}, nil
	}
	if _, ok := scenarios[s]; !ok {
		return nil, fmt.Errorf("unknown scenario %q", s)
	}
	return []string{s}, nil
}

func (e *env) newProcessor(ec config.Config) (*processor.Processor, error) {
	return processor.FromConfig(ec,
		processor.WithLogger(e.log),
		processor.WithMetrics(e.metrics),
		processor.WithPublisher(e.pub))
}

// runOrders processes orders on e.threads workers. An order that ends Failed
// is an engine fault and fails the run.
func (e *env) runOrders(p *processor.Processor, orders []*model.Order) error {
	var g errgroup.Group
	g.SetLimit(e.threads)
	for _, o := range orders {
		g.Go(func() error {
			if out := p.Process(o); out.Status == model.StatusFailed {
				return fmt.Errorf("order %s: %w", o.ID, out.Err)
			}
			return nil
		})
	}
	return g.Wait()
}

func finish(name string, p *processor.Processor, started time.Time) Result {
	var customers []ledger.Customer
	for _, id := range p.Ledger().IDs() {
		if c, ok := p.Ledger().Get(id); ok {
			customers = append(customers, c)
		}
	}
	return Result{
		Scenario:  name,
		ElapsedMs: time.Since(started).Milliseconds(),
		Stats:     p.Stats(),
		Customers: customers,
		Inventory: p.InventorySnapshot(),
		Audit:     audit.Run(p),
	}
}

// raceCondition drives three customers across the VIP threshold while their
// orders compete for the same laptops and phones.
func raceCondition(e *env) (Result, error) {
	started := time.Now()
	ec := e.engine
	ec.Customers = []config.Customer{
		{ID: "RC_CUST001", Name: "Alice", Spent: 98000, Points: 4900},
		{ID: "RC_CUST002", Name: "Bob", Spent: 97500, Points: 4800},
		{ID: "RC_CUST003", Name: "Charlie", Spent: 99000, Points: 4950},
	}
	p, err := e.newProcessor(ec)
	if err != nil {
		return Result{}, err
	}
	defer p.Close()

	l := func(product string, qty int64) model.OrderLine { return model.OrderLine{ProductID: product, Qty: qty} }
	orders := []*model.Order{
		p.CreateOrder("RC_CUST001", []model.OrderLine{l("LAPTOP001", 2), l("PHONE001", 1)}, 1),
		p.CreateOrder("RC_CUST001", []model.OrderLine{l("HEADPHONES001", 3)}, 2),
		p.CreateOrder("RC_CUST002", []model.OrderLine{l("LAPTOP001", 1), l("PHONE001", 2)}, 1),
		p.CreateOrder("RC_CUST002", []model.OrderLine{l("KEYBOARD001", 2)}, 0),
		p.CreateOrder("RC_CUST003", []model.OrderLine{l("BOOK001", 5), l("HEADPHONES001", 1)}, 2),
		p.CreateOrder("RC_CUST003", []model.OrderLine{l("LAPTOP001", 1)}, 1),
	}
	if err := e.runOrders(p, orders); err != nil {
		return Result{}, err
	}
	return finish("race_condition", p, started), nil
}

// inventoryExhaustion gives every warehouse 5 units of each product and
// sends 30 orders that together want far more.
func inventoryExhaustion(e *env) (Result, error) {
	started := time.Now()
	ec := e.engine
	ec.Warehouses = make([]config.Warehouse, len(e.engine.Warehouses))
	for i, w := range e.engine.Warehouses {
		stock := make(map[string]int64, len(ec.Products))
		for _, prod := range ec.Products {
			stock[prod.ID] = 5
		}
		ec.Warehouses[i] = config.Warehouse{ID: w.ID, Location: w.Location, Stock: stock}
	}
	ec.Customers = nil
	for i := 0; i < 20; i++ {
		ec.Customers = append(ec.Customers, config.Customer{ID: fmt.Sprintf("EXH_CUST%03d", i), Name: fmt.Sprintf("Customer %d", i)})
	}
	p, err := e.newProcessor(ec)
	if err != nil {
		return Result{}, err
	}
	defer p.Close()

	rnd := rand.New(rand.NewSource(ec.Seed))
	var orders []*model.Order
	for i := 0; i < 30; i++ {
		orders = append(orders, p.CreateOrder(ec.Customers[i%20].ID, []model.OrderLine{
			{ProductID: "LAPTOP001", Qty: 2},
			{ProductID: "PHONE001", Qty: 1},
		}, rnd.Intn(3)))
	}
	if err := e.runOrders(p, orders); err != nil {
		return Result{}, err
	}
	return finish("inventory_exhaustion", p, started), nil
}

// stress runs e.threads workers submitting random orders until the duration elapses.
func stress(e *env) (Result, error) {
	started := time.Now()
	ec := e.engine
	rnd := rand.New(rand.NewSource(ec.Seed))
	ec.Customers = nil
	for i := 0; i < 10; i++ {
		c := config.Customer{ID: fmt.Sprintf("STRESS_CUST%03d", i), Name: fmt.Sprintf("Stress Customer %d", i)}
		if i < 3 {
			c.Spent = model.Money(90000 + rnd.Int63n(9001))
			c.Points = 4000 + rnd.Int63n(901)
		}
		ec.Customers = append(ec.Customers, c)
	}
	p, err := e.newProcessor(ec)
	if err != nil {
		return Result{}, err
	}
	defer p.Close()

	customers := p.Ledger().IDs()
	products := p.Catalog().IDs()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < e.threads; w++ {
		wr := rand.New(rand.NewSource(ec.Seed + int64(w) + 1))
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				req := intake.Generate(wr, 1, customers, products, time.Now().UnixMilli())[0]
				o := p.CreateOrder(req.CustomerID, req.Lines, req.Priority)
				if out := p.Process(o); out.Status == model.StatusFailed {
					return fmt.Errorf("order %s: %w", o.ID, out.Err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Duration(1+wr.Intn(50)) * time.Millisecond):
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return finish("stress", p, started), nil
}

// replay processes a batch of recorded order requests, registering every
// customer it mentions.
func replay(e *env) (Result, error) {
	started := time.Now()
	reqs, err := e.readRequests()
	if err != nil {
		return Result{}, err
	}
	p, err := e.newProcessor(e.engine)
	if err != nil {
		return Result{}, err
	}
	defer p.Close()

	ids := map[string]bool{}
	for _, r := range reqs {
		ids[r.CustomerID] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		p.CreateCustomer(id, id)
	}

	orders := make([]*model.Order, 0, len(reqs))
	for _, r := range reqs {
		orders = append(orders, p.CreateOrder(r.CustomerID, r.Lines, r.Priority))
	}
	e.log.Info("replaying", zap.Int("orders", len(orders)), zap.Int("customers", len(sorted)))
	if err := e.runOrders(p, orders); err != nil {
		return Result{}, err
	}
	return finish("replay", p, started), nil
}

func (e *env) readRequests() ([]intake.Request, error) {
	switch e.cfg.InputSource {
	case "kafka":
		if e.cfg.KafkaBootstrap == "" {
			return nil, fmt.Errorf("kafka input requires -kafka-bootstrap")
		}
		src, err := intake.NewKafkaSource(e.cfg.KafkaBootstrap, e.cfg.GroupID, e.cfg.TopicOrders)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		reqs, err := src.Read(100000, 5*time.Second)
		if skipped := src.Skipped(); skipped > 0 {
			e.log.Warn("skipped undecodable requests", zap.Int("count", skipped))
		}
		return reqs, err
	case "", "file":
		f, err := os.Open(e.cfg.OrdersFile)
		if err != nil {
			return nil, fmt.Errorf("open orders: %w", err)
		}
		defer f.Close()
		return intake.ReadJSONL(f)
	default:
		return nil, fmt.Errorf("unknown input source %q", e.cfg.InputSource)
	}
}
