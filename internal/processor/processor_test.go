package processor

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderengine/internal/catalog"
	"orderengine/internal/events"
	"orderengine/internal/journal"
	"orderengine/internal/ledger"
	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/warehouse"
)

type fixture struct {
	p  *Processor
	ws []*warehouse.Warehouse
}

func newFixture(t *testing.T, stock map[string]map[string]int64, opts ...Option) fixture {
	t.Helper()
	cat, err := catalog.New(
		model.Product{ID: "P", Name: "Widget", Price: 1000, Category: "Test"},
		model.Product{ID: "Q", Name: "Gadget", Price: 2500, Category: "Test"},
		model.Product{ID: "BOOK001", Name: "Programming Book", Price: 4999, Category: "Books"},
	)
	require.NoError(t, err)
	var ws []*warehouse.Warehouse
	for id, lines := range stock {
		w := warehouse.New(id, id)
		for product, qty := range lines {
			require.NoError(t, w.AddStock(product, qty))
		}
		ws = append(ws, w)
	}
	p := New(cat, ws, ledger.New(ledger.DefaultPolicy()), opts...)
	return fixture{p: p, ws: ws}
}

func line(product string, qty int64) model.OrderLine {
	return model.OrderLine{ProductID: product, Qty: qty}
}

func TestProcess_FiveUnitsTenOrders(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{"WH001": {"P": 5}})
	for i := 0; i < 10; i++ {
		f.p.CreateCustomer(fmt.Sprintf("C%d", i), "")
	}

	outcomes := make([]model.Outcome, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		o := f.p.CreateOrder(fmt.Sprintf("C%d", i), []model.OrderLine{line("P", 1)}, 0)
		wg.Add(1)
		go func(i int, o *model.Order) {
			defer wg.Done()
			outcomes[i] = f.p.Process(o)
		}(i, o)
	}
	wg.Wait()

	var ok, short int
	for _, out := range outcomes {
		if out.Success {
			ok++
			continue
		}
		assert.ErrorIs(t, out.Err, model.ErrInsufficientStock)
		assert.Equal(t, model.StatusRejected, out.Status)
		short++
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 5, short)

	l := f.ws[0].Line("P")
	assert.Equal(t, warehouse.Line{Available: 0, Reserved: 0, Received: 5, Shipped: 5}, l)
	assert.Equal(t, model.Stats{TotalOrders: 10, SuccessfulOrders: 5, FailedOrders: 5, TotalRevenue: 5000}, f.p.Stats())
	assert.Empty(t, f.p.Pending())
	assert.Len(t, f.p.Completed(), 5)
	assert.Equal(t, 5, f.p.Journal().Len())
}

func TestProcess_AllOrNothing(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{
		"WH001": {"P": 4},
		"WH002": {"P": 4, "Q": 1},
	})
	f.p.CreateCustomer("C", "Alice")

	out := f.p.Process(f.p.CreateOrder("C", []model.OrderLine{line("P", 6), line("Q", 2)}, 1))
	require.False(t, out.Success)
	assert.ErrorIs(t, out.Err, model.ErrInsufficientStock)

	for _, w := range f.ws {
		for product, l := range w.Snapshot().Lines {
			assert.Zero(t, l.Reserved, "%s/%s", w.ID(), product)
			assert.Equal(t, l.Received, l.Available, "%s/%s", w.ID(), product)
		}
	}
	c, _ := f.p.Ledger().Get("C")
	assert.Zero(t, c.TotalSpent)
	assert.Empty(t, c.Orders)
}

func TestProcess_SplitsAndRecordsAllocations(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{
		"WH002": {"P": 10},
		"WH001": {"P": 2},
	})
	f.p.CreateCustomer("C", "")

	out := f.p.Process(f.p.CreateOrder("C", []model.OrderLine{line("P", 5)}, 0))
	require.True(t, out.Success, "err: %v", out.Err)
	assert.Equal(t, model.Allocations{"P": {"WH001": 2, "WH002": 3}}, out.Allocations)

	rec, ok := f.p.Journal().Get(out.OrderID)
	require.True(t, ok)
	assert.Equal(t, out.Allocations, rec.Allocations)
	assert.Equal(t, model.Money(5000), rec.Total)
}

func TestProcess_InvalidOrders(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{"WH001": {"P": 5}})
	f.p.CreateCustomer("C", "")

	cases := map[string]*model.Order{
		"empty":            f.p.CreateOrder("C", nil, 0),
		"unknown product":  f.p.CreateOrder("C", []model.OrderLine{line("NOPE", 1)}, 0),
		"zero qty":         f.p.CreateOrder("C", []model.OrderLine{line("P", 0)}, 0),
		"negative qty":     f.p.CreateOrder("C", []model.OrderLine{line("P", -2)}, 0),
		"unknown customer": f.p.CreateOrder("GHOST", []model.OrderLine{line("P", 1)}, 0),
	}
	for name, o := range cases {
		out := f.p.Process(o)
		assert.False(t, out.Success, name)
		assert.ErrorIs(t, out.Err, model.ErrInvalidOrder, name)
		assert.Equal(t, model.StatusRejected, o.Status, name)
		assert.NotEmpty(t, o.Reason, name)
	}
	assert.Equal(t, warehouse.Line{Available: 5, Received: 5}, f.ws[0].Line("P"))
	assert.Equal(t, model.Stats{TotalOrders: 5, FailedOrders: 5}, f.p.Stats())
}

func TestProcess_DuplicateSubmissionIsRefused(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{"WH001": {"P": 5}})
	f.p.CreateCustomer("C", "")
	o := f.p.CreateOrder("C", []model.OrderLine{line("P", 1)}, 0)

	require.True(t, f.p.Process(o).Success)
	again := f.p.Process(o)
	assert.ErrorIs(t, again.Err, model.ErrInvalidOrder)
	assert.Equal(t, model.StatusCommitted, o.Status, "terminal order must not change")

	clone := *o
	clone.Status = model.StatusPending
	assert.ErrorIs(t, f.p.Process(&clone).Err, model.ErrInvalidOrder)

	assert.Equal(t, int64(4), f.ws[0].Line("P").Available)
	st := f.p.Stats()
	assert.Equal(t, int64(3), st.TotalOrders)
	assert.Equal(t, st.TotalOrders, st.SuccessfulOrders+st.FailedOrders)
}

func TestProcess_DiscountUsesRateBeforeOwnContribution(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{"WH001": {"BOOK001": 10}})
	f.p.CreateCustomer("C", "Alice")
	// Points put C in the 5% tier; one book pushes spend over the VIP threshold.
	require.NoError(t, f.p.Ledger().Seed("C", 99000, 4900))

	a := f.p.CreateOrder("C", []model.OrderLine{line("BOOK001", 1)}, 0)
	b := f.p.CreateOrder("C", []model.OrderLine{line("BOOK001", 1)}, 0)
	var wg sync.WaitGroup
	for _, o := range []*model.Order{a, b} {
		wg.Add(1)
		go func(o *model.Order) {
			defer wg.Done()
			f.p.Process(o)
		}(o)
	}
	wg.Wait()

	require.Equal(t, model.StatusCommitted, a.Status)
	require.Equal(t, model.StatusCommitted, b.Status)

	policy := f.p.Ledger().Policy()
	rates := map[string]bool{}
	for _, o := range []*model.Order{a, b} {
		assert.True(t, o.Rate.Equal(policy.RateFor(o.PricedWith)), "order %s priced at %s", o.ID, o.Rate)
		assert.Equal(t, Discount(o.Subtotal, o.Rate), o.Discount)
		applied := decimal.NewFromInt(int64(o.Discount)).Div(decimal.NewFromInt(int64(o.Total + o.Discount)))
		assert.True(t, applied.Sub(o.Rate).Abs().LessThan(decimal.RequireFromString("0.001")), "applied %s vs %s", applied, o.Rate)
		rates[o.Rate.String()] = true
	}
	// Whichever ran first saw the 5% tier; the second saw VIP.
	assert.Equal(t, map[string]bool{"0.05": true, "0.15": true}, rates)

	c, _ := f.p.Ledger().Get("C")
	assert.True(t, c.VIP)
	assert.Equal(t, 99000+a.Total+b.Total, c.TotalSpent)
}

func TestProcess_StatsConsistentUnderLoad(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{
		"WH001": {"P": 40, "Q": 15},
		"WH002": {"P": 25, "Q": 10},
	})
	for i := 0; i < 8; i++ {
		f.p.CreateCustomer(fmt.Sprintf("C%d", i), "")
	}

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		lines := []model.OrderLine{line("P", int64(i%3+1))}
		if i%4 == 0 {
			lines = append(lines, line("Q", 2))
		}
		if i%17 == 0 {
			lines = append(lines, line("P", 0))
		}
		o := f.p.CreateOrder(fmt.Sprintf("C%d", i%8), lines, i%3)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.p.Process(o)
		}()
	}
	wg.Wait()

	st := f.p.Stats()
	assert.Equal(t, int64(n), st.TotalOrders)
	assert.Equal(t, st.TotalOrders, st.SuccessfulOrders+st.FailedOrders)
	assert.Empty(t, f.p.Pending())
	assert.Zero(t, f.p.lanes.active())

	shipped := map[string]int64{}
	var revenue model.Money
	require.NoError(t, f.p.Journal().Range(func(rec journal.Record) error {
		revenue += rec.Total
		for product, byWH := range rec.Allocations {
			for _, q := range byWH {
				shipped[product] += q
			}
		}
		return nil
	}))
	assert.Equal(t, st.TotalRevenue, revenue)
	for _, product := range []string{"P", "Q"} {
		var onHand, received int64
		for _, snap := range f.p.InventorySnapshot() {
			l := snap.Lines[product]
			assert.GreaterOrEqual(t, l.Available, int64(0))
			assert.Zero(t, l.Reserved)
			onHand += l.OnHand()
			received += l.Received
		}
		assert.Equal(t, received-shipped[product], onHand, product)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recordingPublisher) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestProcess_PublishesTerminalEvents(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, map[string]map[string]int64{"WH001": {"P": 1}}, WithPublisher(pub))
	f.p.CreateCustomer("C", "")

	f.p.Process(f.p.CreateOrder("C", []model.OrderLine{line("P", 1)}, 0))
	f.p.Process(f.p.CreateOrder("C", []model.OrderLine{line("P", 1)}, 0))
	f.p.Process(f.p.CreateOrder("C", nil, 0))

	require.Len(t, pub.events, 3)
	assert.Equal(t, events.TypeCommitted, pub.events[0].Type)
	assert.Equal(t, events.TypeRejected, pub.events[1].Type)
	assert.Equal(t, events.TypeRejected, pub.events[2].Type)
}

func TestProcess_PublishErrorDoesNotChangeOutcome(t *testing.T) {
	reg := metrics.NewRegistry()
	pub := &recordingPublisher{err: errors.New("broker down")}
	f := newFixture(t, map[string]map[string]int64{"WH001": {"P": 1}}, WithPublisher(pub), WithMetrics(reg))
	f.p.CreateCustomer("C", "")

	out := f.p.Process(f.p.CreateOrder("C", []model.OrderLine{line("P", 1)}, 0))
	assert.True(t, out.Success)
	assert.NoError(t, out.Err)
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(events.Event) error { panic("boom") }

func TestProcess_PanicAfterCommitIsContained(t *testing.T) {
	f := newFixture(t, map[string]map[string]int64{"WH001": {"P": 2}}, WithPublisher(panickingPublisher{}))
	f.p.CreateCustomer("C", "")

	out := f.p.Process(f.p.CreateOrder("C", []model.OrderLine{line("P", 1)}, 0))
	assert.True(t, out.Success)
	assert.Equal(t, model.Stats{TotalOrders: 1, SuccessfulOrders: 1, TotalRevenue: 1000}, f.p.Stats())
	assert.Empty(t, f.p.Pending())
	assert.Equal(t, warehouse.Line{Available: 1, Received: 2, Shipped: 1}, f.ws[0].Line("P"))
}

func TestProcess_DiscountAboveSubtotalShipsNothing(t *testing.T) {
	cat, err := catalog.New(model.Product{ID: "P", Name: "Widget", Price: 1000})
	require.NoError(t, err)
	w := warehouse.New("WH001", "WH001")
	require.NoError(t, w.AddStock("P", 5))
	policy := ledger.DefaultPolicy()
	policy.VIPRate = decimal.NewFromInt(2)
	l := ledger.New(policy)
	p := New(cat, []*warehouse.Warehouse{w}, l)
	p.CreateCustomer("C", "")
	require.NoError(t, l.Seed("C", 200000, 0))

	out := p.Process(p.CreateOrder("C", []model.OrderLine{line("P", 2)}, 0))
	assert.False(t, out.Success)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, model.ErrInternalInconsistency)
	assert.Nil(t, out.Allocations)

	assert.Equal(t, warehouse.Line{Available: 5, Received: 5}, w.Line("P"))
	assert.Equal(t, model.Stats{TotalOrders: 1, FailedOrders: 1}, p.Stats())
	assert.Zero(t, p.Journal().Len())
	c, _ := l.Get("C")
	assert.Equal(t, model.Money(200000), c.TotalSpent)
	assert.Empty(t, c.Orders)
}

// gatePublisher blocks the first Publish until open is closed.
type gatePublisher struct {
	entered chan struct{}
	open    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	ids []string
}

func (g *gatePublisher) Publish(ev events.Event) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.open
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, ev.OrderID)
	return nil
}

func TestProcess_SlowPublisherDoesNotHoldCustomerLane(t *testing.T) {
	pub := &gatePublisher{entered: make(chan struct{}), open: make(chan struct{})}
	f := newFixture(t, map[string]map[string]int64{"WH001": {"P": 5}}, WithPublisher(pub))
	f.p.CreateCustomer("C", "")
	first := f.p.CreateOrder("C", []model.OrderLine{line("P", 1)}, 0)
	second := f.p.CreateOrder("C", []model.OrderLine{line("P", 2)}, 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.True(t, f.p.Process(first).Success)
	}()
	<-pub.entered
	go func() {
		defer wg.Done()
		assert.True(t, f.p.Process(second).Success)
	}()

	// The second order commits while the first one's event is stuck.
	require.Eventually(t, func() bool {
		return f.p.Stats().SuccessfulOrders == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(3), f.ws[0].Line("P").Shipped)

	close(pub.open)
	wg.Wait()
	assert.Equal(t, []string{first.ID, second.ID}, pub.ids)
	assert.Equal(t, 2, f.p.Journal().Len())
	assert.Zero(t, f.p.lanes.active())
	assert.Zero(t, f.p.outbox.active())
}

func TestCreateOrder_MonotonicIDs(t *testing.T) {
	f := newFixture(t, nil)
	ids := make(chan string, 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- f.p.CreateOrder("C", nil, 0).ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, "ORD000101", f.p.CreateOrder("C", nil, 0).ID)
}

func TestDiscount_RoundsHalfUp(t *testing.T) {
	assert.Equal(t, model.Money(250), Discount(4999, decimal.RequireFromString("0.05")))
	assert.Equal(t, model.Money(19500), Discount(129999+1, decimal.RequireFromString("0.15")))
	assert.Equal(t, model.Money(0), Discount(4999, decimal.Zero))
}
