package processor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"orderengine/internal/allocator"
	"orderengine/internal/catalog"
	"orderengine/internal/events"
	"orderengine/internal/journal"
	"orderengine/internal/ledger"
	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/warehouse"
)

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(p *Processor) { p.metrics = m } }

// WithPublisher sets where terminal order events go. Publish errors are
// logged and counted; they never change an order's outcome.
func WithPublisher(pub events.Publisher) Option { return func(p *Processor) { p.pub = pub } }

func WithJournal(j journal.Journal) Option { return func(p *Processor) { p.journal = j } }

// WithPricingDelay sleeps between taking the pricing snapshot and allocating.
// Scenarios use it to widen the window in which orders interleave.
func WithPricingDelay(d time.Duration) Option { return func(p *Processor) { p.pricingDelay = d } }

// Processor runs orders through Pending -> Priced -> Allocated -> Committed,
// or to Rejected/Failed. It is safe for concurrent use.
//
// Lock order: customer lane, then a warehouse guard or the customer's ledger
// entry (each released before the next is taken), then mu. The customer's
// outbox is taken while the lane is held and kept after the lane is released;
// journal writes and event publishing happen under the outbox only.
type Processor struct {
	catalog      *catalog.Catalog
	ledger       *ledger.Ledger
	alloc        *allocator.Allocator
	journal      journal.Journal
	pub          events.Publisher
	metrics      *metrics.Registry
	log          *zap.Logger
	pricingDelay time.Duration

	nextID  atomic.Int64
	nextSeq atomic.Int64
	lanes   *lanes
	outbox  *lanes

	mu        sync.Mutex
	stats     model.Stats
	seen      map[string]struct{}
	pending   map[string]struct{}
	completed []string
}

func New(cat *catalog.Catalog, ws []*warehouse.Warehouse, l *ledger.Ledger, opts ...Option) *Processor {
	p := &Processor{
		catalog: cat,
		ledger:  l,
		journal: journal.NewMemoryJournal(),
		pub:     events.NopPublisher{},
		log:     zap.NewNop(),
		lanes:   newLanes(),
		outbox:  newLanes(),
		seen:    make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.alloc = allocator.New(ws,
		allocator.WithLogger(p.log),
		allocator.WithRollbackHook(func(_ string, released int) { p.metrics.RolledBack(released) }))
	return p
}

func (p *Processor) Ledger() *ledger.Ledger    { return p.ledger }
func (p *Processor) Journal() journal.Journal  { return p.journal }
func (p *Processor) Catalog() *catalog.Catalog { return p.catalog }

// CreateCustomer registers a customer, returning the existing record if the id is known.
func (p *Processor) CreateCustomer(id, name string) ledger.Customer {
	return p.ledger.Register(id, name)
}

// CreateOrder assigns the next order id. Lines are copied.
func (p *Processor) CreateOrder(customerID string, lines []model.OrderLine, priority int) *model.Order {
	return &model.Order{
		ID:          fmt.Sprintf("ORD%06d", p.nextID.Add(1)),
		CustomerID:  customerID,
		Lines:       append([]model.OrderLine(nil), lines...),
		Priority:    priority,
		SubmittedAt: time.Now().UTC(),
		Status:      model.StatusPending,
	}
}

// Process runs one order to a terminal state. Every call is counted in Stats
// exactly once, and no reservation taken for the order outlives the call.
func (p *Processor) Process(o *model.Order) (out model.Outcome) {
	if o == nil {
		p.count(false, 0)
		return model.Outcome{Status: model.StatusRejected, Err: model.Invalid("nil order")}
	}
	if err := p.register(o); err != nil {
		p.count(false, 0)
		p.log.Warn("order refused", zap.String("order_id", o.ID), zap.Error(err))
		return model.Outcome{OrderID: o.ID, Status: model.StatusRejected, Err: err}
	}

	start := time.Now()
	p.metrics.Begin()
	defer func() { p.metrics.Done(out.Status, out.Total, time.Since(start)) }()

	release := p.lanes.acquire(o.CustomerID)
	out, rec := p.run(o)
	flushed := p.outbox.acquire(o.CustomerID)
	release()
	defer flushed()
	p.deliver(o, rec)
	return out
}

func (p *Processor) register(o *model.Order) error {
	if o.Status != model.StatusPending {
		return model.Invalidf("order %s is %s, not pending", o.ID, o.Status)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[o.ID]; dup {
		return model.Invalidf("order %s already submitted", o.ID)
	}
	p.seen[o.ID] = struct{}{}
	p.pending[o.ID] = struct{}{}
	return nil
}

// run executes the lifecycle. The caller holds the customer's lane. For a
// committed order the returned record is still to be journaled.
func (p *Processor) run(o *model.Order) (out model.Outcome, rec *journal.Record) {
	var plan *allocator.Plan
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if o.Status == model.StatusCommitted {
			p.log.Error("panic after commit", zap.String("order_id", o.ID), zap.Any("panic", r))
			p.finish(o, true)
			out = outcome(o, nil)
			return
		}
		err := error(model.Inconsistencyf("order %s: panic: %v", o.ID, r))
		if plan != nil {
			if _, rbErr := plan.Rollback(); rbErr != nil {
				err = multierr.Append(err, rbErr)
			}
		}
		out, rec = p.terminate(o, err), nil
	}()

	log := p.log.With(zap.String("order_id", o.ID), zap.String("customer_id", o.CustomerID))

	subtotal, err := p.catalog.Subtotal(o.Lines)
	if err != nil {
		return p.terminate(o, err), nil
	}
	// One read of the customer's state prices the whole order.
	snap, err := p.ledger.Snapshot(o.CustomerID)
	if err != nil {
		return p.terminate(o, err), nil
	}
	o.Subtotal = subtotal
	o.Rate = snap.Rate
	o.PricedWith = snap.Inputs
	o.Discount = Discount(subtotal, snap.Rate)
	o.Total = subtotal - o.Discount
	if o.Total < 0 {
		return p.terminate(o, model.Inconsistencyf("order %s: discount %s exceeds subtotal %s at rate %s",
			o.ID, o.Discount, o.Subtotal, o.Rate)), nil
	}
	if err := o.Transition(model.StatusPriced); err != nil {
		return p.terminate(o, err), nil
	}
	log.Debug("priced",
		zap.Stringer("subtotal", o.Subtotal),
		zap.String("rate", o.Rate.String()),
		zap.Stringer("total", o.Total))

	if p.pricingDelay > 0 {
		time.Sleep(p.pricingDelay)
	}

	plan, err = p.alloc.Allocate(o.ID, o.Lines)
	if err != nil {
		return p.terminate(o, err), nil
	}
	o.Allocations = plan.Allocations()
	if err := o.Transition(model.StatusAllocated); err != nil {
		_, rbErr := plan.Rollback()
		return p.terminate(o, multierr.Append(err, rbErr)), nil
	}
	log.Debug("allocated", zap.Int64("units", plan.Held()))

	if err := plan.Commit(); err != nil {
		return p.terminate(o, err), nil
	}
	applied, cust, err := p.ledger.RecordCompletedOrder(o.CustomerID, o.ID, o.Total)
	if err != nil {
		return p.terminate(o, err), nil
	}
	if !applied {
		return p.terminate(o, model.Inconsistencyf("order %s already recorded for customer %s", o.ID, o.CustomerID)), nil
	}
	if err := o.Transition(model.StatusCommitted); err != nil {
		return p.terminate(o, err), nil
	}

	rec = &journal.Record{
		Seq:         p.nextSeq.Add(1),
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Subtotal:    o.Subtotal,
		Discount:    o.Discount,
		Total:       o.Total,
		Rate:        o.Rate,
		PricedWith:  o.PricedWith,
		Allocations: o.Allocations.Clone(),
		CommittedAt: time.Now().UTC().UnixMilli(),
	}
	p.finish(o, true)
	log.Info("order committed",
		zap.Stringer("total", o.Total),
		zap.Stringer("discount", o.Discount),
		zap.Int64("customer_points", cust.LoyaltyPoints),
		zap.Bool("customer_vip", cust.VIP))
	return outcome(o, nil), rec
}

// deliver journals a committed order and publishes its event. The caller
// holds the customer's outbox but not its lane, so a slow sink delays only
// this customer's later events, never their processing.
func (p *Processor) deliver(o *model.Order, rec *journal.Record) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic delivering order", zap.String("order_id", o.ID), zap.Any("panic", r))
		}
	}()
	if rec != nil {
		if err := p.journal.Append(*rec); err != nil {
			p.log.Error("journal append failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	p.publish(o)
}

// terminate moves o to Rejected (bad input, not enough stock) or Failed
// (anything else) and records it.
func (p *Processor) terminate(o *model.Order, err error) model.Outcome {
	to := model.StatusFailed
	if kind, ok := model.KindOf(err); ok && kind != model.KindInternalInconsistency {
		to = model.StatusRejected
	}
	if tErr := o.Transition(to); tErr != nil && !o.Status.Terminal() {
		o.Status = model.StatusFailed
		err = multierr.Append(err, tErr)
	}
	o.Reason = err.Error()
	p.finish(o, false)

	fields := []zap.Field{zap.String("order_id", o.ID), zap.String("customer_id", o.CustomerID), zap.Error(err)}
	if o.Status == model.StatusRejected {
		p.log.Warn("order rejected", fields...)
	} else {
		p.log.Error("order failed", fields...)
	}
	return outcome(o, err)
}

func (p *Processor) count(success bool, total model.Money) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countLocked(success, total)
}

func (p *Processor) countLocked(success bool, total model.Money) {
	p.stats.TotalOrders++
	if success {
		p.stats.SuccessfulOrders++
		p.stats.TotalRevenue += total
		return
	}
	p.stats.FailedOrders++
}

// finish counts o and moves it out of pending. Only the first call for an order counts.
func (p *Processor) finish(o *model.Order, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[o.ID]; !ok {
		return
	}
	p.countLocked(success, o.Total)
	delete(p.pending, o.ID)
	if success {
		p.completed = append(p.completed, o.ID)
	}
}

func (p *Processor) publish(o *model.Order) {
	err := p.pub.Publish(events.FromOrder(o))
	p.metrics.Published(err)
	if err != nil {
		p.log.Warn("publish failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func outcome(o *model.Order, err error) model.Outcome {
	return model.Outcome{
		Success:     o.Status == model.StatusCommitted,
		OrderID:     o.ID,
		Status:      o.Status,
		Subtotal:    o.Subtotal,
		Discount:    o.Discount,
		Total:       o.Total,
		Rate:        o.Rate,
		Allocations: o.Allocations.Clone(),
		Err:         err,
	}
}

// Discount is subtotal*rate rounded half up to whole cents.
func Discount(subtotal model.Money, rate decimal.Decimal) model.Money {
	return model.Money(decimal.NewFromInt(int64(subtotal)).Mul(rate).Round(0).IntPart())
}

// InventorySnapshot reads each warehouse under its own guard. Warehouses are
// read one after another, so the result is not a cross-warehouse transaction.
func (p *Processor) InventorySnapshot() map[string]warehouse.Snapshot {
	out := make(map[string]warehouse.Snapshot)
	for _, w := range p.alloc.Warehouses() {
		out[w.ID()] = w.Snapshot()
	}
	return out
}

func (p *Processor) Stats() model.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Pending returns ids of submitted orders that have not reached a terminal state, sorted.
func (p *Processor) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Completed returns ids of committed orders in commit order.
func (p *Processor) Completed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.completed...)
}
