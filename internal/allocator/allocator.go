package allocator

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"orderengine/internal/model"
	"orderengine/internal/warehouse"
)

// reservation is one hold taken for an order. settled is set once the hold
// has been committed or cancelled, so replaying a rollback never cancels it twice.
type reservation struct {
	product string
	wh      *warehouse.Warehouse
	qty     int64
	settled bool
}

// Plan is the fulfillment plan of one order: every reservation taken, in the
// order taken. A Plan is owned by the goroutine processing its order.
type Plan struct {
	OrderID      string
	reservations []*reservation
}

// Allocations returns product -> warehouse -> quantity for the plan.
func (p *Plan) Allocations() model.Allocations {
	out := make(model.Allocations)
	for _, r := range p.reservations {
		byWH, ok := out[r.product]
		if !ok {
			byWH = make(map[string]int64)
			out[r.product] = byWH
		}
		byWH[r.wh.ID()] += r.qty
	}
	return out
}

// Held is the quantity still reserved and neither committed nor cancelled.
func (p *Plan) Held() int64 {
	var n int64
	for _, r := range p.reservations {
		if !r.settled {
			n += r.qty
		}
	}
	return n
}

// Rollback cancels every unsettled reservation, newest first. It is safe to
// call more than once. All cancellation errors are returned together.
func (p *Plan) Rollback() (cancelled int, err error) {
	for i := len(p.reservations) - 1; i >= 0; i-- {
		r := p.reservations[i]
		if r.settled {
			continue
		}
		if e := r.wh.CancelReservation(r.product, r.qty); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		r.settled = true
		cancelled++
	}
	return cancelled, err
}

// Commit ships every unsettled reservation. If a commit fails the remaining
// reservations are cancelled and an InternalInconsistency is returned.
func (p *Plan) Commit() error {
	for _, r := range p.reservations {
		if r.settled {
			continue
		}
		if err := r.wh.CommitReservation(r.product, r.qty); err != nil {
			// The warehouse no longer holds this reservation; cancelling it would fail the same way.
			r.settled = true
			_, rbErr := p.Rollback()
			return &model.OrderError{
				Kind:    model.KindInternalInconsistency,
				Message: fmt.Sprintf("order %s: commit %s@%s", p.OrderID, r.product, r.wh.ID()),
				Err:     multierr.Append(err, rbErr),
			}
		}
		r.settled = true
	}
	return nil
}

// Option configures an Allocator.
type Option func(*Allocator)

func WithLogger(l *zap.Logger) Option { return func(a *Allocator) { a.log = l } }

// WithRollbackHook is called with the number of reservations released each
// time an allocation is abandoned.
func WithRollbackHook(fn func(orderID string, released int)) Option {
	return func(a *Allocator) { a.onRollback = fn }
}

// Allocator splits order lines across warehouses in ascending id order.
// It takes no lock of its own; each reservation is a single call into one
// warehouse, so concurrent orders only meet inside a warehouse's guard.
type Allocator struct {
	warehouses []*warehouse.Warehouse
	log        *zap.Logger
	onRollback func(orderID string, released int)
}

func New(ws []*warehouse.Warehouse, opts ...Option) *Allocator {
	a := &Allocator{warehouses: warehouse.SortByID(ws), log: zap.NewNop()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Warehouses returns the warehouses in priority order.
func (a *Allocator) Warehouses() []*warehouse.Warehouse {
	return append([]*warehouse.Warehouse(nil), a.warehouses...)
}

// Allocate reserves every line or nothing. On a shortfall all reservations
// already taken for the order, across all lines, are cancelled and an
// InsufficientStock error is returned.
func (a *Allocator) Allocate(orderID string, lines []model.OrderLine) (*Plan, error) {
	plan := &Plan{OrderID: orderID}
	for _, line := range lines {
		remaining := line.Qty
		for _, wh := range a.warehouses {
			if remaining == 0 {
				break
			}
			got, err := wh.ReserveUpTo(line.ProductID, remaining)
			if err != nil {
				return nil, a.abandon(plan, err)
			}
			if got > 0 {
				plan.reservations = append(plan.reservations, &reservation{product: line.ProductID, wh: wh, qty: got})
				remaining -= got
			}
		}
		if remaining > 0 {
			short := model.Insufficient(fmt.Sprintf("product %s: requested %d, only %d available", line.ProductID, line.Qty, line.Qty-remaining))
			return nil, a.abandon(plan, short)
		}
	}
	a.log.Debug("allocated",
		zap.String("order_id", orderID),
		zap.Int("reservations", len(plan.reservations)))
	return plan, nil
}

func (a *Allocator) abandon(plan *Plan, cause error) error {
	released, err := plan.Rollback()
	if a.onRollback != nil {
		a.onRollback(plan.OrderID, released)
	}
	a.log.Debug("allocation rolled back",
		zap.String("order_id", plan.OrderID),
		zap.Int("released", released),
		zap.Error(cause))
	if err != nil {
		return &model.OrderError{
			Kind:    model.KindInternalInconsistency,
			Message: fmt.Sprintf("order %s: rollback failed", plan.OrderID),
			Err:     multierr.Append(cause, err),
		}
	}
	return cause
}
