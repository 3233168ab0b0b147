package ledger

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"orderengine/internal/model"
)

// Tier grants Rate to customers with strictly more than MinPoints points.
type Tier struct {
	MinPoints int64
	Rate      decimal.Decimal
}

// Policy defines the loyalty program.
type Policy struct {
	VIPThreshold  model.Money // VIP once cumulative spend exceeds this
	VIPRate       decimal.Decimal
	Tiers         []Tier // evaluated highest MinPoints first
	PointsPerUnit int64  // points per major currency unit spent
}

// DefaultPolicy is VIP over 1000.00 at 15%, >5000 points 10%, >1000 points 5%, 10 points per unit.
func DefaultPolicy() Policy {
	return Policy{
		VIPThreshold: 100000,
		VIPRate:      decimal.RequireFromString("0.15"),
		Tiers: []Tier{
			{MinPoints: 5000, Rate: decimal.RequireFromString("0.10")},
			{MinPoints: 1000, Rate: decimal.RequireFromString("0.05")},
		},
		PointsPerUnit: 10,
	}
}

// RateFor is the discount rate implied by a customer state.
func (p Policy) RateFor(in model.PricingInputs) decimal.Decimal {
	if in.VIP {
		return p.VIPRate
	}
	for _, t := range p.Tiers {
		if in.LoyaltyPoints > t.MinPoints {
			return t.Rate
		}
	}
	return decimal.Zero
}

// PointsFor is floor(total * PointsPerUnit).
func (p Policy) PointsFor(total model.Money) int64 {
	if total <= 0 {
		return 0
	}
	return total.Decimal().Mul(decimal.NewFromInt(p.PointsPerUnit)).Floor().IntPart()
}

func (p Policy) normalized() Policy {
	tiers := append([]Tier(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinPoints > tiers[j].MinPoints })
	p.Tiers = tiers
	return p
}

// Customer is a copy of a customer record.
type Customer struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	TotalSpent    model.Money `json:"totalSpent"`
	LoyaltyPoints int64       `json:"loyaltyPoints"`
	VIP           bool        `json:"vip"`
	Orders        []string    `json:"orders"`
}

func (c Customer) inputs() model.PricingInputs {
	return model.PricingInputs{TotalSpent: c.TotalSpent, LoyaltyPoints: c.LoyaltyPoints, VIP: c.VIP}
}

// PricingSnapshot is the customer state and the rate it implies, read in one
// critical section.
type PricingSnapshot struct {
	CustomerID string
	Rate       decimal.Decimal
	Inputs     model.PricingInputs
	// Version counts completed orders at the time of the read.
	Version int
}

type entry struct {
	mu       sync.Mutex
	c        Customer
	recorded map[string]struct{}
}

// Ledger owns customer records. The map is guarded by mu; each record by its
// entry's mutex, so different customers never contend.
type Ledger struct {
	policy Policy

	mu        sync.RWMutex
	customers map[string]*entry
}

func New(policy Policy) *Ledger {
	return &Ledger{policy: policy.normalized(), customers: make(map[string]*entry)}
}

func (l *Ledger) Policy() Policy { return l.policy }

// Register creates the customer if absent and returns its current record.
func (l *Ledger) Register(id, name string) Customer {
	l.mu.Lock()
	e, ok := l.customers[id]
	if !ok {
		e = &entry{c: Customer{ID: id, Name: name}, recorded: make(map[string]struct{})}
		l.customers[id] = e
	}
	l.mu.Unlock()
	return e.get()
}

func (l *Ledger) lookup(id string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.customers[id]
	if !ok {
		return nil, model.Invalidf("unknown customer %q", id)
	}
	return e, nil
}

func (e *entry) get() Customer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyLocked()
}

func (e *entry) copyLocked() Customer {
	c := e.c
	c.Orders = append([]string(nil), e.c.Orders...)
	return c
}

// Seed overwrites spend and points, e.g. to start a scenario near a tier
// boundary. VIP is re-evaluated and never cleared.
func (l *Ledger) Seed(id string, spent model.Money, points int64) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.c.TotalSpent = spent
	e.c.LoyaltyPoints = points
	e.c.VIP = e.c.VIP || spent > l.policy.VIPThreshold
	return nil
}

func (l *Ledger) Get(id string) (Customer, bool) {
	e, err := l.lookup(id)
	if err != nil {
		return Customer{}, false
	}
	return e.get(), true
}

// IDs returns customer ids in ascending order.
func (l *Ledger) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.customers))
	for id := range l.customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) DiscountRate(id string) (decimal.Decimal, error) {
	s, err := l.Snapshot(id)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Rate, nil
}

func (l *Ledger) Snapshot(id string) (PricingSnapshot, error) {
	e, err := l.lookup(id)
	if err != nil {
		return PricingSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	in := e.c.inputs()
	return PricingSnapshot{CustomerID: id, Rate: l.policy.RateFor(in), Inputs: in, Version: len(e.c.Orders)}, nil
}

// RecordCompletedOrder adds total to spend, floor(total*PointsPerUnit) to
// points and re-evaluates VIP, all in one read-modify-write. Recording the
// same order id twice is a no-op reported as applied=false.
func (l *Ledger) RecordCompletedOrder(id, orderID string, total model.Money) (bool, Customer, error) {
	if total < 0 {
		return false, Customer{}, model.Inconsistencyf("customer %s: negative order total %s", id, total)
	}
	e, err := l.lookup(id)
	if err != nil {
		return false, Customer{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.recorded[orderID]; dup {
		return false, e.copyLocked(), nil
	}
	e.recorded[orderID] = struct{}{}
	e.c.TotalSpent += total
	e.c.LoyaltyPoints += l.policy.PointsFor(total)
	e.c.VIP = e.c.VIP || e.c.TotalSpent > l.policy.VIPThreshold
	e.c.Orders = append(e.c.Orders, orderID)
	return true, e.copyLocked(), nil
}
