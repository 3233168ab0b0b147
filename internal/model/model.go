package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor currency units (cents).
type Money int64

// String renders m as a decimal currency amount, e.g. 1299.99.
func (m Money) String() string {
	return decimal.New(int64(m), -2).StringFixed(2)
}

// Decimal returns m in major units.
func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -2) }

// Product is a catalog entry. Immutable after catalog load.
type Product struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Price    Money  `json:"price" yaml:"price"`
	Category string `json:"category" yaml:"category"`
}

// OrderLine is one (product, quantity) request of an order.
type OrderLine struct {
	ProductID string `json:"productId"`
	Qty       int64  `json:"qty"`
}

// Allocations records product -> warehouse -> quantity.
type Allocations map[string]map[string]int64

// Clone returns a deep copy of a.
func (a Allocations) Clone() Allocations {
	if a == nil {
		return nil
	}
	out := make(Allocations, len(a))
	for p, byWH := range a {
		m := make(map[string]int64, len(byWH))
		for wh, q := range byWH {
			m[wh] = q
		}
		out[p] = m
	}
	return out
}

// Status is the lifecycle state of an order.
type Status int

const (
	StatusPending Status = iota
	StatusPriced
	StatusAllocated
	StatusCommitted
	StatusRejected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusPriced:
		return "PRICED"
	case StatusAllocated:
		return "ALLOCATED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRejected:
		return "REJECTED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRejected || s == StatusFailed
}

// PricingInputs is the customer state an order was priced against.
type PricingInputs struct {
	TotalSpent    Money `json:"totalSpent"`
	LoyaltyPoints int64 `json:"loyaltyPoints"`
	VIP           bool  `json:"vip"`
}

// Order is created by the caller and handed to the processor. Only the
// goroutine running Process mutates it; once terminal it is never modified.
type Order struct {
	ID          string
	CustomerID  string
	Lines       []OrderLine
	Priority    int
	SubmittedAt time.Time

	Status      Status
	Subtotal    Money
	Discount    Money
	Total       Money
	Rate        decimal.Decimal
	PricedWith  PricingInputs
	Allocations Allocations
	Reason      string
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusPriced, StatusRejected, StatusFailed},
	StatusPriced:    {StatusAllocated, StatusRejected, StatusFailed},
	StatusAllocated: {StatusCommitted, StatusFailed},
}

// Transition moves o to the next status, rejecting moves the lifecycle does not allow.
func (o *Order) Transition(to Status) error {
	for _, next := range transitions[o.Status] {
		if next == to {
			o.Status = to
			return nil
		}
	}
	return Inconsistency(fmt.Sprintf("order %s: illegal transition %s -> %s", o.ID, o.Status, to))
}

// Outcome is the terminal result of processing one order.
type Outcome struct {
	Success     bool
	OrderID     string
	Status      Status
	Subtotal    Money
	Discount    Money
	Total       Money
	Rate        decimal.Decimal
	Allocations Allocations
	Err         error
}

// Stats are the processor's aggregate counters.
type Stats struct {
	TotalOrders      int64 `json:"totalOrders"`
	SuccessfulOrders int64 `json:"successfulOrders"`
	FailedOrders     int64 `json:"failedOrders"`
	TotalRevenue     Money `json:"totalRevenue"`
}
