package journal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"orderengine/internal/model"
)

// Record is a committed order as the processor saw it at commit time.
type Record struct {
	Seq         int64               `json:"seq"`
	OrderID     string              `json:"orderId"`
	CustomerID  string              `json:"customerId"`
	Subtotal    model.Money         `json:"subtotal"`
	Discount    model.Money         `json:"discount"`
	Total       model.Money         `json:"total"`
	Rate        decimal.Decimal     `json:"rate"`
	PricedWith  model.PricingInputs `json:"pricedWith"`
	Allocations model.Allocations   `json:"allocations"`
	CommittedAt int64               `json:"committedAt"`
}

// Journal is an append-only record of committed orders.
type Journal interface {
	Append(rec Record) error
	Get(orderID string) (Record, bool)
	ByCustomer(customerID string) ([]Record, error)
	Range(fn func(rec Record) error) error
	Len() int
}

// MemoryJournal is a simple thread-safe journal.
type MemoryJournal struct {
	mu      sync.RWMutex
	byOrder map[string]int
	records []Record
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{byOrder: make(map[string]int)}
}

func (j *MemoryJournal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.byOrder[rec.OrderID]; dup {
		return fmt.Errorf("journal: order %s already recorded", rec.OrderID)
	}
	rec.Allocations = rec.Allocations.Clone()
	j.byOrder[rec.OrderID] = len(j.records)
	j.records = append(j.records, rec)
	return nil
}

func (j *MemoryJournal) Get(orderID string) (Record, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	i, ok := j.byOrder[orderID]
	if !ok {
		return Record{}, false
	}
	return j.records[i], true
}

// ByCustomer returns the customer's records in commit order.
func (j *MemoryJournal) ByCustomer(customerID string) ([]Record, error) {
	var out []Record
	err := j.Range(func(rec Record) error {
		if rec.CustomerID == customerID {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Range visits records in commit (Seq) order.
func (j *MemoryJournal) Range(fn func(rec Record) error) error {
	j.mu.RLock()
	recs := append([]Record(nil), j.records...)
	j.mu.RUnlock()
	sort.SliceStable(recs, func(a, b int) bool { return recs[a].Seq < recs[b].Seq })
	for _, r := range recs {
		if err := fn(r); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}
