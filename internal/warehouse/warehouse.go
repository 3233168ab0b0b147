package warehouse

import (
	"fmt"
	"sort"
	"sync"

	"orderengine/internal/model"
)

// Line is the inventory state of one product in one warehouse.
// Invariant: Available >= 0, Reserved >= 0, Available+Reserved == Received-Shipped.
type Line struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Received  int64 `json:"received"`
	Shipped   int64 `json:"shipped"`
}

// OnHand is what is physically in the building.
func (l Line) OnHand() int64 { return l.Available + l.Reserved }

// Snapshot is a copy of a warehouse's lines taken under its guard.
type Snapshot struct {
	ID       string          `json:"id"`
	Location string          `json:"location"`
	Lines    map[string]Line `json:"lines"`
}

// Warehouse owns its inventory lines. Every read and write of a line happens
// under mu, so a reservation's availability check and its decrement are one
// critical section.
type Warehouse struct {
	id       string
	location string

	mu    sync.Mutex
	lines map[string]*Line
}

func New(id, location string) *Warehouse {
	return &Warehouse{id: id, location: location, lines: make(map[string]*Line)}
}

func (w *Warehouse) ID() string       { return w.id }
func (w *Warehouse) Location() string { return w.location }

// line returns the line for product, creating it. Caller must hold w.mu.
func (w *Warehouse) line(product string) *Line {
	l, ok := w.lines[product]
	if !ok {
		l = &Line{}
		w.lines[product] = l
	}
	return l
}

// AddStock receives qty units of product.
func (w *Warehouse) AddStock(product string, qty int64) error {
	if qty <= 0 {
		return model.Invalidf("warehouse %s: stock quantity must be positive, got %d", w.id, qty)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	l := w.line(product)
	l.Available += qty
	l.Received += qty
	return nil
}

// TryReserve moves qty from available to reserved if at least qty is
// available. It reports false, with no state change, otherwise.
func (w *Warehouse) TryReserve(product string, qty int64) (bool, error) {
	if qty <= 0 {
		return false, model.Invalidf("warehouse %s: reserve quantity must be positive, got %d", w.id, qty)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.lines[product]
	if !ok || l.Available < qty {
		return false, nil
	}
	l.Available -= qty
	l.Reserved += qty
	return true, nil
}

// ReserveUpTo reserves min(want, available) units in one critical section
// and returns the amount reserved (possibly 0).
func (w *Warehouse) ReserveUpTo(product string, want int64) (int64, error) {
	if want <= 0 {
		return 0, model.Invalidf("warehouse %s: reserve quantity must be positive, got %d", w.id, want)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.lines[product]
	if !ok || l.Available == 0 {
		return 0, nil
	}
	got := want
	if l.Available < got {
		got = l.Available
	}
	l.Available -= got
	l.Reserved += got
	return got, nil
}

// CommitReservation ships qty previously reserved units.
func (w *Warehouse) CommitReservation(product string, qty int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, err := w.reservedLine(product, qty, "commit")
	if err != nil {
		return err
	}
	l.Reserved -= qty
	l.Shipped += qty
	return nil
}

// CancelReservation returns qty previously reserved units to available.
// Cancelling more than is reserved is an InternalInconsistency and changes nothing.
func (w *Warehouse) CancelReservation(product string, qty int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, err := w.reservedLine(product, qty, "cancel")
	if err != nil {
		return err
	}
	l.Reserved -= qty
	l.Available += qty
	return nil
}

// reservedLine checks that qty units of product are reserved. Caller must hold w.mu.
func (w *Warehouse) reservedLine(product string, qty int64, op string) (*Line, error) {
	if qty <= 0 {
		return nil, model.Inconsistencyf("warehouse %s: %s %s: quantity must be positive, got %d", w.id, op, product, qty)
	}
	l, ok := w.lines[product]
	if !ok || l.Reserved < qty {
		var reserved int64
		if ok {
			reserved = l.Reserved
		}
		return nil, model.Inconsistencyf("warehouse %s: %s %s: requested %d exceeds reserved %d", w.id, op, product, qty, reserved)
	}
	return l, nil
}

// Line returns a copy of the product's line.
func (w *Warehouse) Line(product string) Line {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.lines[product]; ok {
		return *l
	}
	return Line{}
}

// Snapshot copies every line under the guard.
func (w *Warehouse) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{ID: w.id, Location: w.location, Lines: make(map[string]Line, len(w.lines))}
	for p, l := range w.lines {
		s.Lines[p] = *l
	}
	return s
}

func (w *Warehouse) String() string { return fmt.Sprintf("%s(%s)", w.id, w.location) }

// SortByID orders warehouses by ascending id, the allocation priority.
func SortByID(ws []*Warehouse) []*Warehouse {
	out := append([]*Warehouse(nil), ws...)
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
