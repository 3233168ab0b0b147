package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"orderengine/internal/journal"
	"orderengine/internal/ledger"
	"orderengine/internal/model"
	"orderengine/internal/warehouse"
)

// Source is what an audit reads. *processor.Processor implements it.
type Source interface {
	InventorySnapshot() map[string]warehouse.Snapshot
	Stats() model.Stats
	Pending() []string
	Journal() journal.Journal
	Ledger() *ledger.Ledger
}

const (
	CheckNegative     = "negative_inventory"
	CheckOrphaned     = "orphaned_reservation"
	CheckConservation = "conservation"
	CheckStats        = "stats"
	CheckDiscount     = "discount"
	CheckVIP          = "vip"
	CheckJournal      = "journal"
)

type Finding struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

type Report struct {
	Findings []Finding `json:"findings"`
	Orders   int       `json:"journaledOrders"`
}

func (r Report) OK() bool { return len(r.Findings) == 0 }

// Has reports whether any finding came from check.
func (r Report) Has(check string) bool {
	for _, f := range r.Findings {
		if f.Check == check {
			return true
		}
	}
	return false
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "audit: %d journaled orders, %d findings\n", r.Orders, len(r.Findings))
	for _, f := range r.Findings {
		fmt.Fprintf(&b, "  [%s] %s\n", f.Check, f.Detail)
	}
	if r.OK() {
		b.WriteString("  no violations\n")
	}
	return b.String()
}

func (r *Report) addf(check, format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{Check: check, Detail: fmt.Sprintf(format, args...)})
}

// Run checks inventory, stats and pricing invariants. It is meant for a
// quiescent source; with orders in flight reservations show up as pending
// work, not violations.
func Run(src Source) Report {
	var r Report
	inv := src.InventorySnapshot()
	pending := src.Pending()
	stats := src.Stats()

	var records []journal.Record
	if err := src.Journal().Range(func(rec journal.Record) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		r.addf(CheckJournal, "read journal: %v", err)
	}
	r.Orders = len(records)

	checkInventory(&r, inv, len(pending), records)
	checkStats(&r, stats, records)
	checkPricing(&r, src.Ledger(), records)
	return r
}

type whProduct struct{ wh, product string }

func checkInventory(r *Report, inv map[string]warehouse.Snapshot, pending int, records []journal.Record) {
	shipped := make(map[whProduct]int64)
	for _, rec := range records {
		for product, byWH := range rec.Allocations {
			for wh, q := range byWH {
				shipped[whProduct{wh, product}] += q
			}
		}
	}

	whIDs := make([]string, 0, len(inv))
	for id := range inv {
		whIDs = append(whIDs, id)
	}
	sort.Strings(whIDs)
	for _, id := range whIDs {
		snap := inv[id]
		products := make([]string, 0, len(snap.Lines))
		for p := range snap.Lines {
			products = append(products, p)
		}
		sort.Strings(products)
		for _, p := range products {
			l := snap.Lines[p]
			if l.Available < 0 {
				r.addf(CheckNegative, "%s/%s available %d", id, p, l.Available)
			}
			if l.Reserved < 0 {
				r.addf(CheckNegative, "%s/%s reserved %d", id, p, l.Reserved)
			}
			if l.Reserved > 0 && pending == 0 {
				r.addf(CheckOrphaned, "%s/%s reserved %d with no pending orders", id, p, l.Reserved)
			}
			if l.OnHand() != l.Received-l.Shipped {
				r.addf(CheckConservation, "%s/%s on hand %d != received %d - shipped %d", id, p, l.OnHand(), l.Received, l.Shipped)
			}
			key := whProduct{id, p}
			if got := shipped[key]; got != l.Shipped {
				r.addf(CheckConservation, "%s/%s shipped %d but journal committed %d", id, p, l.Shipped, got)
			}
			delete(shipped, key)
		}
	}
	for key, q := range shipped {
		r.addf(CheckConservation, "journal committed %d of %s from unknown line %s", q, key.product, key.wh)
	}
}

func checkStats(r *Report, s model.Stats, records []journal.Record) {
	if s.TotalOrders != s.SuccessfulOrders+s.FailedOrders {
		r.addf(CheckStats, "total_orders %d != successful %d + failed %d", s.TotalOrders, s.SuccessfulOrders, s.FailedOrders)
	}
	if s.SuccessfulOrders != int64(len(records)) {
		r.addf(CheckStats, "successful_orders %d but %d journaled", s.SuccessfulOrders, len(records))
	}
	var revenue model.Money
	for _, rec := range records {
		revenue += rec.Total
	}
	if revenue != s.TotalRevenue {
		r.addf(CheckStats, "total_revenue %s but journal totals %s", s.TotalRevenue, revenue)
	}
}

var oneCent = decimal.New(1, 0)

func checkPricing(r *Report, l *ledger.Ledger, records []journal.Record) {
	policy := l.Policy()
	byCustomer := make(map[string][]journal.Record)
	for _, rec := range records {
		want := policy.RateFor(rec.PricedWith)
		if !rec.Rate.Equal(want) {
			r.addf(CheckDiscount, "%s: priced at %s, snapshot implies %s", rec.OrderID, rec.Rate, want)
		}
		if rec.Subtotal-rec.Discount != rec.Total {
			r.addf(CheckDiscount, "%s: subtotal %s - discount %s != total %s", rec.OrderID, rec.Subtotal, rec.Discount, rec.Total)
		}
		exact := decimal.NewFromInt(int64(rec.Subtotal)).Mul(rec.Rate)
		if exact.Sub(decimal.NewFromInt(int64(rec.Discount))).Abs().GreaterThan(oneCent) {
			r.addf(CheckDiscount, "%s: discount %s is not %s of %s", rec.OrderID, rec.Discount, rec.Rate, rec.Subtotal)
		}
		byCustomer[rec.CustomerID] = append(byCustomer[rec.CustomerID], rec)
	}

	for _, id := range l.IDs() {
		c, ok := l.Get(id)
		if !ok {
			continue
		}
		if c.TotalSpent > policy.VIPThreshold && !c.VIP {
			r.addf(CheckVIP, "%s: spent %s but not VIP", id, c.TotalSpent)
		}
		recs := byCustomer[id]
		sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
		wasVIP := false
		for _, rec := range recs {
			if wasVIP && !rec.PricedWith.VIP {
				r.addf(CheckVIP, "%s: order %s priced as non-VIP after VIP", id, rec.OrderID)
			}
			wasVIP = wasVIP || rec.PricedWith.VIP
		}
		if wasVIP && !c.VIP {
			r.addf(CheckVIP, "%s: VIP status was lost", id)
		}
	}
}
