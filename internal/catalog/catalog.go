package catalog

import (
	"fmt"
	"math"
	"sort"

	"orderengine/internal/model"
)

// Catalog maps product ids to products. It is read-only after New, so it
// needs no locking.
type Catalog struct {
	products map[string]model.Product
}

// New builds a catalog. Duplicate ids and non-positive prices are rejected.
func New(products ...model.Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]model.Product, len(products))}
	for _, p := range products {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: product id is required")
		}
		if p.Price <= 0 {
			return nil, fmt.Errorf("catalog: product %s: price must be positive", p.ID)
		}
		if _, dup := c.products[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate product %s", p.ID)
		}
		c.products[p.ID] = p
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (model.Product, bool) {
	p, ok := c.products[id]
	return p, ok
}

// IDs returns product ids in ascending order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.products))
	for id := range c.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks lines against the catalog: at least one line, known
// products, positive quantities.
func (c *Catalog) Validate(lines []model.OrderLine) error {
	if len(lines) == 0 {
		return model.Invalid("order must have at least one line")
	}
	for _, l := range lines {
		if _, ok := c.products[l.ProductID]; !ok {
			return model.Invalidf("unknown product %q", l.ProductID)
		}
		if l.Qty <= 0 {
			return model.Invalidf("product %s: quantity must be positive, got %d", l.ProductID, l.Qty)
		}
	}
	return nil
}

// Subtotal prices lines at catalog prices.
func (c *Catalog) Subtotal(lines []model.OrderLine) (model.Money, error) {
	if err := c.Validate(lines); err != nil {
		return 0, err
	}
	var sum model.Money
	for _, l := range lines {
		price := c.products[l.ProductID].Price
		if l.Qty > math.MaxInt64/int64(price) {
			return 0, model.Invalidf("product %s: quantity %d too large to price", l.ProductID, l.Qty)
		}
		amount := price * model.Money(l.Qty)
		if sum > math.MaxInt64-amount {
			return 0, model.Invalidf("order subtotal too large to price")
		}
		sum += amount
	}
	return sum, nil
}
