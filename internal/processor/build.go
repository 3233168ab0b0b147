package processor

import (
	"fmt"
	"io"

	"orderengine/internal/config"
	"orderengine/internal/journal"
	"orderengine/internal/ledger"
)

// FromConfig builds the catalog, stocked warehouses, ledger, customers and
// journal a config describes. opts are applied after the config's own.
func FromConfig(cfg config.Config, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	ws, err := cfg.BuildWarehouses()
	if err != nil {
		return nil, err
	}
	var j journal.Journal = journal.NewMemoryJournal()
	if cfg.Journal == config.JournalPebble {
		pj, err := journal.NewPebbleJournal()
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j = pj
	}
	base := []Option{WithJournal(j), WithPricingDelay(cfg.PricingDelay)}
	p := New(cat, ws, ledger.New(cfg.Policy()), append(base, opts...)...)
	for _, c := range cfg.Customers {
		p.CreateCustomer(c.ID, c.Name)
		if c.Spent != 0 || c.Points != 0 {
			if err := p.ledger.Seed(c.ID, c.Spent, c.Points); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Close releases the journal if it holds resources.
func (p *Processor) Close() error {
	if c, ok := p.journal.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
