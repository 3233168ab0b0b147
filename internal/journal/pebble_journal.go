package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleJournal keeps records in a Pebble instance over an in-memory
// filesystem. Keys:
//
//	s/<seq>             -> record JSON
//	o/<orderID>         -> s/<seq>
//	c/<customerID>/<seq> -> s/<seq>
type PebbleJournal struct {
	db *pebble.DB
	// appendMu makes the duplicate check and the batch write one step.
	appendMu sync.Mutex
}

func NewPebbleJournal() (*PebbleJournal, error) {
	opts := &pebble.Options{
		FS:           vfs.NewMem(),
		MemTableSize: 4 << 20,
	}
	d, err := pebble.Open("journal", opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleJournal{db: d}, nil
}

func (p *PebbleJournal) Close() error { return p.db.Close() }

func seqKey(seq int64) []byte        { return []byte(fmt.Sprintf("s/%020d", seq)) }
func orderKey(orderID string) []byte { return []byte("o/" + orderID) }
func customerKey(customerID string, seq int64) []byte {
	return []byte(fmt.Sprintf("c/%s/%020d", customerID, seq))
}

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *PebbleJournal) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (p *PebbleJournal) Append(rec Record) error {
	val, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	p.appendMu.Lock()
	defer p.appendMu.Unlock()
	if _, found, err := p.get(orderKey(rec.OrderID)); err != nil {
		return fmt.Errorf("journal get: %w", err)
	} else if found {
		return fmt.Errorf("journal: order %s already recorded", rec.OrderID)
	}
	sk := seqKey(rec.Seq)
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(sk, val, nil); err != nil {
		return err
	}
	if err := b.Set(orderKey(rec.OrderID), sk, nil); err != nil {
		return err
	}
	if err := b.Set(customerKey(rec.CustomerID, rec.Seq), sk, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("journal commit: %w", err)
	}
	return nil
}

func (p *PebbleJournal) Get(orderID string) (Record, bool) {
	sk, found, err := p.get(orderKey(orderID))
	if err != nil || !found {
		return Record{}, false
	}
	val, found, err := p.get(sk)
	if err != nil || !found {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func (p *PebbleJournal) scan(prefix []byte, fn func(key, val []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ByCustomer returns the customer's records in commit order.
func (p *PebbleJournal) ByCustomer(customerID string) ([]Record, error) {
	var out []Record
	err := p.scan([]byte("c/"+customerID+"/"), func(_, sk []byte) error {
		val, found, err := p.get(sk)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("journal: dangling index %s", sk)
		}
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Range visits records in commit (Seq) order.
func (p *PebbleJournal) Range(fn func(rec Record) error) error {
	return p.scan([]byte("s/"), func(_, val []byte) error {
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
		return nil
	})
}

func (p *PebbleJournal) Len() int {
	n := 0
	_ = p.scan([]byte("o/"), func(_, _ []byte) error { n++; return nil })
	return n
}
