package processor

import "sync"

// lanes serializes work per key. Entries are reference counted and dropped
// when the last holder releases, so the map only holds active customers.
type lanes struct {
	mu sync.Mutex
	m  map[string]*lane
}

type lane struct {
	mu   sync.Mutex
	refs int
}

func newLanes() *lanes { return &lanes{m: make(map[string]*lane)} }

// acquire blocks until the caller owns key's lane and returns its release func.
func (ls *lanes) acquire(key string) func() {
	ls.mu.Lock()
	l, ok := ls.m[key]
	if !ok {
		l = &lane{}
		ls.m[key] = l
	}
	l.refs++
	ls.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		ls.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(ls.m, key)
		}
		ls.mu.Unlock()
	}
}

func (ls *lanes) active() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.m)
}
