package processor

import (
	"sync"
	"testing"
)

func TestLanes_SerializePerKey(t *testing.T) {
	ls := newLanes()
	var mu sync.Mutex
	inside := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := ls.acquire(key)
			defer release()
			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				t.Errorf("two holders of lane %s", key)
			}
			mu.Unlock()
			mu.Lock()
			inside[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if n := ls.active(); n != 0 {
		t.Fatalf("lanes not released: %d", n)
	}
}
