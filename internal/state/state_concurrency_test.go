package state

import (
	"sync"
	"testing"
)

func TestInMemoryStore_ConcurrentPutsDifferentKeys(t *testing.T) {
	s := NewInMemoryStore()
	var wg sync.WaitGroup
	keys := []string{"1", "2", "3", "4"}
	iters := 1000

	for _, k := range keys {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= iters; i++ {
				st, _ := s.Get(k)
				st.LastSeq = int64(i)
				if err := s.Put(k, st); err != nil {
					t.Errorf("put err: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, k := range keys {
		st, ok := s.Get(k)
		if !ok {
			t.Fatalf("missing key %s", k)
		}
		if st.LastSeq != int64(iters) {
			t.Fatalf("bad state for %s: %+v", k, st)
		}
	}
}
