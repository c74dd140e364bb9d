package state

import (
	"testing"

	"fraudstream/internal/model"
	"fraudstream/internal/window"
)

func sessions(lastSeq int64, ws ...window.Window) SessionState {
	return SessionState{Windows: ws, LastSeq: lastSeq}
}

func win(start, end int64, value float64) window.Window {
	return window.Window{Start: start, End: end, Agg: model.OrderValue{Value: value}}
}

func TestInMemoryStore_PutGetDelete(t *testing.T) {
	s := NewInMemoryStore()

	if _, ok := s.Get("1"); ok {
		t.Fatalf("empty store should miss")
	}
	st := sessions(3, win(0, 1000, 500))
	if err := s.Put("1", st); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := s.Get("1")
	if !ok || got.LastSeq != 3 || len(got.Windows) != 1 || got.Windows[0].Agg.Value != 500 {
		t.Fatalf("bad state after put: %+v ok=%v", got, ok)
	}
	if err := s.Delete("1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("1"); ok {
		t.Fatalf("key should be gone after delete")
	}
}

func TestInMemoryStore_RangeAndLoadAll(t *testing.T) {
	s := NewInMemoryStore()
	s.LoadAll(map[string]SessionState{
		"1": sessions(1, win(0, 10, 100)),
		"2": sessions(2, win(5, 15, 250)),
	})
	count := 0
	if err := s.Range(func(key string, st SessionState) error { count++; return nil }); err != nil {
		t.Fatalf("range err: %v", err)
	}
	if count != 2 {
		t.Fatalf("range count=%d want=2", count)
	}
	if st, ok := s.Get("2"); !ok || st.Windows[0].Agg.Value != 250 {
		t.Fatalf("bad state for 2: %+v", st)
	}
}

func TestCustomerKey_RoundTrip(t *testing.T) {
	key := CustomerKey(42)
	if key != "42" {
		t.Fatalf("key = %q", key)
	}
	id, err := ParseCustomerKey(key)
	if err != nil || id != 42 {
		t.Fatalf("parse: id=%d err=%v", id, err)
	}
	if _, err := ParseCustomerKey("not-a-customer"); err == nil {
		t.Fatalf("expected parse error")
	}
}
