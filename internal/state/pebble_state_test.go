package state

import (
	"testing"
)

func TestPebbleStore_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	st, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, ok := st.Get("7"); ok {
		t.Fatalf("empty store should miss")
	}
	if err := st.Put("7", sessions(2, win(0, 500, 1200))); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := st.Get("7")
	if !ok || got.LastSeq != 2 || len(got.Windows) != 1 || got.Windows[0].Agg.Value != 1200 {
		t.Fatalf("bad state after put: %+v ok=%v", got, ok)
	}
	if err := st.Delete("7"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := st.Get("7"); ok {
		t.Fatalf("key should be gone after delete")
	}
}

func TestPebbleStore_LoadAllAndRange(t *testing.T) {
	dir := t.TempDir()
	st, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dump := map[string]SessionState{
		"1": sessions(1, win(0, 100, 100)),
		"2": sessions(4, win(50, 200, 900)),
	}
	st.LoadAll(dump)

	if s, ok := st.Get("1"); !ok || s.LastSeq != 1 || s.Windows[0].Agg.Value != 100 {
		t.Fatalf("bad 1: %+v ok=%v", s, ok)
	}
	if s, ok := st.Get("2"); !ok || s.LastSeq != 4 || s.Windows[0].Agg.Value != 900 {
		t.Fatalf("bad 2: %+v ok=%v", s, ok)
	}

	count := 0
	if err := st.Range(func(key string, rs SessionState) error { count++; return nil }); err != nil {
		t.Fatalf("range err: %v", err)
	}
	if count != 2 {
		t.Fatalf("range count=%d want=2", count)
	}

	// LoadAll replaces: loading a smaller dump drops the other key.
	st.LoadAll(map[string]SessionState{"1": sessions(9)})
	if _, ok := st.Get("2"); ok {
		t.Fatalf("key 2 should have been replaced away")
	}
}
