package restore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fraudstream/internal/changelog"
	"fraudstream/internal/manifest"
	"fraudstream/internal/model"
	"fraudstream/internal/state"
	"fraudstream/internal/window"
)

func delta(seq int64, orderID string, customer int64, value float64, ts int64) string {
	d := changelog.Delta{
		Key: state.CustomerKey(customer),
		Seq: seq,
		Order: model.Order{
			ID: orderID, CustomerID: customer, State: model.OrderCreated, Quantity: 1, Price: value,
		},
		TS: ts,
	}
	b, _ := json.Marshal(&d)
	return string(b)
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		_, _ = f.WriteString(l + "\n")
	}
	_ = f.Close()
}

func TestRestoreAndReplay_MinimalFlow(t *testing.T) {
	// Work in an isolated temp dir so the default relative changelog path resolves.
	oldWD, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(oldWD) })
	base := t.TempDir()
	if err := os.Chdir(base); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	mf := manifest.NewFilesystemManifest(base)
	if err := mf.PublishLatest("sid-test", 1); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}

	writeLines(t, filepath.Join("changelog", "fraudsvc.jsonl"),
		delta(1, "o1", 1, 500, 1000),
		delta(2, "o2", 1, 500, 2000),
		delta(3, "o3", 1, 500, 3000),
	)

	st := state.NewInMemoryStore()
	r := NewRestorer(st, time.Hour, manifest.NewFilesystemManifest(base), base)
	res, err := r.RestoreAndReplay()
	if err != nil {
		t.Fatalf("RestoreAndReplay error: %v", err)
	}

	// With lastChangelogOffset=1, the first line is skipped by offset; the
	// remaining 2 are applied.
	if res.Applied != 2 || res.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	cs, ok := st.Get("1")
	if !ok || len(cs.Windows) != 1 {
		t.Fatalf("bad restored sessions: %+v ok=%v", cs, ok)
	}
	// Only deltas 2 and 3 replayed: total 1000.
	if cs.Windows[0].Agg.Value != 1000 || cs.LastSeq != 3 {
		t.Fatalf("bad restored window: %+v", cs)
	}
}

func TestRestoreFromSnapshot_LoadsState(t *testing.T) {
	base := t.TempDir()
	sid := "sid-001"
	dir := filepath.Join(base, sid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir snapshot: %v", err)
	}
	dump := map[string]state.SessionState{
		"1": {LastSeq: 3, Windows: []window.Window{{Start: 0, End: 2000, Agg: model.OrderValue{Value: 1500}}}},
		"2": {LastSeq: 1, Windows: []window.Window{{Start: 500, End: 500, Agg: model.OrderValue{Value: 700}}}},
	}
	b, _ := json.Marshal(dump)
	if err := os.WriteFile(filepath.Join(dir, "sessions.json"), b, 0o644); err != nil {
		t.Fatalf("write sessions.json: %v", err)
	}

	st := state.NewInMemoryStore()
	r := NewRestorer(st, time.Hour, manifest.NewFilesystemManifest(base), base)
	if err := r.RestoreFromSnapshot(sid); err != nil {
		t.Fatalf("RestoreFromSnapshot error: %v", err)
	}
	s1, ok := st.Get("1")
	if !ok || s1.LastSeq != 3 || s1.Windows[0].Agg.Value != 1500 {
		t.Fatalf("bad state for customer 1: %+v", s1)
	}
	s2, ok := st.Get("2")
	if !ok || s2.LastSeq != 1 || s2.Windows[0].Agg.Value != 700 {
		t.Fatalf("bad state for customer 2: %+v", s2)
	}
}

func TestReplayChangelog_IdempotencyAndSessions(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "changelog", "fraudsvc.jsonl")
	// seq=1 apply, seq=1 duplicate skip, seq=3 gap apply, seq=2 stale skip
	writeLines(t, path,
		delta(1, "o1", 1, 10, 1000),
		delta(1, "o1", 1, 999, 1000),
		delta(3, "o3", 1, 5, 2000),
		delta(2, "o2", 1, 100, 1500),
	)

	st := state.NewInMemoryStore()
	r := NewRestorer(st, time.Hour, manifest.NewFilesystemManifest(base), base)
	res := r.ReplayChangelog(path, 0)
	if res.Error != nil {
		t.Fatalf("replay error: %v", res.Error)
	}
	if res.Applied != 2 || res.Skipped != 2 {
		t.Fatalf("want applied=2 skipped=2, got %+v", res)
	}
	cs, ok := st.Get("1")
	if !ok {
		t.Fatalf("missing customer")
	}
	if cs.LastSeq != 3 || len(cs.Windows) != 1 || cs.Windows[0].Agg.Value != 15 {
		t.Fatalf("unexpected final state: %+v", cs)
	}

	// Replaying the whole log again changes nothing.
	res = r.ReplayChangelog(path, 0)
	if res.Error != nil || res.Applied != 0 {
		t.Fatalf("second replay must be a no-op: %+v", res)
	}
}

func TestReplayChangelog_EmptyAndMalformed(t *testing.T) {
	base := t.TempDir()
	empty := filepath.Join(base, "empty.jsonl")
	if err := os.WriteFile(empty, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	st := state.NewInMemoryStore()
	r := NewRestorer(st, time.Hour, manifest.NewFilesystemManifest(base), base)
	res := r.ReplayChangelog(empty, 0)
	if res.Error != nil || res.Applied != 0 || res.Skipped != 0 {
		t.Fatalf("empty file unexpected: %+v", res)
	}

	bad := filepath.Join(base, "bad.jsonl")
	content := fmt.Sprintf("%s\n{bad json}\n", delta(1, "o1", 1, 10, 1000))
	if err := os.WriteFile(bad, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	res = r.ReplayChangelog(bad, 0)
	if res.Error == nil {
		t.Fatalf("expected error for malformed JSONL, got nil")
	}
}
