package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             256 << 20,
		MaxConcurrentCompactions: func() int { return 4 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		// Keep the WAL: it is the durability floor for session state.
		DisableWAL:         false,
		WALMinSyncInterval: func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func encodePebbleState(st SessionState) ([]byte, error) { return json.Marshal(st) }
func decodePebbleState(val []byte) (SessionState, error) {
	var st SessionState
	if err := json.Unmarshal(val, &st); err != nil {
		return SessionState{}, err
	}
	return st, nil
}

func (p *PebbleStore) Get(key string) (SessionState, bool) {
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		return SessionState{}, false
	}
	defer closer.Close()
	st, e := decodePebbleState(v)
	if e != nil {
		return SessionState{}, false
	}
	return st, true
}

func (p *PebbleStore) Put(key string, st SessionState) error {
	b, err := encodePebbleState(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	// NoSync: the WAL covers durability between syncs.
	if err := p.db.Set([]byte(key), b, pebble.NoSync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (p *PebbleStore) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.NoSync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (p *PebbleStore) Range(fn func(key string, st SessionState) error) error {
	it, _ := p.db.NewIter(nil)
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		st, err := decodePebbleState(v)
		if err != nil {
			return err
		}
		if err := fn(string(k), st); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll loads a full snapshot into Pebble by replacing all keys.
func (p *PebbleStore) LoadAll(all map[string]SessionState) {
	var toDelete [][]byte
	it, _ := p.db.NewIter(nil)
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		toDelete = append(toDelete, k)
	}
	it.Close()
	if len(toDelete) > 0 {
		wb := p.db.NewBatch()
		for _, k := range toDelete {
			_ = wb.Delete(k, nil)
		}
		_ = wb.Commit(pebble.NoSync)
		_ = wb.Close()
	}
	if len(all) > 0 {
		wb := p.db.NewBatch()
		for k, st := range all {
			b, err := encodePebbleState(st)
			if err != nil {
				continue
			}
			_ = wb.Set([]byte(k), b, nil)
		}
		_ = wb.Commit(pebble.NoSync)
		_ = wb.Close()
	}
}
