package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"fraudstream/internal/aggregate"
	"fraudstream/internal/changelog"
	"fraudstream/internal/manifest"
	"fraudstream/internal/state"
)

// Restorer rebuilds the session store: load the snapshot named by the latest
// manifest, then replay the changelog tail through the aggregator. Replay is
// idempotent via per-customer sequence numbers, so overlapping deltas are
// skipped rather than double-counted.
type Restorer struct {
	stateStore      state.Store
	agg             *aggregate.Aggregator
	manifestReader  manifest.Reader
	snapshotBaseDir string
}

type Reader interface {
	ReadLatest() (manifest.Manifest, error)
}

type FilesystemReader struct {
	baseDir string
}

func NewFilesystemReader(baseDir string) *FilesystemReader {
	return &FilesystemReader{baseDir: baseDir}
}

func (r *FilesystemReader) ReadLatest() (manifest.Manifest, error) {
	file := filepath.Join(r.baseDir, "manifest.latest.json")
	data, err := os.ReadFile(file)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// KafkaReader reads the latest manifest record from a compacted Kafka topic.
type KafkaReader struct {
	brokers []string
	topic   string
	key     []byte
}

func NewKafkaReader(brokers []string, topic string, key string) *KafkaReader {
	return &KafkaReader{brokers: brokers, topic: topic, key: []byte(key)}
}

func (k *KafkaReader) ReadLatest() (manifest.Manifest, error) {
	// Read from the beginning and keep the last record for the key (ok for
	// small compacted topics).
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var last manifest.Manifest
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return manifest.Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man manifest.Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return manifest.Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last = man
	}
	if last.SnapshotID == "" {
		return manifest.Manifest{}, fmt.Errorf("no manifest found for key")
	}
	return last, nil
}

func NewRestorer(st state.Store, gap time.Duration, mr manifest.Reader, snapshotBaseDir string) *Restorer {
	return &Restorer{
		stateStore:      st,
		agg:             aggregate.New(st, gap),
		manifestReader:  mr,
		snapshotBaseDir: snapshotBaseDir,
	}
}

type RestoreResult struct {
	Applied           int
	Skipped           int
	LastAppliedOffset int64
	Error             error
}

func (r *Restorer) RestoreFromSnapshot(snapshotID string) error {
	if snapshotID == "" {
		return nil
	}
	path := filepath.Join(r.snapshotBaseDir, snapshotID, "sessions.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("restore: snapshot not found at %s, skipping", path)
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	var dump map[string]state.SessionState
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	r.stateStore.LoadAll(dump)
	log.Printf("restore: loaded %d customers from snapshot %s", len(dump), snapshotID)
	return nil
}

func (r *Restorer) apply(d changelog.Delta) (bool, error) {
	applied, _, err := r.agg.Apply(d.Order, d.TS, d.Seq)
	return applied, err
}

func (r *Restorer) ReplayChangelog(changelogPath string, fromOffset int64) RestoreResult {
	file, err := os.Open(changelogPath)
	if err != nil {
		return RestoreResult{Error: fmt.Errorf("open changelog: %w", err)}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	applied, skipped := 0, 0
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		if int64(lineNum) <= fromOffset {
			continue
		}

		var d changelog.Delta
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			return RestoreResult{Error: fmt.Errorf("unmarshal line %d: %w", lineNum, err)}
		}

		ok, err := r.apply(d)
		if err != nil {
			return RestoreResult{Error: fmt.Errorf("apply line %d: %w", lineNum, err)}
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}

	if err := scanner.Err(); err != nil {
		return RestoreResult{Error: fmt.Errorf("scan changelog: %w", err)}
	}

	return RestoreResult{Applied: applied, Skipped: skipped, LastAppliedOffset: int64(lineNum)}
}

// ReplayChangelogKafka consumes deltas from a Kafka topic (partition 0) and
// applies them. fromOffset is interpreted as message index.
func (r *Restorer) ReplayChangelogKafka(brokers []string, topic string, fromOffset int64) RestoreResult {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	applied, skipped := 0, 0
	idx := int64(0)
	for {
		m, err := rd.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return RestoreResult{Applied: applied, Skipped: skipped, LastAppliedOffset: idx, Error: fmt.Errorf("read kafka: %w", err)}
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		var d changelog.Delta
		if err := json.Unmarshal(m.Value, &d); err != nil {
			return RestoreResult{Applied: applied, Skipped: skipped, LastAppliedOffset: idx, Error: fmt.Errorf("unmarshal delta: %w", err)}
		}
		ok, err := r.apply(d)
		if err != nil {
			return RestoreResult{Applied: applied, Skipped: skipped, LastAppliedOffset: idx, Error: fmt.Errorf("apply: %w", err)}
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}
	return RestoreResult{Applied: applied, Skipped: skipped, LastAppliedOffset: idx}
}

func (r *Restorer) RestoreAndReplay() (RestoreResult, error) {
	m, err := r.manifestReader.ReadLatest()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}

	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}

	// Default to file-based replay; callers can invoke the Kafka variant directly.
	result := r.ReplayChangelog(filepath.Join("changelog", "fraudsvc.jsonl"), m.LastChangelogOffset)
	return result, result.Error
}
