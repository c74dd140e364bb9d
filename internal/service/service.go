package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"fraudstream/internal/aggregate"
	"fraudstream/internal/changelog"
	"fraudstream/internal/classify"
	"fraudstream/internal/config"
	"fraudstream/internal/manifest"
	"fraudstream/internal/metrics"
	"fraudstream/internal/model"
	"fraudstream/internal/restore"
	"fraudstream/internal/snapshot"
	"fraudstream/internal/state"
)

// ErrStartTimeout is returned when the consumer never receives its initial
// partition assignment within the configured start timeout.
var ErrStartTimeout = errors.New("rebalance did not complete before start timeout")

const pollTimeout = time.Second

// kafkaConsumer is the surface of *kafka.Consumer the processing loop uses,
// split out so the error paths can be driven by fakes in tests.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, cb ck.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	Commit() ([]ck.TopicPartition, error)
	Assignment() ([]ck.TopicPartition, error)
	Position(partitions []ck.TopicPartition) ([]ck.TopicPartition, error)
	GetConsumerGroupMetadata() (*ck.ConsumerGroupMetadata, error)
	Close() error
}

// kafkaProducer is the surface of *kafka.Producer the processing loop uses.
type kafkaProducer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	BeginTransaction() error
	SendOffsetsToTransaction(ctx context.Context, offsets []ck.TopicPartition, meta *ck.ConsumerGroupMetadata) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	Close()
}

// Service wires the fraud topology: orders consumer -> CREATED filter ->
// session aggregator -> dewindow/rekey -> classifier -> validations producer.
// Start blocks until the first partition assignment; Stop is idempotent and
// safe to call even if Start never completed.
type Service struct {
	cfg config.Config
	log *zap.Logger
	met *metrics.Registry

	store      state.Store
	closeStore func() error
	agg        *aggregate.Aggregator
	classifier classify.Classifier

	clog            changelog.Writer
	changelogOffset int64
	snap            *snapshot.FilesystemSnapshotter
	mani            manifest.Publisher

	consumer kafkaConsumer
	producer kafkaProducer

	ready     chan struct{}
	readyOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
	fatalCh   chan error
	fatalOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg config.Config, log *zap.Logger, met *metrics.Registry) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		log:        log,
		met:        met,
		classifier: classify.Classifier{Limit: cfg.FraudLimit},
		ready:      make(chan struct{}),
		stopCh:     make(chan struct{}),
		fatalCh:    make(chan error, 1),
	}

	var clog changelog.Writer
	if cfg.ChangelogSink == "file" || cfg.ChangelogSink == "both" {
		fw, err := changelog.NewFileWriter(cfg.ChangelogDir, "fraudsvc.jsonl")
		if err != nil {
			return nil, fmt.Errorf("init changelog file: %w", err)
		}
		clog = fw
	}
	if cfg.ChangelogSink == "kafka" || cfg.ChangelogSink == "both" {
		kw := changelog.NewKafkaWriter(cfg.Bootstrap, cfg.TopicChangelog)
		if clog == nil {
			clog = kw
		} else {
			clog = changelog.NewMultiWriter(clog, kw)
		}
	}
	s.clog = clog

	s.snap = snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir)
	maniFS := manifest.NewFilesystemManifest(cfg.SnapshotDir)
	switch cfg.ManifestSink {
	case "kafka":
		s.mani = manifest.NewKafkaManifest(cfg.Bootstrap, cfg.TopicSnapshots, "fraudsvc-manifest-latest")
	case "both":
		s.mani = manifest.MultiPublisher(maniFS, manifest.NewKafkaManifest(cfg.Bootstrap, cfg.TopicSnapshots, "fraudsvc-manifest-latest"))
	default:
		s.mani = maniFS
	}

	return s, nil
}

func openStore(backend string, stateDir string) (state.Store, func() error, error) {
	switch backend {
	case "pebble":
		ps, err := state.NewPebbleStore(stateDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init pebble: %w", err)
		}
		return ps, ps.Close, nil
	case "badger":
		bs, err := state.NewBadgerStore(stateDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init badger: %w", err)
		}
		return bs, bs.Close, nil
	default:
		return state.NewInMemoryStore(), func() error { return nil }, nil
	}
}

// Start builds the topology against the given transport address and state
// directory, launches continuous processing, and blocks until the consumer
// reports its initial partition assignment. Returns ErrStartTimeout if that
// never happens within the start timeout; a cancelled context returns
// ctx.Err() without corrupting state.
func (s *Service) Start(ctx context.Context, bootstrap string, stateDir string) error {
	st, closeStore, err := openStore(s.cfg.StateBackend, stateDir)
	if err != nil {
		return err
	}
	s.store = st
	s.closeStore = closeStore
	s.agg = aggregate.New(st, s.cfg.InactivityGap)
	s.restoreState()

	consumer, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           s.cfg.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		s.Stop()
		return fmt.Errorf("consumer: %w", err)
	}
	s.consumer = consumer
	if err := consumer.SubscribeTopics([]string{s.cfg.TopicOrders}, s.rebalance); err != nil {
		s.Stop()
		return fmt.Errorf("subscribe: %w", err)
	}

	prodCfg := &ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	}
	if s.cfg.TxID != "" {
		_ = prodCfg.SetKey("transactional.id", s.cfg.TxID)
	}
	producer, err := ck.NewProducer(prodCfg)
	if err != nil {
		s.Stop()
		return fmt.Errorf("producer: %w", err)
	}
	s.producer = producer
	if s.cfg.TxID != "" {
		if err := producer.InitTransactions(ctx); err != nil {
			s.Stop()
			return fmt.Errorf("init tx: %w", err)
		}
	}

	s.wg.Add(1)
	go s.run()

	select {
	case <-s.ready:
		s.log.Info("fraud service started",
			zap.String("bootstrap", bootstrap),
			zap.String("stateDir", stateDir),
			zap.Duration("inactivityGap", s.cfg.InactivityGap),
			zap.Float64("fraudLimit", s.cfg.FraudLimit))
		return nil
	case <-time.After(s.cfg.StartTimeout):
		s.Stop()
		return ErrStartTimeout
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}

// restoreState rebuilds the session store from the latest snapshot manifest
// plus the changelog tail. A missing manifest or changelog is a clean start;
// replaying over an already-populated durable store is a no-op thanks to the
// per-customer seq guard. Also recovers the changelog offset so manifests
// written after a restart keep bounding replay length.
func (s *Service) restoreState() {
	var mr manifest.Reader
	if s.cfg.ManifestSink == "kafka" {
		mr = restore.NewKafkaReader(splitBrokers(s.cfg.Bootstrap), s.cfg.TopicSnapshots, "fraudsvc-manifest-latest")
	} else {
		mr = manifest.NewFilesystemManifest(s.cfg.SnapshotDir)
	}
	r := restore.NewRestorer(s.store, s.cfg.InactivityGap, mr, s.cfg.SnapshotDir)

	from := int64(0)
	if m, err := mr.ReadLatest(); err == nil {
		if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
			s.log.Warn("load snapshot", zap.Error(err))
		}
		from = m.LastChangelogOffset
	} else {
		s.log.Info("no recovery manifest, starting clean")
	}

	var res restore.RestoreResult
	if s.cfg.ChangelogSink == "kafka" {
		res = r.ReplayChangelogKafka(splitBrokers(s.cfg.Bootstrap), s.cfg.TopicChangelog, from)
	} else {
		res = r.ReplayChangelog(filepath.Join(s.cfg.ChangelogDir, "fraudsvc.jsonl"), from)
	}
	if res.Error != nil {
		if !errors.Is(res.Error, os.ErrNotExist) {
			s.log.Warn("changelog replay", zap.Error(res.Error))
		}
		return
	}
	s.changelogOffset = res.LastAppliedOffset
	if res.Applied > 0 || res.Skipped > 0 {
		s.met.ReplayApplied.Add(float64(res.Applied))
		s.met.ReplaySkipped.Add(float64(res.Skipped))
		s.log.Info("session state restored",
			zap.Int("applied", res.Applied),
			zap.Int("skipped", res.Skipped),
			zap.Int64("changelogOffset", res.LastAppliedOffset))
	}
}

func splitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// Stop releases transport connections and state handles. Idempotent; safe
// before a completed Start.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.consumer != nil {
			_ = s.consumer.Close()
		}
		if s.producer != nil {
			s.producer.Close()
		}
		if s.closeStore != nil {
			if err := s.closeStore(); err != nil {
				s.log.Warn("close state store", zap.Error(err))
			}
		}
		s.log.Info("fraud service stopped")
	})
}

// Fatal reports unrecoverable processing errors after a successful Start.
func (s *Service) Fatal() <-chan error { return s.fatalCh }

func (s *Service) fail(err error) {
	s.fatalOnce.Do(func() { s.fatalCh <- err })
}

// rebalance signals readiness on the first partition assignment, mirroring a
// REBALANCING -> RUNNING transition.
func (s *Service) rebalance(c *ck.Consumer, ev ck.Event) error {
	switch e := ev.(type) {
	case ck.AssignedPartitions:
		if err := c.Assign(e.Partitions); err != nil {
			return err
		}
		s.readyOnce.Do(func() { close(s.ready) })
	case ck.RevokedPartitions:
		return c.Unassign()
	}
	return nil
}

func (s *Service) run() {
	defer s.wg.Done()

	var snapC, evictC <-chan time.Time
	if s.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(s.cfg.SnapshotInterval)
		defer t.Stop()
		snapC = t.C
	}
	if s.cfg.EvictInterval > 0 {
		t := time.NewTicker(s.cfg.EvictInterval)
		defer t.Stop()
		evictC = t.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-snapC:
			s.writeSnapshot()
			continue
		case <-evictC:
			s.evictExpired()
			continue
		default:
		}

		msg, err := s.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == ck.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					s.log.Error("fatal transport error", zap.Error(kerr))
					s.fail(kerr)
					return
				}
			}
			s.log.Warn("read message", zap.Error(err))
			continue
		}
		if err := s.process(msg); err != nil {
			s.log.Error("fatal processing error", zap.Error(err))
			s.fail(err)
			return
		}
	}
}

// process handles one input record. Returned errors are fatal: a validation
// that cannot be produced or committed must stop the loop rather than be
// dropped behind an advancing offset.
func (s *Service) process(msg *ck.Message) error {
	s.met.OrdersConsumed.Inc()

	var order model.Order
	if err := json.Unmarshal(msg.Value, &order); err != nil {
		// Boundary policy: malformed input is never classified. Skip
		// deterministically, count, and log.
		s.met.MalformedSkipped.Inc()
		s.log.Warn("malformed order skipped", zap.Error(err))
		return nil
	}
	if order.State != model.OrderCreated {
		s.met.OrdersFiltered.Inc()
		return nil
	}

	// Keep the pre-apply session state: if the output write fails before the
	// delta reaches the changelog, the state is rolled back so the
	// redelivered input re-applies and re-emits its validation.
	key := state.CustomerKey(order.CustomerID)
	prev, hadPrev := s.store.Get(key)

	ts := msg.Timestamp.UnixMilli()
	seq := s.agg.NextSeq(order.CustomerID)
	applied, updates, err := s.agg.Apply(order, ts, seq)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if !applied {
		return nil
	}

	validations := s.classifyUpdates(updates)

	transactional := s.cfg.TxID != ""
	if transactional {
		if err := s.producer.BeginTransaction(); err != nil {
			return s.undo(key, prev, hadPrev, fmt.Errorf("begin tx: %w", err))
		}
	}

	for _, v := range validations {
		b, err := json.Marshal(&v)
		if err != nil {
			err = fmt.Errorf("marshal validation %s: %w", v.OrderID, err)
			if transactional {
				err = s.abortTx(err)
			}
			return s.undo(key, prev, hadPrev, err)
		}
		out := &ck.Message{
			TopicPartition: ck.TopicPartition{Topic: &s.cfg.TopicValidations, Partition: ck.PartitionAny},
			Key:            []byte(v.OrderID),
			Value:          b,
		}
		if transactional {
			if err := s.producer.Produce(out, nil); err != nil {
				return s.undo(key, prev, hadPrev, s.abortTx(fmt.Errorf("produce validation %s: %w", v.OrderID, err)))
			}
			continue
		}
		if err := s.deliver(out); err != nil {
			return s.undo(key, prev, hadPrev, fmt.Errorf("produce validation %s: %w", v.OrderID, err))
		}
	}

	if s.clog != nil {
		d := changelog.Delta{Key: key, Seq: seq, Order: order, TS: ts}
		if err := s.clog.Append(d); err != nil {
			err = fmt.Errorf("append changelog: %w", err)
			if transactional {
				err = s.abortTx(err)
			}
			return s.undo(key, prev, hadPrev, err)
		}
		s.changelogOffset++
		s.met.ChangelogAppended.Inc()
	}

	// Past this point the delta is in the changelog, so the session state is
	// left in place on failure: replay reproduces it and the seq guard
	// dedupes the redelivered input.
	if transactional {
		t0 := time.Now()
		meta, err := s.consumer.GetConsumerGroupMetadata()
		if err != nil {
			return s.abortTx(fmt.Errorf("consumer group metadata: %w", err))
		}
		assigned, err := s.consumer.Assignment()
		if err != nil {
			return s.abortTx(fmt.Errorf("assignment: %w", err))
		}
		// The transaction owns the offsets: hand the consumer's positions to
		// the producer instead of committing through the group.
		positions, err := s.consumer.Position(assigned)
		if err != nil {
			return s.abortTx(fmt.Errorf("positions: %w", err))
		}
		if err := s.producer.SendOffsetsToTransaction(context.Background(), positions, meta); err != nil {
			return s.abortTx(fmt.Errorf("send offsets for order %s: %w", order.ID, err))
		}
		if err := s.producer.CommitTransaction(context.Background()); err != nil {
			return s.abortTx(fmt.Errorf("commit tx for order %s: %w", order.ID, err))
		}
		s.met.TxProduced.Inc()
		s.met.TxLatencySec.Observe(time.Since(t0).Seconds())
	} else {
		if _, err := s.consumer.Commit(); err != nil {
			s.log.Warn("commit offsets", zap.Error(err))
		}
	}
	return nil
}

// deliver produces one message and waits for its delivery report, so a
// failed write surfaces before the input's offset is committed.
func (s *Service) deliver(msg *ck.Message) error {
	reports := make(chan ck.Event, 1)
	if err := s.producer.Produce(msg, reports); err != nil {
		return err
	}
	if m, ok := (<-reports).(*ck.Message); ok && m.TopicPartition.Error != nil {
		return m.TopicPartition.Error
	}
	return nil
}

// undo restores the customer's pre-apply session state and returns cause.
func (s *Service) undo(key string, prev state.SessionState, hadPrev bool, cause error) error {
	var err error
	if hadPrev {
		err = s.store.Put(key, prev)
	} else {
		err = s.store.Delete(key)
	}
	if err != nil {
		return fmt.Errorf("%w (session rollback: %v)", cause, err)
	}
	return cause
}

func (s *Service) abortTx(cause error) error {
	_ = s.producer.AbortTransaction(context.Background())
	s.met.TxAborted.Inc()
	return cause
}

// classifyUpdates runs the dewindow/rekey projection and the classifier over
// aggregator emissions. Tombstones are filtered, never classified.
func (s *Service) classifyUpdates(updates []aggregate.Update) []model.OrderValidation {
	var out []model.OrderValidation
	for _, u := range updates {
		_, ov, ok := classify.Dewindow(u)
		if !ok {
			s.met.WindowsMerged.Inc()
			continue
		}
		v := s.classifier.Classify(ov)
		if v.Result == model.Fail {
			s.met.ValidationsFail.Inc()
		} else {
			s.met.ValidationsPass.Inc()
		}
		out = append(out, v)
	}
	return out
}

func (s *Service) evictExpired() {
	tombs, err := s.agg.EvictExpired()
	if err != nil {
		s.log.Warn("evict expired windows", zap.Error(err))
		return
	}
	for range tombs {
		s.met.WindowsEvicted.Inc()
	}
	if len(tombs) > 0 {
		s.log.Debug("evicted expired session windows", zap.Int("count", len(tombs)))
	}
}

func (s *Service) writeSnapshot() {
	id := time.Now().UTC().Format(time.RFC3339)
	if err := s.snap.WriteSnapshot(id, s.store); err != nil {
		s.log.Warn("write snapshot", zap.Error(err))
		return
	}
	if err := s.mani.PublishLatest(id, s.changelogOffset); err != nil {
		s.log.Warn("publish manifest", zap.Error(err))
		return
	}
	s.log.Info("snapshot and manifest published", zap.String("snapshotId", id))
}
