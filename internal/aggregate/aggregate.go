package aggregate

import (
	"fmt"
	"time"

	"fraudstream/internal/model"
	"fraudstream/internal/state"
	"fraudstream/internal/window"
)

// Update is one aggregator emission. Value is nil for a window tombstone
// (merged-away or expired window); downstream must filter those out.
type Update struct {
	CustomerID int64
	Window     window.Span
	Value      *model.OrderValue
}

// Tombstone reports whether the update carries no aggregate.
func (u Update) Tombstone() bool { return u.Value == nil }

// Aggregator maintains per-customer session windows over a durable store.
// It is single-writer: the consumer loop owns it, so no locking here.
type Aggregator struct {
	store      state.Store
	gapMs      int64
	streamTime int64
}

func New(store state.Store, gap time.Duration) *Aggregator {
	return &Aggregator{store: store, gapMs: gap.Milliseconds()}
}

// StreamTime returns the highest event time observed so far (epoch millis).
func (a *Aggregator) StreamTime() int64 { return a.streamTime }

// NextSeq returns the next input sequence number for the order's customer.
func (a *Aggregator) NextSeq(customerID int64) int64 {
	st, _ := a.store.Get(state.CustomerKey(customerID))
	return st.LastSeq + 1
}

// Apply folds one CREATED order (at event time ts) into the customer's
// session state. A seq at or below the customer's last applied seq is a
// replayed input and applies nothing, so reprocessing never double-counts.
// On success the returned updates hold a tombstone per merged-away window
// followed by exactly one live update carrying the new session aggregate.
func (a *Aggregator) Apply(order model.Order, ts int64, seq int64) (applied bool, updates []Update, err error) {
	key := state.CustomerKey(order.CustomerID)
	st, _ := a.store.Get(key)
	if seq <= st.LastSeq {
		return false, nil, nil
	}
	if ts > a.streamTime {
		a.streamTime = ts
	}

	open, absorbed, live := window.Merge(st.Windows, order, ts, a.gapMs)
	st.Windows = open
	st.LastSeq = seq
	if err := a.store.Put(key, st); err != nil {
		return false, nil, fmt.Errorf("put session state: %w", err)
	}

	for _, sp := range absorbed {
		updates = append(updates, Update{CustomerID: order.CustomerID, Window: sp})
	}
	agg := live.Agg
	updates = append(updates, Update{CustomerID: order.CustomerID, Window: live.Span(), Value: &agg})
	return true, updates, nil
}

// EvictExpired sweeps the store and drops windows whose trailing inactivity
// gap has fully elapsed, returning one tombstone per evicted window. The
// customer's LastSeq is kept so replayed inputs stay idempotent.
func (a *Aggregator) EvictExpired() ([]Update, error) {
	type pending struct {
		key     string
		st      state.SessionState
		expired []window.Window
	}
	var work []pending
	err := a.store.Range(func(key string, st state.SessionState) error {
		kept, expired := window.Expire(st.Windows, a.streamTime, a.gapMs)
		if len(expired) == 0 {
			return nil
		}
		st.Windows = kept
		work = append(work, pending{key: key, st: st, expired: expired})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	var updates []Update
	for _, p := range work {
		customerID, err := state.ParseCustomerKey(p.key)
		if err != nil {
			return updates, err
		}
		if err := a.store.Put(p.key, p.st); err != nil {
			return updates, fmt.Errorf("put session state: %w", err)
		}
		for _, w := range p.expired {
			updates = append(updates, Update{CustomerID: customerID, Window: w.Span()})
		}
	}
	return updates, nil
}
