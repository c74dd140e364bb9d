package window

import (
	"sort"

	"fraudstream/internal/model"
)

// Span identifies a session window by its event-time bounds (epoch millis,
// inclusive on both ends).
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Window is one open session for a customer.
type Window struct {
	Start int64            `json:"start"`
	End   int64            `json:"end"`
	Agg   model.OrderValue `json:"agg"`
}

func (w Window) Span() Span { return Span{Start: w.Start, End: w.End} }

// touches reports whether the window and the candidate are within gapMs of
// each other, i.e. they belong to the same session.
func (w Window) touches(c Window, gapMs int64) bool {
	return w.Start-gapMs <= c.End && c.Start <= w.End+gapMs
}

// mergeAgg combines two session aggregates: the newer order wins, values sum.
// Null-safe on the older side, mirroring an empty initializer.
func mergeAgg(a *model.OrderValue, b model.OrderValue) model.OrderValue {
	var av float64
	if a != nil {
		av = a.Value
	}
	return model.OrderValue{Order: b.Order, Value: av + b.Value}
}

// Merge folds one order (at event time ts) into a customer's open windows.
// The order seeds a candidate window of its own value; any existing window
// within gapMs of the candidate is absorbed into it, widening the bounds and
// summing the aggregates. Returns the surviving windows sorted by start, the
// spans of absorbed windows, and the window the order ended up in.
func Merge(open []Window, order model.Order, ts int64, gapMs int64) (out []Window, absorbed []Span, live Window) {
	cand := Window{
		Start: ts,
		End:   ts,
		Agg:   model.OrderValue{Order: order, Value: order.Value()},
	}
	out = make([]Window, 0, len(open)+1)
	for _, w := range open {
		if !w.touches(cand, gapMs) {
			out = append(out, w)
			continue
		}
		absorbed = append(absorbed, w.Span())
		if w.Start < cand.Start {
			cand.Start = w.Start
		}
		if w.End > cand.End {
			cand.End = w.End
		}
		cand.Agg = mergeAgg(&w.Agg, cand.Agg)
	}
	out = append(out, cand)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, absorbed, cand
}

// Expire splits windows into kept and expired given the current stream time.
// A window expires once its trailing inactivity gap has fully elapsed.
func Expire(open []Window, streamTime int64, gapMs int64) (kept []Window, expired []Window) {
	for _, w := range open {
		if w.End+gapMs < streamTime {
			expired = append(expired, w)
		} else {
			kept = append(kept, w)
		}
	}
	return kept, expired
}
