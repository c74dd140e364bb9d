package classify

import (
	"fraudstream/internal/aggregate"
	"fraudstream/internal/model"
)

// Dewindow drops window tombstones and rekeys the update by order id.
// Stateless projection; ok is false for tombstones, which must never be
// classified.
func Dewindow(u aggregate.Update) (orderID string, ov model.OrderValue, ok bool) {
	if u.Tombstone() {
		return "", model.OrderValue{}, false
	}
	return u.Value.Order.ID, *u.Value, true
}

// Classifier routes session totals against a fixed fraud limit.
type Classifier struct {
	Limit float64
}

// Classify maps one rekeyed aggregate to its validation. A session total at
// or above the limit fails, so a total exactly at the limit fails.
func (c Classifier) Classify(ov model.OrderValue) model.OrderValidation {
	result := model.Pass
	if ov.Value >= c.Limit {
		result = model.Fail
	}
	return model.OrderValidation{
		OrderID: ov.Order.ID,
		Type:    model.FraudCheck,
		Result:  result,
	}
}
