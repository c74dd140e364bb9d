package model

// OrderState is the lifecycle state carried on incoming orders. Only CREATED
// orders enter the fraud pipeline.
type OrderState string

const (
	OrderCreated   OrderState = "CREATED"
	OrderValidated OrderState = "VALIDATED"
	OrderFailed    OrderState = "FAILED"
	OrderShipped   OrderState = "SHIPPED"
)

// Order is the immutable input record on the orders topic.
type Order struct {
	ID         string     `json:"id"`
	CustomerID int64      `json:"customerId"`
	State      OrderState `json:"state"`
	Quantity   int64      `json:"quantity"`
	Price      float64    `json:"price"`
}

// Value returns the monetary value of the order.
func (o Order) Value() float64 {
	return float64(o.Quantity) * o.Price
}

// OrderValue is the running session aggregate for a customer: the most recent
// order folded in, plus the cumulative value of the session so far.
type OrderValue struct {
	Order Order   `json:"order"`
	Value float64 `json:"value"`
}

type ValidationType string

const FraudCheck ValidationType = "FRAUD_CHECK"

type ValidationResult string

const (
	Pass ValidationResult = "PASS"
	Fail ValidationResult = "FAIL"
)

// OrderValidation is the output record on the order-validations topic.
type OrderValidation struct {
	OrderID string           `json:"orderId"`
	Type    ValidationType   `json:"type"`
	Result  ValidationResult `json:"result"`
}
