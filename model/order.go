package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusCreated   = "created"
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusFailed    = "failed"
	OrderStatusExpired   = "expired"
)

// Order is the locally persisted record of a purchase intent. Orders let
// recovery re-associate store transactions with what the application was
// actually trying to buy.
type Order struct {
	ID            int64                  `json:"-"`
	OrderID       string                 `json:"order_id"`
	ProductID     string                 `json:"product_id"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency"`
	Status        string                 `json:"status"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

var orderTransitions = map[string][]string{
	OrderStatusCreated: {OrderStatusPending, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPending: {OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled, OrderStatusExpired},
}

// CanTransitionTo reports whether moving the order to the given status is a
// legal state transition. Terminal statuses allow nothing.
func (o *Order) CanTransitionTo(status string) bool {
	for _, next := range orderTransitions[o.Status] {
		if next == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the order can no longer change status.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusFailed, OrderStatusExpired:
		return true
	}
	return false
}

// IsExpired reports whether the order's expiry deadline has passed while the
// order was still open.
func (o *Order) IsExpired(now time.Time) bool {
	if o.IsTerminal() {
		return false
	}
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// StatusRank orders open statuses ahead of terminal ones for recovery.
// Pending beats created because a pending order already has a store call
// behind it.
func (o *Order) StatusRank() int {
	switch o.Status {
	case OrderStatusPending:
		return 0
	case OrderStatusCreated:
		return 1
	default:
		return 2
	}
}

// ToSearchDocument flattens the order for indexing.
func (o *Order) ToSearchDocument() map[string]interface{} {
	doc := map[string]interface{}{
		"id":             o.OrderID,
		"order_id":       o.OrderID,
		"product_id":     o.ProductID,
		"amount":         o.Amount.InexactFloat64(),
		"currency":       o.Currency,
		"status":         o.Status,
		"transaction_id": o.TransactionID,
		"created_at":     o.CreatedAt.Unix(),
		"expires_at":     o.ExpiresAt.Unix(),
	}
	if o.CompletedAt != nil {
		doc["completed_at"] = o.CompletedAt.Unix()
	}
	return doc
}
