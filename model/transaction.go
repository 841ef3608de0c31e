package model

import "time"

const (
	StatePurchasing = "purchasing"
	StatePurchased  = "purchased"
	StateFailed     = "failed"
	StateRestored   = "restored"
	StateDeferred   = "deferred"
)

// Transaction is a store transaction observed through the payment adapter.
type Transaction struct {
	TransactionID         string                 `json:"transaction_id"`
	OriginalTransactionID string                 `json:"original_transaction_id,omitempty"`
	ProductID             string                 `json:"product_id"`
	State                 string                 `json:"state"`
	Quantity              int                    `json:"quantity"`
	Timestamp             time.Time              `json:"timestamp"`
	Receipt               *Receipt               `json:"receipt,omitempty"`
	FailureReason         string                 `json:"failure_reason,omitempty"`
	Retryable             bool                   `json:"retryable"`
	MetaData              map[string]interface{} `json:"meta_data,omitempty"`
}

// StatePriority ranks transaction states for recovery ordering. Lower is
// more urgent: completed purchases are settled before anything still moving,
// and non-retryable failures go last.
func (t *Transaction) StatePriority() int {
	switch t.State {
	case StatePurchased, StateRestored:
		return 0
	case StatePurchasing:
		return 1
	case StateDeferred:
		return 2
	case StateFailed:
		if t.Retryable {
			return 3
		}
		return 4
	default:
		return 5
	}
}

// IsTerminal reports whether the transaction has reached a settled state.
func (t *Transaction) IsTerminal() bool {
	return t.State == StatePurchased || t.State == StateRestored || t.State == StateFailed
}

// ReceiptHash returns the content hash of the attached receipt, or empty
// when the store did not attach one.
func (t *Transaction) ReceiptHash() string {
	if t.Receipt == nil {
		return ""
	}
	return t.Receipt.Hash()
}

// ToSearchDocument flattens the transaction for indexing.
func (t *Transaction) ToSearchDocument() map[string]interface{} {
	return map[string]interface{}{
		"id":             t.TransactionID,
		"transaction_id": t.TransactionID,
		"product_id":     t.ProductID,
		"state":          t.State,
		"quantity":       t.Quantity,
		"timestamp":      t.Timestamp.Unix(),
		"failure_reason": t.FailureReason,
		"retryable":      t.Retryable,
	}
}
