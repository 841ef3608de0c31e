package model

import "time"

const (
	ValidationSourceLocal  = "local"
	ValidationSourceRemote = "remote"
	ValidationSourceCache  = "cache"
)

// ValidationResult is the outcome of validating a single receipt.
type ValidationResult struct {
	Valid                 bool       `json:"valid"`
	ProductID             string     `json:"product_id"`
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id,omitempty"`
	Environment           string     `json:"environment,omitempty"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	IsRenewable           bool       `json:"is_renewable"`
	Source                string     `json:"source"`
	FailureCode           string     `json:"failure_code,omitempty"`
	FailureMessage        string     `json:"failure_message,omitempty"`
	ValidatedAt           time.Time  `json:"validated_at"`
}
