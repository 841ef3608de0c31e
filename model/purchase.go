package model

import "sync"

const (
	OutcomeSuccess       = "success"
	OutcomePending       = "pending"
	OutcomeCancelled     = "cancelled"
	OutcomeUserCancelled = "user_cancelled"
)

// PurchaseOptions carries optional parameters for a purchase call.
type PurchaseOptions struct {
	Quantity          int                    `json:"quantity,omitempty"`
	AppAccountToken   string                 `json:"app_account_token,omitempty"`
	SimulatesAskToBuy bool                   `json:"simulates_ask_to_buy,omitempty"`
	MetaData          map[string]interface{} `json:"meta_data,omitempty"`
}

// PurchaseResult is what a purchase or restore hands back to the caller.
// User cancellation is an outcome here, never an error.
type PurchaseResult struct {
	Outcome     string            `json:"outcome"`
	Transaction *Transaction      `json:"transaction,omitempty"`
	Order       *Order            `json:"order,omitempty"`
	Validation  *ValidationResult `json:"validation,omitempty"`
}

// PurchaseStats are running counters of purchase and restore outcomes.
type PurchaseStats struct {
	Started        int64 `json:"started"`
	Succeeded      int64 `json:"succeeded"`
	Pending        int64 `json:"pending"`
	Cancelled      int64 `json:"cancelled"`
	Failed         int64 `json:"failed"`
	Restored       int64 `json:"restored"`
	RestoreDropped int64 `json:"restore_dropped"`
}

// PurchaseTracker guards the set of products with a purchase in flight and
// accumulates outcome counters.
type PurchaseTracker struct {
	Active map[string]bool
	Stats  PurchaseStats
	Mutex  sync.Mutex
}
