package payment

import (
	"context"
	"sync"
	"time"

	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
)

// Scripted purchase outcomes for the sandbox store.
const (
	ScriptSuccess       = "success"
	ScriptDeferred      = "deferred"
	ScriptUserCancel    = "user_cancel"
	ScriptFail          = "fail"
	ScriptFailRetryable = "fail_retryable"
)

// CallCounts tracks how often each adapter operation was invoked.
type CallCounts struct {
	LoadProducts   int `json:"load_products"`
	Purchases      int `json:"purchases"`
	Restores       int `json:"restores"`
	Finishes       int `json:"finishes"`
	ObserverStarts int `json:"observer_starts"`
}

// SandboxAdapter is an in-memory store used by tests and local development.
// Product catalog, purchase outcomes and the pending queue are all
// configurable, and every operation is safe for concurrent use.
type SandboxAdapter struct {
	mu       sync.Mutex
	bundleID string
	version  string

	catalog    map[string]model.Product
	scripts    map[string]string
	pending    []*model.Transaction
	restorable []*model.Transaction
	finished   map[string]bool

	handler   TransactionUpdateHandler
	observing bool
	payments  bool

	loadErr     error
	purchaseErr error
	restoreErr  error
	finishErr   error

	counts CallCounts
}

// NewSandboxAdapter creates a sandbox store for the given app bundle.
// Payments are enabled and every product purchases successfully until
// scripted otherwise.
func NewSandboxAdapter(bundleID string) *SandboxAdapter {
	return &SandboxAdapter{
		bundleID: bundleID,
		version:  "1.0.0",
		catalog:  make(map[string]model.Product),
		scripts:  make(map[string]string),
		finished: make(map[string]bool),
		payments: true,
	}
}

// SeedCatalog registers products in the sandbox catalog.
func (s *SandboxAdapter) SeedCatalog(products ...model.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		s.catalog[p.ID] = p
	}
}

// ScriptOutcome fixes the purchase outcome for a product id. Products
// without a script purchase successfully.
func (s *SandboxAdapter) ScriptOutcome(productID, script string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[productID] = script
}

// AddRestorableTransaction seeds a transaction returned by RestorePurchases.
func (s *SandboxAdapter) AddRestorableTransaction(txn *model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restorable = append(s.restorable, txn)
}

// SetCanMakePayments toggles whether the sandbox user may pay.
func (s *SandboxAdapter) SetCanMakePayments(allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = allowed
}

// SetAppVersion sets the app version stamped into generated receipts.
func (s *SandboxAdapter) SetAppVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
}

// Error injection for store outages. A nil error clears the injection.

func (s *SandboxAdapter) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

func (s *SandboxAdapter) SetPurchaseError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchaseErr = err
}

func (s *SandboxAdapter) SetRestoreError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreErr = err
}

func (s *SandboxAdapter) SetFinishError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishErr = err
}

// LoadProducts returns catalog entries for the given ids, preserving the
// input order and dropping unknown ids.
func (s *SandboxAdapter) LoadProducts(ctx context.Context, ids []string) ([]model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.LoadProducts++

	if s.loadErr != nil {
		return nil, s.loadErr
	}

	products := make([]model.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.catalog[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

// Purchase runs the scripted payment flow for a product. Successful and
// deferred transactions enter the pending queue until finished.
func (s *SandboxAdapter) Purchase(ctx context.Context, productID string, opts model.PurchaseOptions) (*model.Transaction, error) {
	s.mu.Lock()
	s.counts.Purchases++

	if s.purchaseErr != nil {
		err := s.purchaseErr
		s.mu.Unlock()
		return nil, err
	}
	if !s.payments {
		s.mu.Unlock()
		return nil, apierror.NewAPIError(apierror.ErrPermissionDenied, "payments are disabled for this user", nil)
	}

	product, ok := s.catalog[productID]
	if !ok {
		s.mu.Unlock()
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "product not found: "+productID, nil)
	}

	script := s.scripts[productID]
	if script == ScriptUserCancel {
		s.mu.Unlock()
		return nil, apierror.NewAPIError(apierror.ErrUserCancelled, "user cancelled the purchase", nil)
	}

	quantity := opts.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	txn := &model.Transaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		ProductID:     product.ID,
		Quantity:      quantity,
		Timestamp:     time.Now(),
		MetaData:      opts.MetaData,
	}

	switch {
	case script == ScriptFail:
		txn.State = model.StateFailed
		txn.FailureReason = "payment declined"
		txn.Retryable = false
	case script == ScriptFailRetryable:
		txn.State = model.StateFailed
		txn.FailureReason = "payment provider unavailable"
		txn.Retryable = true
	case script == ScriptDeferred || opts.SimulatesAskToBuy:
		txn.State = model.StateDeferred
		s.pending = append(s.pending, txn)
	default:
		txn.State = model.StatePurchased
		txn.Receipt = s.receiptFor(txn)
		s.pending = append(s.pending, txn)
	}

	handler := s.deliverableHandler()
	s.mu.Unlock()

	if handler != nil {
		handler(copyTransaction(txn))
	}
	return txn, nil
}

// RestorePurchases replays the seeded restorable transactions.
func (s *SandboxAdapter) RestorePurchases(ctx context.Context) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Restores++

	if s.restoreErr != nil {
		return nil, s.restoreErr
	}

	restored := make([]*model.Transaction, 0, len(s.restorable))
	for _, txn := range s.restorable {
		restored = append(restored, copyTransaction(txn))
	}
	return restored, nil
}

// StartTransactionObserver begins pushing updates to the registered handler.
func (s *SandboxAdapter) StartTransactionObserver(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.ObserverStarts++
	s.observing = true
	return nil
}

// StopTransactionObserver halts update delivery. Safe to call repeatedly.
func (s *SandboxAdapter) StopTransactionObserver(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observing = false
	return nil
}

// SetTransactionUpdateHandler registers the observer callback.
func (s *SandboxAdapter) SetTransactionUpdateHandler(handler TransactionUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// GetPendingTransactions returns the unfinished transactions in the store
// queue.
func (s *SandboxAdapter) GetPendingTransactions(ctx context.Context) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*model.Transaction, 0, len(s.pending))
	for _, txn := range s.pending {
		pending = append(pending, copyTransaction(txn))
	}
	return pending, nil
}

// FinishTransaction removes a transaction from the store queue. Unknown or
// already finished ids are no-ops.
func (s *SandboxAdapter) FinishTransaction(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.Finishes++

	if s.finishErr != nil {
		return s.finishErr
	}
	if s.finished[transactionID] {
		return nil
	}

	for i, txn := range s.pending {
		if txn.TransactionID == transactionID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.finished[transactionID] = true
	return nil
}

// CanMakePayments reports whether purchases are currently allowed.
func (s *SandboxAdapter) CanMakePayments(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments
}

// EmitTransactionUpdate injects a transaction update as if the store pushed
// it. Unfinished transactions join the pending queue.
func (s *SandboxAdapter) EmitTransactionUpdate(txn *model.Transaction) {
	s.mu.Lock()
	if !s.finished[txn.TransactionID] {
		s.pending = append(s.pending, txn)
	}
	handler := s.deliverableHandler()
	s.mu.Unlock()

	if handler != nil {
		handler(copyTransaction(txn))
	}
}

// WasFinished reports whether FinishTransaction settled the given id.
func (s *SandboxAdapter) WasFinished(transactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[transactionID]
}

// Counts returns a snapshot of the per-operation call counters.
func (s *SandboxAdapter) Counts() CallCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// deliverableHandler returns the handler when the observer is running.
// Callers must hold s.mu and invoke the handler only after releasing it.
func (s *SandboxAdapter) deliverableHandler() TransactionUpdateHandler {
	if s.observing && s.handler != nil {
		return s.handler
	}
	return nil
}

func (s *SandboxAdapter) receiptFor(txn *model.Transaction) *model.Receipt {
	payload := model.EncodeReceiptPayload(map[string]interface{}{
		"bundle_id":      s.bundleID,
		"app_version":    s.version,
		"product_id":     txn.ProductID,
		"transaction_id": txn.TransactionID,
	})
	return &model.Receipt{
		ProductID:     txn.ProductID,
		TransactionID: txn.TransactionID,
		Payload:       payload,
		Timestamp:     txn.Timestamp,
		Environment:   model.EnvironmentSandbox,
	}
}

func copyTransaction(txn *model.Transaction) *model.Transaction {
	if txn == nil {
		return nil
	}
	clone := *txn
	if txn.Receipt != nil {
		receipt := *txn.Receipt
		clone.Receipt = &receipt
	}
	return &clone
}
