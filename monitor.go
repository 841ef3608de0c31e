/*
Copyright 2025 PurchaseKit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package purchasekit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
	"github.com/purchasekit/purchasekit/payment"
)

var monitorTracer = otel.Tracer("purchasekit.monitor")

// SubscriptionID identifies a subscriber registered with the monitor.
type SubscriptionID int64

// MonitoringStats is a point-in-time snapshot of what the monitor has seen.
// SuccessRate is computed over terminal outcomes only.
type MonitoringStats struct {
	Running        bool      `json:"running"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Observed       int64     `json:"observed"`
	Purchased      int64     `json:"purchased"`
	Restored       int64     `json:"restored"`
	Failed         int64     `json:"failed"`
	Purchasing     int64     `json:"purchasing"`
	Deferred       int64     `json:"deferred"`
	Finished       int64     `json:"finished"`
	FinishFailures int64     `json:"finish_failures"`
	SuccessRate    float64   `json:"success_rate"`
}

// TransactionMonitor observes the payment adapter's transaction queue. Every
// update is recorded in the audit trail, settled with the store when the
// state calls for it, then fanned out to subscribers in adapter order.
type TransactionMonitor struct {
	kit *PurchaseKit

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	stop        chan struct{}
	stopOnce    *sync.Once
	wg          sync.WaitGroup
	nextSub     SubscriptionID
	subscribers map[SubscriptionID]payment.TransactionUpdateHandler
	stats       MonitoringStats
}

// NewTransactionMonitor creates a monitor bound to the given instance. The
// monitor stays idle until StartMonitoring is called.
func NewTransactionMonitor(kit *PurchaseKit) *TransactionMonitor {
	return &TransactionMonitor{
		kit:         kit,
		subscribers: make(map[SubscriptionID]payment.TransactionUpdateHandler),
	}
}

// StartMonitoring registers the update handler with the payment adapter and
// starts its transaction observer. When auto-recovery is enabled, the store's
// pending queue is drained once on a background goroutine so transactions
// left over from a previous run get settled without waiting for live updates.
// Starting an already running monitor is a no-op.
func (m *TransactionMonitor) StartMonitoring(ctx context.Context) error {
	ctx, span := monitorTracer.Start(ctx, "StartMonitoring")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.startedAt = time.Now()
	m.stop = make(chan struct{})
	m.stopOnce = new(sync.Once)
	stop := m.stop
	m.mu.Unlock()

	m.kit.adapter.SetTransactionUpdateHandler(m.handleTransactionUpdate)
	if err := m.kit.adapter.StartTransactionObserver(ctx); err != nil {
		span.RecordError(err)
		m.kit.adapter.SetTransactionUpdateHandler(nil)
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	if conf.Recovery.AutoRecoverEnabled() {
		m.wg.Add(1)
		go m.drainPendingTransactions(ctx, stop)
	}

	logrus.Info("transaction monitoring started")
	return nil
}

// StopMonitoring deregisters the adapter callback, stops the observer and
// abandons any in-flight drain of the pending queue. Subscribers stay
// registered so a later StartMonitoring resumes delivering to them. Stopping
// an idle monitor is a no-op.
func (m *TransactionMonitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.stop
	stopOnce := m.stopOnce
	m.mu.Unlock()

	stopOnce.Do(func() {
		close(stop)
	})
	m.kit.adapter.SetTransactionUpdateHandler(nil)
	if err := m.kit.adapter.StopTransactionObserver(context.Background()); err != nil {
		logrus.Warnf("error stopping transaction observer: %v", err)
	}
	m.wg.Wait()
	logrus.Info("transaction monitoring stopped")
}

// Subscribe registers a callback that will see every transaction the monitor
// observes, in the order the adapter emits them.
func (m *TransactionMonitor) Subscribe(handler payment.TransactionUpdateHandler) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.subscribers[m.nextSub] = handler
	return m.nextSub
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (m *TransactionMonitor) Unsubscribe(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, id)
}

// Stats returns a snapshot of the monitor's counters.
func (m *TransactionMonitor) Stats() MonitoringStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.stats
	snapshot.Running = m.running
	snapshot.StartedAt = m.startedAt
	terminal := snapshot.Purchased + snapshot.Restored + snapshot.Failed
	if terminal > 0 {
		snapshot.SuccessRate = float64(snapshot.Purchased+snapshot.Restored) / float64(terminal)
	}
	return snapshot
}

// ResetStats zeroes the counters without touching the monitoring state or
// the subscriber registry.
func (m *TransactionMonitor) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = MonitoringStats{}
}

// drainPendingTransactions feeds the store's pending queue through the same
// handler live updates go through. Stopping the monitor abandons the drain
// between transactions rather than racing a late update into a torn-down
// monitor.
func (m *TransactionMonitor) drainPendingTransactions(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	pending, err := m.kit.adapter.GetPendingTransactions(ctx)
	if err != nil {
		logrus.Warnf("could not drain pending transactions: %v", err)
		return
	}

	for _, txn := range pending {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		m.handleTransactionUpdate(txn)
	}
}

// handleTransactionUpdate is the single entry point for every transaction the
// adapter reports, live or drained. It records the transaction, settles it
// when its state calls for it, bumps the counters and fans the update out.
func (m *TransactionMonitor) handleTransactionUpdate(txn *model.Transaction) {
	if txn == nil {
		return
	}
	ctx := context.Background()

	autoFinish := false
	if conf, err := config.Fetch(); err == nil {
		autoFinish = conf.Purchase.AutoFinish()
	}

	if _, err := m.kit.datasource.RecordTransaction(ctx, txn); err != nil {
		logrus.Warnf("could not record transaction %s: %v", txn.TransactionID, err)
	}

	if txn.IsTerminal() {
		// A purchase that went pending keeps its product marked active
		// until the store reports a terminal state.
		m.kit.clearActivePurchase(txn.ProductID)
	}

	switch txn.State {
	case model.StatePurchased, model.StateRestored:
		if autoFinish {
			if err := m.settleTransaction(ctx, txn); err != nil {
				m.mu.Lock()
				m.stats.FinishFailures++
				m.mu.Unlock()
				logrus.Warnf("failed to finish transaction %s: %v", txn.TransactionID, err)
				if qErr := m.kit.queue.queueFinishRetry(txn.TransactionID, txn.ProductID, apierror.SuggestedDelay(err)); qErr != nil {
					logrus.Error("failed to queue finish retry: ", qErr)
				}
			}
		}
	case model.StateFailed:
		logrus.Warnf("transaction %s for product %s failed: %s", txn.TransactionID, txn.ProductID, txn.FailureReason)
		if err := m.settleTransaction(ctx, txn); err != nil {
			// The store usually drops failed transactions on its own.
			logrus.Debugf("could not finish failed transaction %s: %v", txn.TransactionID, err)
		}
	case model.StatePurchasing, model.StateDeferred:
		// Record-only states. Deferred transactions wait for approval and
		// must never be auto-finished.
	}

	if err := m.kit.queue.queueIndexData(txn.TransactionID, "transactions", txn.ToSearchDocument()); err != nil {
		logrus.Error("failed to queue transaction for indexing: ", err)
	}

	m.mu.Lock()
	m.stats.Observed++
	switch txn.State {
	case model.StatePurchased:
		m.stats.Purchased++
	case model.StateRestored:
		m.stats.Restored++
	case model.StateFailed:
		m.stats.Failed++
	case model.StatePurchasing:
		m.stats.Purchasing++
	case model.StateDeferred:
		m.stats.Deferred++
	}
	m.mu.Unlock()

	m.broadcast(txn)
}

// settleTransaction finishes a transaction through the shared settle path
// and counts the finish when this call actually performed one.
func (m *TransactionMonitor) settleTransaction(ctx context.Context, txn *model.Transaction) error {
	newlyFinished, err := m.kit.finishAndRecord(ctx, txn)
	if err != nil {
		return err
	}
	if newlyFinished {
		m.mu.Lock()
		m.stats.Finished++
		m.mu.Unlock()
	}
	return nil
}

// broadcast invokes every subscriber with the transaction. The registry is
// snapshotted under the lock and handlers run outside it, in subscription
// order, so delivery stays lossless and ordered even when a handler
// subscribes or unsubscribes reentrantly.
func (m *TransactionMonitor) broadcast(txn *model.Transaction) {
	m.mu.Lock()
	ids := make([]SubscriptionID, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]payment.TransactionUpdateHandler, len(ids))
	for i, id := range ids {
		handlers[i] = m.subscribers[id]
	}
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(txn)
	}
}
