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
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
	redlock "github.com/purchasekit/purchasekit/internal/lock"
	"github.com/purchasekit/purchasekit/internal/notification"
	"github.com/purchasekit/purchasekit/model"
)

const (
	RecoveryStatusStarted           = "started"             // Indicates the pass has started.
	RecoveryStatusCompleted         = "completed"           // Indicates the pass finished and every candidate was visited.
	RecoveryStatusFailed            = "failed"              // Indicates the pass aborted before visiting every candidate.
	RecoveryStatusAlreadyInProgress = "already_in_progress" // Indicates another pass was already running.
)

const (
	recoveryLockKey = "purchasekit:recovery:lock"
	recoveryFlagKey = "purchasekit:recovery:in_progress"
)

// RecoveryStats aggregates recovery activity across runs. It is queryable
// while idle or mid-pass.
type RecoveryStats struct {
	InProgress     bool                  `json:"in_progress"`
	Runs           int64                 `json:"runs"`
	TotalRecovered int64                 `json:"total_recovered"`
	TotalFailed    int64                 `json:"total_failed"`
	LastResult     *model.RecoveryResult `json:"last_result,omitempty"`
}

// RecoveryManager reconciles the store's pending transaction queue with the
// locally persisted orders. A pass pairs transactions to the orders that
// likely produced them, settles what it can and runs to completion over all
// candidates; single-item failures are counted, never fatal.
type RecoveryManager struct {
	kit *PurchaseKit

	mu             sync.Mutex
	running        bool
	activeID       string
	runs           int64
	totalRecovered int64
	totalFailed    int64
	lastResult     *model.RecoveryResult
}

// NewRecoveryManager creates a recovery manager bound to the given instance.
func NewRecoveryManager(kit *PurchaseKit) *RecoveryManager {
	return &RecoveryManager{kit: kit}
}

// RecoverTransactions starts a recovery pass in the background and returns
// immediately with the pass's identity. The completion callback, when given,
// is invoked exactly once when the pass ends. Calling again while a pass is
// running, here or on another instance holding the shared lock, returns an
// already-in-progress result without restarting work; the rejected call's
// completion callback is never invoked.
func (rm *RecoveryManager) RecoverTransactions(ctx context.Context, completion func(*model.RecoveryResult, error)) (*model.RecoveryResult, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	if rm.running {
		activeID := rm.activeID
		rm.mu.Unlock()
		return &model.RecoveryResult{RecoveryID: activeID, Status: RecoveryStatusAlreadyInProgress}, nil
	}
	// Claim the slot before going to Redis so a concurrent local call cannot
	// slip in between.
	rm.running = true
	rm.mu.Unlock()

	locker := redlock.NewLocker(rm.kit.redis, recoveryLockKey, model.GenerateUUIDWithSuffix("loc"))
	if err := locker.Lock(ctx, conf.Recovery.LockDuration()); err != nil {
		rm.mu.Lock()
		rm.running = false
		rm.mu.Unlock()
		logrus.Infof("recovery already running elsewhere: %v", err)
		return &model.RecoveryResult{Status: RecoveryStatusAlreadyInProgress}, nil
	}

	recoveryID := model.GenerateUUIDWithSuffix("recovery")
	result := &model.RecoveryResult{
		RecoveryID: recoveryID,
		Status:     RecoveryStatusStarted,
		StartedAt:  time.Now(),
	}

	rm.mu.Lock()
	rm.activeID = recoveryID
	rm.runs++
	rm.mu.Unlock()

	if err := rm.kit.redis.Set(ctx, recoveryFlagKey, recoveryID, conf.Recovery.LockDuration()).Err(); err != nil {
		logrus.Warnf("could not publish recovery flag: %v", err)
	}

	go func() {
		err := SendWebhook(NewWebhook{
			Event:   EventRecoveryStarted,
			Payload: map[string]interface{}{"recovery_id": recoveryID},
		})
		if err != nil {
			logrus.Error("failed to send webhook: ", err)
		}
	}()

	// Detach the context so the pass outlives the caller; recovery has no
	// wall-clock deadline and runs until every candidate is processed.
	ctxWithTrace := trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx))
	go rm.runRecovery(ctxWithTrace, conf, locker, result, completion)

	return result, nil
}

// Stats returns a snapshot of recovery activity across runs.
func (rm *RecoveryManager) Stats() RecoveryStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return RecoveryStats{
		InProgress:     rm.running,
		Runs:           rm.runs,
		TotalRecovered: rm.totalRecovered,
		TotalFailed:    rm.totalFailed,
		LastResult:     rm.lastResult,
	}
}

func (rm *RecoveryManager) runRecovery(ctx context.Context, conf *config.Configuration, locker *redlock.Locker, result *model.RecoveryResult, completion func(*model.RecoveryResult, error)) {
	ctx, span := otel.Tracer("purchasekit.recovery").Start(ctx, "RecoverTransactions")
	defer span.End()

	runErr := rm.reconcile(ctx, conf, result)

	completedAt := time.Now()
	result.CompletedAt = &completedAt
	result.Duration = completedAt.Sub(result.StartedAt).Seconds()
	if runErr != nil {
		span.RecordError(runErr)
		result.Status = RecoveryStatusFailed
		log.Printf("Error in recovery pass %s: %v", result.RecoveryID, runErr)
	} else {
		result.Status = RecoveryStatusCompleted
	}

	rm.finalizeRecovery(ctx, locker, result)

	if completion != nil {
		completion(result, runErr)
	}
}

// finalizeRecovery flips the manager back to idle, publishes the in-progress
// flag as cleared and releases the shared lock before any callback runs.
func (rm *RecoveryManager) finalizeRecovery(ctx context.Context, locker *redlock.Locker, result *model.RecoveryResult) {
	rm.mu.Lock()
	rm.running = false
	rm.activeID = ""
	rm.lastResult = result
	rm.totalRecovered += int64(result.RecoveredCount)
	rm.totalFailed += int64(result.FailedCount)
	rm.mu.Unlock()

	if err := rm.kit.redis.Del(ctx, recoveryFlagKey).Err(); err != nil {
		logrus.Warnf("could not clear recovery flag: %v", err)
	}
	if err := locker.Unlock(ctx); err != nil {
		logrus.Warnf("could not release recovery lock: %v", err)
	}

	rm.postRecoveryActions(ctx, result)

	log.Printf("Recovery %s %s. Recovered: %d, Failed: %d, In flight: %d",
		result.RecoveryID, result.Status, result.RecoveredCount, result.FailedCount, result.InFlightCount)
}

func (rm *RecoveryManager) postRecoveryActions(_ context.Context, result *model.RecoveryResult) {
	go func() {
		// Queue the recovery result for indexing.
		err := rm.kit.queue.queueIndexData(result.RecoveryID, "recoveries", result.ToSearchDocument())
		if err != nil {
			notification.NotifyError(err)
		}
		err = SendWebhook(NewWebhook{
			Event:   EventRecoveryCompleted,
			Payload: result,
		})
		if err != nil {
			logrus.Error("failed to send webhook: ", err)
		}
	}()
}

// reconcile walks the full candidate set once. Per-item failures are counted
// in the result and never abort the pass; only failing to read the store's
// pending queue does, because without it there is nothing to reconcile.
func (rm *RecoveryManager) reconcile(ctx context.Context, conf *config.Configuration, result *model.RecoveryResult) error {
	// Purge orders that sat past their deadline, then page in the open ones.
	expired, err := rm.kit.datasource.CleanupExpiredOrders(ctx)
	if err != nil {
		logrus.Warnf("could not clean up expired orders: %v", err)
	} else if expired > 0 {
		logrus.Infof("expired %d overdue orders", expired)
	}

	orders, err := rm.fetchPendingOrders(ctx, conf.Orders.BatchSize())
	if err != nil {
		// Keep going with whatever was fetched; transactions can still settle.
		logrus.Warnf("could not fetch all pending orders: %v", err)
	}

	txns, err := rm.kit.adapter.GetPendingTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pending transactions: %w", err)
	}

	if len(txns) == 0 && len(orders) == 0 {
		return nil
	}
	log.Printf("Recovering %d pending transactions against %d open orders", len(txns), len(orders))

	sortTransactionsForRecovery(txns)
	sortOrdersForRecovery(orders)

	pairs, byOrder := pairOrdersWithTransactions(orders, txns, conf.Orders.PairingWindow())
	result.PairedCount = len(pairs)
	for _, pair := range pairs {
		logrus.Debugf("paired order %s with transaction %s (%s)", pair.OrderID, pair.TransactionID, pair.ProductID)
	}

	pairedTxn := make(map[string]bool, len(byOrder))
	for _, txn := range byOrder {
		pairedTxn[txn.TransactionID] = true
	}

	for _, order := range orders {
		if txn, ok := byOrder[order.OrderID]; ok {
			rm.processTransaction(ctx, conf, txn, order, result)
		}
	}
	for _, txn := range txns {
		if !pairedTxn[txn.TransactionID] {
			rm.processTransaction(ctx, conf, txn, nil, result)
		}
	}
	for _, order := range orders {
		if _, ok := byOrder[order.OrderID]; !ok {
			rm.processUnpairedOrder(ctx, conf, order, result)
		}
	}
	return nil
}

// fetchPendingOrders pages through the open orders in sync batches.
func (rm *RecoveryManager) fetchPendingOrders(ctx context.Context, batchSize int) ([]*model.Order, error) {
	var all []*model.Order
	var offset int64
	for {
		batch, err := rm.kit.datasource.RecoverPendingOrders(ctx, batchSize, offset)
		if err != nil {
			return all, err
		}
		all = append(all, batch...)
		if len(batch) < batchSize {
			return all, nil
		}
		offset += int64(len(batch))
	}
}

// sortTransactionsForRecovery orders candidates oldest first; ties go to the
// more settled state so completed purchases never wait behind failures.
func sortTransactionsForRecovery(txns []*model.Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].Timestamp.Equal(txns[j].Timestamp) {
			return txns[i].Timestamp.Before(txns[j].Timestamp)
		}
		return txns[i].StatePriority() < txns[j].StatePriority()
	})
}

// sortOrdersForRecovery puts pending ahead of created ahead of terminal,
// then oldest first, then soonest expiry first.
func sortOrdersForRecovery(orders []*model.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].StatusRank() != orders[j].StatusRank() {
			return orders[i].StatusRank() < orders[j].StatusRank()
		}
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ExpiresAt.Before(orders[j].ExpiresAt)
	})
}

// pairOrdersWithTransactions associates each order with the first unused
// transaction for the same product whose timestamp falls within the pairing
// window after the order was created. First match wins and a transaction is
// used at most once per pass. The association is a best-effort heuristic:
// two interleaved purchases of the same product can pair crosswise, which is
// why completion links the transaction id on the order for the next pass.
func pairOrdersWithTransactions(orders []*model.Order, txns []*model.Transaction, window time.Duration) ([]model.RecoveryPair, map[string]*model.Transaction) {
	var pairs []model.RecoveryPair
	byOrder := make(map[string]*model.Transaction)
	used := make(map[string]bool)

	for _, order := range orders {
		for _, txn := range txns {
			if used[txn.TransactionID] || txn.ProductID != order.ProductID {
				continue
			}
			if txn.Timestamp.Before(order.CreatedAt) || txn.Timestamp.Sub(order.CreatedAt) > window {
				continue
			}
			used[txn.TransactionID] = true
			byOrder[order.OrderID] = txn
			pairs = append(pairs, model.RecoveryPair{
				OrderID:       order.OrderID,
				TransactionID: txn.TransactionID,
				ProductID:     txn.ProductID,
				PairedAt:      time.Now(),
			})
			break
		}
	}
	return pairs, byOrder
}

// processTransaction settles one pending transaction, moving its paired
// order along when there is one. Orders are left open whenever the
// transaction could still change its mind.
func (rm *RecoveryManager) processTransaction(ctx context.Context, conf *config.Configuration, txn *model.Transaction, order *model.Order, result *model.RecoveryResult) {
	result.ProcessedCount++
	if order != nil {
		// The paired order is a visited candidate in its own right.
		result.ProcessedCount++
	}
	retryKey := "finish:" + txn.TransactionID

	switch txn.State {
	case model.StatePurchased, model.StateRestored:
		if err := rm.verifyTransactionReceipt(ctx, conf, txn); err != nil {
			if apierror.Code(err) == apierror.ErrValidationFailed {
				logrus.Warnf("dropping transaction %s: %v", txn.TransactionID, err)
				if order != nil {
					rm.moveOrder(ctx, order, model.OrderStatusFailed)
				}
				result.FailedCount++
			} else {
				logrus.Infof("receipt for %s could not be verified, leaving for the next pass: %v", txn.TransactionID, err)
				result.InFlightCount++
			}
			return
		}
		if _, err := rm.kit.finishAndRecord(ctx, txn); err != nil {
			logrus.Warnf("could not finish transaction %s: %v", txn.TransactionID, err)
			if qErr := rm.kit.queue.queueFinishRetry(txn.TransactionID, txn.ProductID, apierror.SuggestedDelay(err)); qErr != nil {
				logrus.Error("failed to queue finish retry: ", qErr)
			}
			result.FailedCount++
			return
		}
		if order != nil {
			if err := rm.kit.datasource.CompleteOrder(ctx, order.OrderID, txn.TransactionID); err != nil {
				logrus.Warnf("could not complete order %s: %v", order.OrderID, err)
				result.FailedCount++
				return
			}
		}
		rm.kit.retry.Reset(retryKey)
		result.RecoveredCount++

	case model.StateFailed:
		if txn.Retryable && !rm.kit.retry.HasReachedMax(retryKey) {
			// One finish attempt per pass while the retry budget lasts; the
			// order stays open for a later purchase to complete it.
			rm.kit.retry.RecordAttempt(retryKey)
			if _, err := rm.kit.finishAndRecord(ctx, txn); err != nil {
				logrus.Debugf("retry finish for %s failed: %v", txn.TransactionID, err)
			}
			result.InFlightCount++
			return
		}
		if _, err := rm.kit.finishAndRecord(ctx, txn); err != nil {
			logrus.Debugf("could not finish failed transaction %s: %v", txn.TransactionID, err)
		}
		if order != nil {
			rm.moveOrder(ctx, order, model.OrderStatusFailed)
		}
		rm.kit.retry.Reset(retryKey)
		result.FailedCount++

	case model.StatePurchasing, model.StateDeferred:
		// Still moving through the store. Leave the order open.
		result.InFlightCount++
	}
}

// processUnpairedOrder resolves an order no transaction claimed this pass.
func (rm *RecoveryManager) processUnpairedOrder(ctx context.Context, conf *config.Configuration, order *model.Order, result *model.RecoveryResult) {
	result.ProcessedCount++
	now := time.Now()

	if order.IsExpired(now) {
		if err := rm.kit.datasource.CancelOrder(ctx, order.OrderID); err != nil {
			logrus.Warnf("could not cancel expired order %s: %v", order.OrderID, err)
			result.FailedCount++
			return
		}
		result.RecoveredCount++
		return
	}

	// Re-read the status once: another instance may have settled the order
	// since this pass fetched it.
	status, err := rm.kit.datasource.QueryOrderStatus(ctx, order.OrderID)
	if err != nil {
		logrus.Warnf("could not query status for order %s: %v", order.OrderID, err)
		result.InFlightCount++
		return
	}
	if status != order.Status {
		logrus.Infof("order %s moved to %s outside this pass", order.OrderID, status)
	}

	switch {
	case (&model.Order{Status: status}).IsTerminal():
		result.RecoveredCount++
	case now.Sub(order.CreatedAt) > conf.Orders.PairingWindow():
		// Past the pairing window with no transaction in sight: the store
		// call never produced anything that can complete this order.
		if status == model.OrderStatusCreated {
			if err := rm.kit.datasource.CancelOrder(ctx, order.OrderID); err != nil {
				logrus.Warnf("could not cancel stale order %s: %v", order.OrderID, err)
			}
		} else {
			rm.moveOrder(ctx, order, model.OrderStatusFailed)
		}
		result.FailedCount++
	default:
		result.InFlightCount++
	}
}

// verifyTransactionReceipt applies the configured validation policy to a
// settled transaction. A nil return means settling may proceed. A
// VALIDATION_FAILED error is a definitive rejection; any other error means
// no verdict was reachable and the transaction should wait for a later pass.
func (rm *RecoveryManager) verifyTransactionReceipt(ctx context.Context, conf *config.Configuration, txn *model.Transaction) error {
	if txn.Receipt == nil {
		if conf.StrictValidation() {
			return apierror.NewAPIError(apierror.ErrValidationFailed, fmt.Sprintf("transaction %s carries no receipt", txn.TransactionID), nil)
		}
		logrus.Warnf("transaction %s carries no receipt", txn.TransactionID)
		return nil
	}

	validation, err := rm.kit.validator.Validate(ctx, txn.Receipt)
	if err != nil {
		return err
	}
	if !validation.Valid {
		if conf.StrictValidation() {
			return apierror.NewAPIError(apierror.ErrValidationFailed, validation.FailureMessage, validation)
		}
		logrus.Warnf("receipt for %s failed validation: %s", txn.TransactionID, validation.FailureMessage)
	}
	return nil
}

func (rm *RecoveryManager) moveOrder(ctx context.Context, order *model.Order, status string) {
	if err := rm.kit.datasource.UpdateOrderStatus(ctx, order.OrderID, status); err != nil {
		logrus.Warnf("could not move order %s to %s: %v", order.OrderID, status, err)
	}
}
