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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/purchasekit/purchasekit/database/mocks"
	redlock "github.com/purchasekit/purchasekit/internal/lock"
	"github.com/purchasekit/purchasekit/model"
	"github.com/purchasekit/purchasekit/payment"
)

// runRecoveryPass starts a pass and blocks until its completion callback
// fires.
func runRecoveryPass(t *testing.T, kit *PurchaseKit) *model.RecoveryResult {
	t.Helper()

	done := make(chan *model.RecoveryResult, 1)
	_, err := kit.RecoverTransactions(context.Background(), func(result *model.RecoveryResult, err error) {
		done <- result
	})
	require.NoError(t, err)

	select {
	case result := <-done:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("recovery pass did not complete")
		return nil
	}
}

func stubRecoveryStorage(mockDS *mocks.MockDataSource, orders []*model.Order) {
	mockDS.On("CleanupExpiredOrders", mock.Anything).Return(int64(0), nil).Maybe()
	mockDS.On("RecoverPendingOrders", mock.Anything, mock.Anything, mock.Anything).Return(orders, nil).Maybe()
	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil).Maybe()
	mockDS.On("IsTransactionFinished", mock.Anything, mock.Anything).Return(false, nil).Maybe()
	mockDS.On("MarkTransactionFinished", mock.Anything, mock.Anything).Return(false, nil).Maybe()
}

func pendingOrder(orderID, productID string, createdAgo time.Duration) *model.Order {
	now := time.Now()
	return &model.Order{
		OrderID:   orderID,
		ProductID: productID,
		Status:    model.OrderStatusPending,
		CreatedAt: now.Add(-createdAgo),
		UpdatedAt: now.Add(-createdAgo),
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestRecoveryWithNothingPendingCompletesImmediately(t *testing.T) {
	kit, _, mockDS := newTestPurchaseKit(t)
	stubRecoveryStorage(mockDS, nil)

	result := runRecoveryPass(t, kit)
	assert.Equal(t, RecoveryStatusCompleted, result.Status)
	assert.Equal(t, 0, result.RecoveredCount)
	assert.Equal(t, 0, result.ProcessedCount)
	assert.False(t, kit.RecoveryStats().InProgress)
}

func TestRecoveryProcessesEveryCandidateExactlyOnce(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	// K = 3 store transactions, M = 1 order pairable with the first.
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_1", "coins_100", model.StatePurchased))
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_2", "premium", model.StatePurchased))
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_3", "gems_50", model.StateDeferred))

	order := pendingOrder("ord_1", "coins_100", 10*time.Minute)
	stubRecoveryStorage(mockDS, []*model.Order{order})
	mockDS.On("CompleteOrder", mock.Anything, "ord_1", "txn_1").Return(nil)

	result := runRecoveryPass(t, kit)

	assert.Equal(t, RecoveryStatusCompleted, result.Status)
	assert.Equal(t, 4, result.ProcessedCount) // K + M
	assert.Equal(t, 1, result.PairedCount)
	assert.Equal(t, 2, result.RecoveredCount)
	assert.Equal(t, 1, result.InFlightCount)
	assert.Equal(t, 0, result.FailedCount)
	mockDS.AssertCalled(t, "CompleteOrder", mock.Anything, "ord_1", "txn_1")

	// Both settled transactions left the store queue; the deferred one
	// stayed behind for a later pass.
	assert.True(t, adapter.WasFinished("txn_1"))
	assert.True(t, adapter.WasFinished("txn_2"))
	assert.False(t, adapter.WasFinished("txn_3"))
}

func TestRecoveryStatsForMixedOutcomes(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)
	stubRecoveryStorage(mockDS, nil)

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_ok", "coins_100", model.StatePurchased))
	declined := sandboxTransaction("txn_bad", "premium", model.StateFailed)
	declined.FailureReason = "payment declined"
	adapter.EmitTransactionUpdate(declined)

	result := runRecoveryPass(t, kit)

	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, 1, result.RecoveredCount)
	assert.Equal(t, 1, result.FailedCount)

	stats := kit.RecoveryStats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.TotalRecovered)
	assert.Equal(t, int64(1), stats.TotalFailed)
	require.NotNil(t, stats.LastResult)
	assert.Equal(t, result.RecoveryID, stats.LastResult.RecoveryID)
}

// finishFailingAdapter fails FinishTransaction for one transaction id and
// delegates everything else to the sandbox.
type finishFailingAdapter struct {
	*payment.SandboxAdapter
	failID string
}

func (f *finishFailingAdapter) FinishTransaction(ctx context.Context, transactionID string) error {
	if transactionID == f.failID {
		return errors.New("store refused the finish")
	}
	return f.SandboxAdapter.FinishTransaction(ctx, transactionID)
}

func TestRecoverySingleItemFailureDoesNotAbortThePass(t *testing.T) {
	kit, sandbox, mockDS := newTestPurchaseKit(t)
	adapter := &finishFailingAdapter{SandboxAdapter: sandbox, failID: "txn_2"}
	kit.adapter = adapter
	kit.monitor = NewTransactionMonitor(kit)
	kit.recovery = NewRecoveryManager(kit)

	stubRecoveryStorage(mockDS, nil)
	sandbox.EmitTransactionUpdate(sandboxTransaction("txn_1", "coins_100", model.StatePurchased))
	sandbox.EmitTransactionUpdate(sandboxTransaction("txn_2", "premium", model.StatePurchased))
	sandbox.EmitTransactionUpdate(sandboxTransaction("txn_3", "gems_50", model.StatePurchased))

	result := runRecoveryPass(t, kit)

	assert.Equal(t, RecoveryStatusCompleted, result.Status)
	assert.Equal(t, 3, result.ProcessedCount)
	assert.Equal(t, 2, result.RecoveredCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.True(t, sandbox.WasFinished("txn_1"))
	assert.False(t, sandbox.WasFinished("txn_2"))
	assert.True(t, sandbox.WasFinished("txn_3"))
}

func TestRecoveryFailedNonRetryableSettlesOrderAsFailed(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	declined := sandboxTransaction("txn_bad", "coins_100", model.StateFailed)
	declined.FailureReason = "card declined"
	adapter.EmitTransactionUpdate(declined)

	order := pendingOrder("ord_1", "coins_100", 5*time.Minute)
	stubRecoveryStorage(mockDS, []*model.Order{order})
	mockDS.On("UpdateOrderStatus", mock.Anything, "ord_1", model.OrderStatusFailed).Return(nil)

	result := runRecoveryPass(t, kit)

	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, 1, result.FailedCount)
	mockDS.AssertCalled(t, "UpdateOrderStatus", mock.Anything, "ord_1", model.OrderStatusFailed)
	// Even a failed transaction is finished so the store queue drains.
	assert.True(t, adapter.WasFinished("txn_bad"))
}

func TestRecoveryRetryableFailureLeavesOrderOpen(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	flaky := sandboxTransaction("txn_flaky", "coins_100", model.StateFailed)
	flaky.FailureReason = "provider unavailable"
	flaky.Retryable = true
	adapter.EmitTransactionUpdate(flaky)

	order := pendingOrder("ord_1", "coins_100", 5*time.Minute)
	stubRecoveryStorage(mockDS, []*model.Order{order})

	result := runRecoveryPass(t, kit)

	assert.Equal(t, 1, result.InFlightCount)
	assert.Equal(t, 0, result.FailedCount)
	mockDS.AssertNotCalled(t, "UpdateOrderStatus", mock.Anything, "ord_1", model.OrderStatusFailed)
}

func TestRecoveryCancelsExpiredUnpairedOrder(t *testing.T) {
	kit, _, mockDS := newTestPurchaseKit(t)

	expired := pendingOrder("ord_old", "coins_100", 48*time.Hour)
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	stubRecoveryStorage(mockDS, []*model.Order{expired})
	mockDS.On("CancelOrder", mock.Anything, "ord_old").Return(nil)

	result := runRecoveryPass(t, kit)

	assert.Equal(t, 1, result.ProcessedCount)
	assert.Equal(t, 1, result.RecoveredCount)
	mockDS.AssertCalled(t, "CancelOrder", mock.Anything, "ord_old")
}

func TestRecoveryLeavesFreshUnpairedOrderInFlight(t *testing.T) {
	kit, _, mockDS := newTestPurchaseKit(t)

	order := pendingOrder("ord_fresh", "coins_100", 2*time.Minute)
	stubRecoveryStorage(mockDS, []*model.Order{order})
	mockDS.On("QueryOrderStatus", mock.Anything, "ord_fresh").Return(model.OrderStatusPending, nil)

	result := runRecoveryPass(t, kit)

	assert.Equal(t, 1, result.InFlightCount)
	assert.Equal(t, 0, result.FailedCount)
}

func TestRecoveryFailsStalePendingOrderPastTheWindow(t *testing.T) {
	kit, _, mockDS := newTestPurchaseKit(t)

	// Two hours old with a 1h pairing window and no transaction in sight.
	order := pendingOrder("ord_stale", "coins_100", 2*time.Hour)
	stubRecoveryStorage(mockDS, []*model.Order{order})
	mockDS.On("QueryOrderStatus", mock.Anything, "ord_stale").Return(model.OrderStatusPending, nil)
	mockDS.On("UpdateOrderStatus", mock.Anything, "ord_stale", model.OrderStatusFailed).Return(nil)

	result := runRecoveryPass(t, kit)

	assert.Equal(t, 1, result.FailedCount)
	mockDS.AssertCalled(t, "UpdateOrderStatus", mock.Anything, "ord_stale", model.OrderStatusFailed)
}

func TestRecoveryPairingRespectsTheWindow(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	// The transaction predates the order, so the pair is illegal even
	// though the product matches.
	early := sandboxTransaction("txn_early", "coins_100", model.StatePurchased)
	early.Timestamp = time.Now().Add(-3 * time.Hour)
	adapter.EmitTransactionUpdate(early)

	order := pendingOrder("ord_1", "coins_100", 30*time.Minute)
	stubRecoveryStorage(mockDS, []*model.Order{order})
	mockDS.On("QueryOrderStatus", mock.Anything, "ord_1").Return(model.OrderStatusPending, nil)

	result := runRecoveryPass(t, kit)

	assert.Equal(t, 0, result.PairedCount)
	mockDS.AssertNotCalled(t, "CompleteOrder", mock.Anything, "ord_1", "txn_early")
}

func TestRecoveryAlreadyInProgressWhenLockIsHeld(t *testing.T) {
	kit, _, mockDS := newTestPurchaseKit(t)
	stubRecoveryStorage(mockDS, nil)

	locker := redlock.NewLocker(kit.redis, recoveryLockKey, "held-elsewhere")
	require.NoError(t, locker.Lock(context.Background(), time.Minute))
	defer func() { _ = locker.Unlock(context.Background()) }()

	result, err := kit.RecoverTransactions(context.Background(), func(*model.RecoveryResult, error) {
		t.Error("completion must not run for a rejected pass")
	})
	require.NoError(t, err)
	assert.Equal(t, RecoveryStatusAlreadyInProgress, result.Status)
	assert.False(t, kit.RecoveryStats().InProgress)
}

func TestRecoverySecondCallWhileRunningIsRejected(t *testing.T) {
	kit, sandbox, mockDS := newTestPurchaseKit(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	adapter := &gatedPendingAdapter{SandboxAdapter: sandbox, started: started, release: release}
	kit.adapter = adapter
	kit.monitor = NewTransactionMonitor(kit)
	kit.recovery = NewRecoveryManager(kit)
	stubRecoveryStorage(mockDS, nil)

	done := make(chan *model.RecoveryResult, 1)
	first, err := kit.RecoverTransactions(context.Background(), func(result *model.RecoveryResult, err error) {
		done <- result
	})
	require.NoError(t, err)
	<-started

	second, err := kit.RecoverTransactions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RecoveryStatusAlreadyInProgress, second.Status)
	assert.Equal(t, first.RecoveryID, second.RecoveryID)

	close(release)
	select {
	case result := <-done:
		assert.Equal(t, RecoveryStatusCompleted, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not complete")
	}
}

// gatedPendingAdapter parks GetPendingTransactions until released so tests
// can observe a pass mid-flight.
type gatedPendingAdapter struct {
	*payment.SandboxAdapter
	started chan struct{}
	release chan struct{}
}

func (g *gatedPendingAdapter) GetPendingTransactions(ctx context.Context) ([]*model.Transaction, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return g.SandboxAdapter.GetPendingTransactions(ctx)
}
