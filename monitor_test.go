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

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/database/mocks"
	"github.com/purchasekit/purchasekit/model"
	"github.com/purchasekit/purchasekit/payment"
)

func sandboxTransaction(id, productID, state string) *model.Transaction {
	return &model.Transaction{
		TransactionID: id,
		ProductID:     productID,
		State:         state,
		Quantity:      1,
		Timestamp:     time.Now(),
	}
}

func TestMonitorFinishesPurchasedTransactions(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)
	mockDS.On("IsTransactionFinished", mock.Anything, "txn_1").Return(false, nil)
	mockDS.On("MarkTransactionFinished", mock.Anything, "txn_1").Return(false, nil)

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_1", "coins_100", model.StatePurchased))

	assert.True(t, adapter.WasFinished("txn_1"))
	stats := kit.monitor.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, int64(1), stats.Observed)
	assert.Equal(t, int64(1), stats.Purchased)
	assert.Equal(t, int64(1), stats.Finished)
	assert.Equal(t, float64(1), stats.SuccessRate)
	mockDS.AssertExpectations(t)
}

func TestMonitorNeverFinishesDeferredTransactions(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)
	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_deferred", "premium", model.StateDeferred))
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_purchasing", "premium", model.StatePurchasing))

	assert.False(t, adapter.WasFinished("txn_deferred"))
	assert.Equal(t, 0, adapter.Counts().Finishes)

	stats := kit.monitor.Stats()
	assert.Equal(t, int64(2), stats.Observed)
	assert.Equal(t, int64(1), stats.Deferred)
	assert.Equal(t, int64(1), stats.Purchasing)
	assert.Equal(t, int64(0), stats.Finished)
	mockDS.AssertNumberOfCalls(t, "RecordTransaction", 2)
}

func TestMonitorSettlesFailedTransactions(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)
	mockDS.On("IsTransactionFinished", mock.Anything, "txn_failed").Return(false, nil)
	mockDS.On("MarkTransactionFinished", mock.Anything, "txn_failed").Return(false, nil)

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	failed := sandboxTransaction("txn_failed", "coins_100", model.StateFailed)
	failed.FailureReason = "payment declined"
	adapter.EmitTransactionUpdate(failed)

	// A failed transaction still gets cleared from the store queue.
	assert.True(t, adapter.WasFinished("txn_failed"))
	stats := kit.monitor.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, float64(0), stats.SuccessRate)
}

func TestMonitorDuplicateDeliveryNeverDoubleCounts(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)
	mockDS.On("IsTransactionFinished", mock.Anything, "txn_dup").Return(false, nil).Once()
	mockDS.On("IsTransactionFinished", mock.Anything, "txn_dup").Return(true, nil)
	mockDS.On("MarkTransactionFinished", mock.Anything, "txn_dup").Return(false, nil).Once()

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_dup", "coins_100", model.StatePurchased))
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_dup", "coins_100", model.StatePurchased))

	stats := kit.monitor.Stats()
	assert.Equal(t, int64(2), stats.Observed)
	assert.Equal(t, int64(1), stats.Finished)
	assert.Equal(t, 1, adapter.Counts().Finishes)
	mockDS.AssertExpectations(t)
}

func TestMonitorFinishFailureQueuesRetry(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)

	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)
	mockDS.On("IsTransactionFinished", mock.Anything, "txn_stuck").Return(false, nil)
	adapter.SetFinishError(errors.New("store unavailable"))

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_stuck", "coins_100", model.StatePurchased))

	stats := kit.monitor.Stats()
	assert.Equal(t, int64(0), stats.Finished)
	assert.Equal(t, int64(1), stats.FinishFailures)
	mockDS.AssertNotCalled(t, "MarkTransactionFinished", mock.Anything, "txn_stuck")

	// The finish moved to the out-of-band queue keyed by transaction ID.
	task, err := kit.GetQueue().GetFinishTaskFromQueue("txn_stuck")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "coins_100", task.ProductID)
}

func TestMonitorFanOutDeliversToEverySubscriberInOrder(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)
	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)

	var first, second []string
	firstID := kit.monitor.Subscribe(func(txn *model.Transaction) {
		first = append(first, txn.TransactionID)
	})
	kit.monitor.Subscribe(func(txn *model.Transaction) {
		second = append(second, txn.TransactionID)
	})

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_1", "coins_100", model.StatePurchasing))
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_2", "coins_100", model.StateDeferred))

	assert.Equal(t, []string{"txn_1", "txn_2"}, first)
	assert.Equal(t, []string{"txn_1", "txn_2"}, second)

	kit.monitor.Unsubscribe(firstID)
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_3", "coins_100", model.StateDeferred))

	assert.Len(t, first, 2)
	assert.Equal(t, []string{"txn_1", "txn_2", "txn_3"}, second)
}

func TestMonitorDrainsPendingQueueOnStart(t *testing.T) {
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{
			WebhookQueue:   "webhook_queue",
			IndexQueue:     "index_queue",
			FinishQueue:    "transaction_finish_queue",
			RecoveryQueue:  "recovery_queue",
			NumberOfQueues: 1,
		},
		Validation: config.ValidationConfig{Mode: "local"},
		Purchase:   config.PurchaseConfig{BundleID: testBundleID},
	})

	adapter := payment.NewSandboxAdapter(testBundleID)
	mockDS := new(mocks.MockDataSource)
	kit, err := NewPurchaseKit(mockDS, adapter)
	require.NoError(t, err)

	// Left over from a previous run: queued in the store before any
	// observer was listening.
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_leftover", "coins_100", model.StatePurchased))

	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)
	mockDS.On("IsTransactionFinished", mock.Anything, "txn_leftover").Return(false, nil)
	mockDS.On("MarkTransactionFinished", mock.Anything, "txn_leftover").Return(false, nil)

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	assert.Eventually(t, func() bool {
		return adapter.WasFinished("txn_leftover")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopMonitoringIsIdempotentAndDeregisters(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)
	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)

	var seen []string
	kit.monitor.Subscribe(func(txn *model.Transaction) {
		seen = append(seen, txn.TransactionID)
	})

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_before", "coins_100", model.StateDeferred))

	kit.monitor.StopMonitoring()
	kit.monitor.StopMonitoring()

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_after", "coins_100", model.StateDeferred))

	assert.Equal(t, []string{"txn_before"}, seen)
	stats := kit.monitor.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, int64(1), stats.Observed)

	// Subscribers survive a stop and keep receiving after a restart.
	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()
	adapter.EmitTransactionUpdate(sandboxTransaction("txn_restart", "coins_100", model.StateDeferred))
	assert.Equal(t, []string{"txn_before", "txn_restart"}, seen)
}

func TestMonitorResetStatsKeepsMonitoringState(t *testing.T) {
	kit, adapter, mockDS := newTestPurchaseKit(t)
	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil)

	require.NoError(t, kit.monitor.StartMonitoring(context.Background()))
	defer kit.monitor.StopMonitoring()

	adapter.EmitTransactionUpdate(sandboxTransaction("txn_1", "coins_100", model.StatePurchasing))
	require.Equal(t, int64(1), kit.monitor.Stats().Observed)

	kit.monitor.ResetStats()

	stats := kit.monitor.Stats()
	assert.Equal(t, int64(0), stats.Observed)
	assert.True(t, stats.Running)
	assert.False(t, stats.StartedAt.IsZero())
}
