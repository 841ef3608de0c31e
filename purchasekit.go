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
	"embed"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/database"
	"github.com/purchasekit/purchasekit/internal/hooks"
	redis_db "github.com/purchasekit/purchasekit/internal/redis-db"
	"github.com/purchasekit/purchasekit/internal/retry"
	"github.com/purchasekit/purchasekit/model"
	"github.com/purchasekit/purchasekit/payment"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PurchaseKit represents the main struct for the PurchaseKit application.
type PurchaseKit struct {
	queue      *Queue
	search     *TypesenseClient
	redis      redis.UniversalClient
	datasource database.IDataSource
	adapter    payment.Adapter
	products   *ProductCache
	retry      *retry.Manager
	validator  ReceiptValidator
	monitor    *TransactionMonitor
	recovery   *RecoveryManager
	hooks      hooks.HookManager
	pt         *model.PurchaseTracker
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewPurchaseKit initializes a new instance of PurchaseKit with the provided
// database datasource and store adapter. It fetches the configuration and
// initializes the Redis client, purchase tracker, queue, search client,
// product cache, retry manager, receipt validator, transaction monitor and
// recovery manager.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
// - adapter payment.Adapter: The store adapter purchases run against.
//
// Returns:
// - *PurchaseKit: A pointer to the newly created PurchaseKit instance.
// - error: An error if any of the initialization steps fail.
func NewPurchaseKit(db database.IDataSource, adapter payment.Adapter) (*PurchaseKit, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	pt := NewPurchaseTracker()
	newQueue := NewQueue(configuration)
	newSearch := NewTypesenseClient(configuration.TypeSenseKey, []string{configuration.TypeSense.Dns})

	validator, err := NewReceiptValidator(configuration)
	if err != nil {
		return nil, err
	}

	newPurchaseKit := &PurchaseKit{
		datasource: db,
		adapter:    adapter,
		pt:         pt,
		queue:      newQueue,
		redis:      redisClient.Client(),
		search:     newSearch,
		products:   NewProductCache(configuration.Cache.ProductTTL()),
		retry:      retry.NewManagerFromConfig(configuration),
		validator:  validator,
		hooks:      hooks.NewHookManager(redisClient.Client()),
	}
	newPurchaseKit.monitor = NewTransactionMonitor(newPurchaseKit)
	newPurchaseKit.recovery = NewRecoveryManager(newPurchaseKit)
	return newPurchaseKit, nil
}

// GetSearchClient returns the search client backing Search and reindexing.
func (l *PurchaseKit) GetSearchClient() *TypesenseClient {
	return l.search
}

// GetDataSource returns the datasource backing order and transaction storage.
func (l *PurchaseKit) GetDataSource() database.IDataSource {
	return l.datasource
}

// GetHookManager returns the hook manager for pre and post purchase hooks.
func (l *PurchaseKit) GetHookManager() hooks.HookManager {
	return l.hooks
}

// GetQueue returns the task queue.
func (l *PurchaseKit) GetQueue() *Queue {
	return l.queue
}

// finishAndRecord acknowledges a transaction with the store and records the
// finish in the audit trail, reporting whether this call performed a new
// finish. The store finish comes first: a crash between the two leaves an
// acknowledged but unrecorded finish, which the next attempt repairs because
// FinishTransaction is a no-op for settled ids. Settling the same
// transaction twice never double-counts.
func (l *PurchaseKit) finishAndRecord(ctx context.Context, txn *model.Transaction) (bool, error) {
	finished, err := l.datasource.IsTransactionFinished(ctx, txn.TransactionID)
	if err != nil {
		logrus.Warnf("could not check finish state for %s: %v", txn.TransactionID, err)
	}
	if finished {
		return false, nil
	}

	if err := l.adapter.FinishTransaction(ctx, txn.TransactionID); err != nil {
		return false, err
	}

	alreadyFinished, err := l.datasource.MarkTransactionFinished(ctx, txn.TransactionID)
	if err != nil {
		logrus.Warnf("could not record finish for %s: %v", txn.TransactionID, err)
	}
	if alreadyFinished {
		return false, nil
	}

	go func() {
		err := SendWebhook(NewWebhook{
			Event: EventTransactionFinished,
			Payload: map[string]interface{}{
				"transaction_id": txn.TransactionID,
				"product_id":     txn.ProductID,
				"state":          txn.State,
			},
		})
		if err != nil {
			logrus.Error("failed to send webhook: ", err)
		}
	}()

	return true, nil
}

// FinishTransaction acknowledges a transaction with the store and records the
// finish in the audit trail. This is the entry point for out-of-band finish
// retries; finishing an already settled transaction is a no-op.
func (l *PurchaseKit) FinishTransaction(ctx context.Context, transactionID string, productID string) error {
	_, err := l.finishAndRecord(ctx, &model.Transaction{TransactionID: transactionID, ProductID: productID})
	return err
}

// StartMonitoring begins observing the store's transaction stream.
func (l *PurchaseKit) StartMonitoring(ctx context.Context) error {
	return l.monitor.StartMonitoring(ctx)
}

// StopMonitoring halts transaction observation. Safe to call repeatedly.
func (l *PurchaseKit) StopMonitoring() {
	l.monitor.StopMonitoring()
}

// SubscribeTransactionUpdates registers a callback for every observed
// transaction. The returned id deregisters it via UnsubscribeTransactionUpdates.
func (l *PurchaseKit) SubscribeTransactionUpdates(handler payment.TransactionUpdateHandler) SubscriptionID {
	return l.monitor.Subscribe(handler)
}

// UnsubscribeTransactionUpdates removes a previously registered callback.
func (l *PurchaseKit) UnsubscribeTransactionUpdates(id SubscriptionID) {
	l.monitor.Unsubscribe(id)
}

// MonitoringStats reports the monitor's running counters.
func (l *PurchaseKit) MonitoringStats() MonitoringStats {
	return l.monitor.Stats()
}

// RecoverTransactions starts a reconciliation pass over the store's pending
// queue and the open orders. See RecoveryManager.RecoverTransactions.
func (l *PurchaseKit) RecoverTransactions(ctx context.Context, completion func(*model.RecoveryResult, error)) (*model.RecoveryResult, error) {
	return l.recovery.RecoverTransactions(ctx, completion)
}

// RecoveryStats reports recovery activity across runs.
func (l *PurchaseKit) RecoveryStats() RecoveryStats {
	return l.recovery.Stats()
}

// GetOrder retrieves a locally persisted order.
func (l *PurchaseKit) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return l.datasource.GetOrder(ctx, orderID)
}

// CancelOrder cancels an order that is still open.
func (l *PurchaseKit) CancelOrder(ctx context.Context, orderID string) error {
	return l.datasource.CancelOrder(ctx, orderID)
}

// DebugInfo is a point-in-time snapshot of every component's state, meant
// for support tooling and the debug endpoint.
type DebugInfo struct {
	ValidationMode  string              `json:"validation_mode"`
	CanMakePayments bool                `json:"can_make_payments"`
	Cache           CacheStats          `json:"cache"`
	ActivePurchases []string            `json:"active_purchases"`
	Purchases       model.PurchaseStats `json:"purchases"`
	Monitoring      MonitoringStats     `json:"monitoring"`
	Recovery        RecoveryStats       `json:"recovery"`
}

// DebugInfo gathers one consistent snapshot across all components.
func (l *PurchaseKit) DebugInfo(ctx context.Context) DebugInfo {
	info := DebugInfo{
		CanMakePayments: l.adapter.CanMakePayments(ctx),
		Cache:           l.products.Stats(),
		ActivePurchases: l.ActivePurchases(),
		Purchases:       l.PurchaseStats(),
		Monitoring:      l.monitor.Stats(),
		Recovery:        l.recovery.Stats(),
	}
	if conf, err := config.Fetch(); err == nil {
		info.ValidationMode = conf.Validation.Mode
	}
	return info
}
