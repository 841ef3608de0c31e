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

package database

import (
	"context"

	"github.com/purchasekit/purchasekit/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	order             // Interface for order-related operations
	transactionRecord // Interface for store transaction audit operations
}

// order defines methods for handling purchase orders.
type order interface {
	// CreateOrder persists a new order. Status defaults to created.
	CreateOrder(ctx context.Context, order *model.Order) (*model.Order, error)
	// GetOrder retrieves an order by its order ID.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	// GetOrderByTransactionID retrieves the order linked to a store transaction.
	GetOrderByTransactionID(ctx context.Context, transactionID string) (*model.Order, error)
	// QueryOrderStatus retrieves only the current status of an order.
	QueryOrderStatus(ctx context.Context, orderID string) (string, error)
	// UpdateOrderStatus moves an order to a new status. Illegal transitions
	// return a CONFLICT error.
	UpdateOrderStatus(ctx context.Context, orderID string, status string) error
	// CompleteOrder finishes a pending order and links the settling transaction.
	CompleteOrder(ctx context.Context, orderID string, transactionID string) error
	// CancelOrder cancels an order that is still open.
	CancelOrder(ctx context.Context, orderID string) error
	// CleanupExpiredOrders expires open orders past their deadline and
	// returns how many were expired.
	CleanupExpiredOrders(ctx context.Context) (int64, error)
	// RecoverPendingOrders retrieves open, unexpired orders in a paginated manner.
	RecoverPendingOrders(ctx context.Context, batchSize int, offset int64) ([]*model.Order, error)
	// GetAllOrders retrieves orders of any status in a paginated manner,
	// oldest first. Used by search reindexing.
	GetAllOrders(ctx context.Context, limit int, offset int) ([]*model.Order, error)
}

// transactionRecord defines methods for the store transaction audit trail.
type transactionRecord interface {
	// RecordTransaction upserts a transaction record keyed by transaction ID.
	RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	// GetTransactionRecord retrieves a recorded transaction by ID.
	GetTransactionRecord(ctx context.Context, transactionID string) (*model.Transaction, error)
	// MarkTransactionFinished marks a transaction finished and reports
	// whether it had been finished before.
	MarkTransactionFinished(ctx context.Context, transactionID string) (bool, error)
	// IsTransactionFinished reports whether a transaction was already finished.
	IsTransactionFinished(ctx context.Context, transactionID string) (bool, error)
	// IsReceiptProcessed reports whether a receipt hash already backed a
	// finished transaction.
	IsReceiptProcessed(ctx context.Context, receiptHash string) (bool, error)
	// GetUnfinishedTransactions retrieves transactions not yet finished,
	// oldest first.
	GetUnfinishedTransactions(ctx context.Context, limit int) ([]*model.Transaction, error)
	// GetAllTransactionRecords retrieves recorded transactions in a paginated
	// manner, oldest first. Used by search reindexing.
	GetAllTransactionRecords(ctx context.Context, limit int, offset int) ([]*model.Transaction, error)
}
