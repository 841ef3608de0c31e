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

package payment

import (
	"context"

	"github.com/purchasekit/purchasekit/model"
)

// TransactionUpdateHandler receives transaction state changes pushed by the
// store while the observer is running.
type TransactionUpdateHandler func(transaction *model.Transaction)

// Adapter is the boundary to the underlying store. Implementations wrap a
// platform billing SDK; SandboxAdapter provides an in-memory store for tests
// and local development.
//
// Purchase returns an error only for store-level problems (unknown product,
// payments disabled, cancellation by the user). A declined payment comes back
// as a transaction in the failed state with FailureReason and Retryable set,
// mirroring how store SDKs report declines through the transaction queue.
type Adapter interface {
	// LoadProducts fetches product metadata for the given identifiers.
	// Unknown identifiers are dropped from the result, not errors.
	LoadProducts(ctx context.Context, ids []string) ([]model.Product, error)

	// Purchase starts a payment flow for a single product.
	Purchase(ctx context.Context, productID string, opts model.PurchaseOptions) (*model.Transaction, error)

	// RestorePurchases replays the user's previously completed transactions.
	RestorePurchases(ctx context.Context) ([]*model.Transaction, error)

	// StartTransactionObserver begins delivering transaction updates to the
	// registered handler. StopTransactionObserver is idempotent.
	StartTransactionObserver(ctx context.Context) error
	StopTransactionObserver(ctx context.Context) error
	SetTransactionUpdateHandler(handler TransactionUpdateHandler)

	// GetPendingTransactions returns the store queue of transactions that
	// have not been finished yet.
	GetPendingTransactions(ctx context.Context) ([]*model.Transaction, error)

	// FinishTransaction acknowledges a transaction and removes it from the
	// store queue. Finishing an already finished or unknown transaction is
	// a no-op.
	FinishTransaction(ctx context.Context, transactionID string) error

	// CanMakePayments reports whether the current user is allowed to pay.
	CanMakePayments(ctx context.Context) bool
}
