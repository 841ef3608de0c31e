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
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
)

var purchaseTracer = otel.Tracer("purchasekit.purchase")

// NewPurchaseTracker creates an empty tracker for in-flight purchases.
func NewPurchaseTracker() *model.PurchaseTracker {
	return &model.PurchaseTracker{Active: make(map[string]bool)}
}

// beginPurchase claims the in-flight slot for a product. At most one
// purchase may be mid-flight per product id; a second caller is turned away
// with ALREADY_IN_PROGRESS before any store call happens.
func (l *PurchaseKit) beginPurchase(productID string) error {
	l.pt.Mutex.Lock()
	defer l.pt.Mutex.Unlock()
	if l.pt.Active[productID] {
		return apierror.NewAPIError(apierror.ErrAlreadyInProgress,
			fmt.Sprintf("a purchase for product %s is already in progress", productID), nil)
	}
	l.pt.Active[productID] = true
	l.pt.Stats.Started++
	return nil
}

// clearActivePurchase releases the in-flight slot for a product. Releasing
// an inactive product is a no-op, so the monitor can call this for every
// terminal transaction it observes.
func (l *PurchaseKit) clearActivePurchase(productID string) {
	l.pt.Mutex.Lock()
	defer l.pt.Mutex.Unlock()
	delete(l.pt.Active, productID)
}

func (l *PurchaseKit) isPurchaseActive(productID string) bool {
	l.pt.Mutex.Lock()
	defer l.pt.Mutex.Unlock()
	return l.pt.Active[productID]
}

func (l *PurchaseKit) countOutcome(bump func(stats *model.PurchaseStats)) {
	l.pt.Mutex.Lock()
	defer l.pt.Mutex.Unlock()
	bump(&l.pt.Stats)
}

// ActivePurchases lists the products with a purchase currently in flight.
func (l *PurchaseKit) ActivePurchases() []string {
	l.pt.Mutex.Lock()
	defer l.pt.Mutex.Unlock()
	active := make([]string, 0, len(l.pt.Active))
	for id := range l.pt.Active {
		active = append(active, id)
	}
	sort.Strings(active)
	return active
}

// PurchaseStats reports the running purchase and restore counters.
func (l *PurchaseKit) PurchaseStats() model.PurchaseStats {
	l.pt.Mutex.Lock()
	defer l.pt.Mutex.Unlock()
	return l.pt.Stats
}

// ResetPurchaseStats zeroes the counters without touching in-flight markers.
func (l *PurchaseKit) ResetPurchaseStats() {
	l.pt.Mutex.Lock()
	defer l.pt.Mutex.Unlock()
	l.pt.Stats = model.PurchaseStats{}
}

// ValidateCanPurchase is the pre-flight check for a purchase. It reports
// why a purchase would be rejected without changing any state, including
// product sanity, so a caller never gets a go-ahead Purchase would refuse.
func (l *PurchaseKit) ValidateCanPurchase(ctx context.Context, productID string) error {
	if !l.IsValidProductID(productID) {
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("invalid product ID: %q", productID), nil)
	}
	if l.isPurchaseActive(productID) {
		return apierror.NewAPIError(apierror.ErrAlreadyInProgress,
			fmt.Sprintf("a purchase for product %s is already in progress", productID), nil)
	}
	if !l.adapter.CanMakePayments(ctx) {
		return apierror.NewAPIError(apierror.ErrPermissionDenied, "this user is not allowed to make payments", nil)
	}
	product, err := l.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if product.Price.IsNegative() {
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("product %s has a negative price", productID), nil)
	}
	return nil
}

// Purchase runs a single payment flow for a product: pre-flight checks, a
// local order recording the intent, the store call, receipt validation and
// finalization. User cancellation comes back as an outcome, never an error.
// A validation failure in strict mode converts a settled payment into a
// VALIDATION_FAILED error: the money moved but the entitlement is withheld,
// which is a different conversation with the user than a declined card.
//
// The in-flight marker for the product is released on every exit path
// except a pending outcome, where the store still owes a terminal update;
// the monitor releases the marker when that update arrives.
func (l *PurchaseKit) Purchase(ctx context.Context, productID string, opts model.PurchaseOptions) (*model.PurchaseResult, error) {
	ctx, span := purchaseTracer.Start(ctx, "Purchase")
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID))

	if err := l.ValidateCanPurchase(ctx, productID); err != nil {
		return nil, err
	}
	if err := l.beginPurchase(productID); err != nil {
		return nil, err
	}
	keepActive := false
	defer func() {
		if !keepActive {
			l.clearActivePurchase(productID)
		}
	}()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	product, err := l.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	if opts.Quantity <= 0 {
		opts.Quantity = 1
	}

	order := l.openOrder(ctx, conf, product, opts)

	if order != nil {
		if err := l.hooks.ExecutePreHooks(ctx, order.OrderID, productID, opts); err != nil {
			logrus.Warnf("pre-purchase hooks for %s: %v", productID, err)
		}
	}

	txn, err := l.adapter.Purchase(ctx, productID, opts)
	if err != nil {
		return l.resolvePurchaseError(ctx, order, productID, err)
	}
	span.SetAttributes(attribute.String("transaction.id", txn.TransactionID))

	if _, err := l.datasource.RecordTransaction(ctx, txn); err != nil {
		logrus.Warnf("could not record transaction %s: %v", txn.TransactionID, err)
	}

	switch txn.State {
	case model.StateFailed:
		l.moveOrderTo(ctx, order, model.OrderStatusFailed)
		l.countOutcome(func(s *model.PurchaseStats) { s.Failed++ })
		l.notifyPurchaseOutcome(EventPurchaseFailed, productID, order, txn)
		return nil, apierror.NewAPIError(apierror.ErrPaymentFailed, txn.FailureReason, map[string]interface{}{
			"transaction_id": txn.TransactionID,
			"retryable":      txn.Retryable,
		})

	case model.StatePurchasing, model.StateDeferred:
		// The store owes a terminal update; the order and the in-flight
		// marker both stay open until the monitor sees it.
		keepActive = true
		l.countOutcome(func(s *model.PurchaseStats) { s.Pending++ })
		l.notifyPurchaseOutcome(getEventFromOutcome(model.OutcomePending), productID, order, txn)
		return &model.PurchaseResult{Outcome: model.OutcomePending, Transaction: txn, Order: order}, nil
	}

	validation, err := l.settlePurchasedTransaction(ctx, conf, product, order, txn)
	if err != nil {
		return nil, err
	}

	if order != nil {
		if err := l.hooks.ExecutePostHooks(ctx, order.OrderID, productID, txn); err != nil {
			logrus.Warnf("post-purchase hooks for %s: %v", productID, err)
		}
	}

	l.countOutcome(func(s *model.PurchaseStats) { s.Succeeded++ })
	l.notifyPurchaseOutcome(getEventFromOutcome(model.OutcomeSuccess), productID, order, txn)
	return &model.PurchaseResult{
		Outcome:     model.OutcomeSuccess,
		Transaction: txn,
		Order:       order,
		Validation:  validation,
	}, nil
}

// openOrder persists the purchase intent before the store is called. The
// order is the anchor recovery pairs a stray transaction back to; losing it
// degrades recovery to the store queue alone, so persistence failures log
// loudly but never block the payment.
func (l *PurchaseKit) openOrder(ctx context.Context, conf *config.Configuration, product *model.Product, opts model.PurchaseOptions) *model.Order {
	now := time.Now()
	order := &model.Order{
		OrderID:   model.GenerateUUIDWithSuffix("ord"),
		ProductID: product.ID,
		Amount:    product.Price.Mul(decimal.NewFromInt(int64(opts.Quantity))),
		Currency:  product.CurrencyCode,
		Status:    model.OrderStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(conf.Orders.TTL()),
		MetaData:  opts.MetaData,
	}

	created, err := l.datasource.CreateOrder(ctx, order)
	if err != nil {
		logrus.Errorf("could not persist order for product %s, recovery will rely on the store queue alone: %v", product.ID, err)
		return nil
	}

	if err := l.datasource.UpdateOrderStatus(ctx, created.OrderID, model.OrderStatusPending); err != nil {
		logrus.Warnf("could not move order %s to pending: %v", created.OrderID, err)
	} else {
		created.Status = model.OrderStatusPending
	}

	if err := l.queue.queueIndexData(created.OrderID, "orders", created.ToSearchDocument()); err != nil {
		logrus.Error("Error queuing order for indexing", err)
	}
	return created
}

// resolvePurchaseError maps a store-level purchase error to the caller's
// result. Cancellations become outcomes; everything else propagates.
func (l *PurchaseKit) resolvePurchaseError(ctx context.Context, order *model.Order, productID string, err error) (*model.PurchaseResult, error) {
	if apierror.Is(err, apierror.ErrUserCancelled) {
		l.moveOrderTo(ctx, order, model.OrderStatusCancelled)
		l.countOutcome(func(s *model.PurchaseStats) { s.Cancelled++ })
		l.notifyPurchaseOutcome(getEventFromOutcome(model.OutcomeUserCancelled), productID, order, nil)
		return &model.PurchaseResult{Outcome: model.OutcomeUserCancelled, Order: order}, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		l.moveOrderTo(ctx, order, model.OrderStatusCancelled)
		l.countOutcome(func(s *model.PurchaseStats) { s.Cancelled++ })
		l.notifyPurchaseOutcome(getEventFromOutcome(model.OutcomeCancelled), productID, order, nil)
		return &model.PurchaseResult{Outcome: model.OutcomeCancelled, Order: order}, nil
	}

	l.moveOrderTo(ctx, order, model.OrderStatusFailed)
	l.countOutcome(func(s *model.PurchaseStats) { s.Failed++ })
	l.notifyPurchaseOutcome(EventPurchaseFailed, productID, order, nil)
	return nil, fmt.Errorf("purchase of %s failed: %w", productID, err)
}

// settlePurchasedTransaction applies the configured validation policy to a
// settled payment and finalizes what it can. In strict mode a definitive
// rejection fails the purchase and the transaction is deliberately left
// unfinished so the store queue keeps the evidence; when no verdict was
// reachable the order stays pending for recovery to settle later.
func (l *PurchaseKit) settlePurchasedTransaction(ctx context.Context, conf *config.Configuration, product *model.Product, order *model.Order, txn *model.Transaction) (*model.ValidationResult, error) {
	strict := conf.StrictValidation()

	var validation *model.ValidationResult
	if txn.Receipt != nil {
		if processed, err := l.datasource.IsReceiptProcessed(ctx, txn.Receipt.Hash()); err == nil && processed {
			logrus.Warnf("receipt for transaction %s already backed a finished transaction", txn.TransactionID)
		}

		var err error
		validation, err = l.validator.Validate(ctx, txn.Receipt)
		if err != nil {
			if !strict {
				logrus.Warnf("receipt validation for %s errored, accepting under local mode: %v", txn.TransactionID, err)
			} else if apierror.Is(err, apierror.ErrValidationFailed) {
				return nil, l.withholdEntitlement(ctx, order, txn, err.Error())
			} else {
				// No verdict was reachable. The payment settled, so the
				// order stays pending and recovery re-validates later.
				l.countOutcome(func(s *model.PurchaseStats) { s.Failed++ })
				return nil, fmt.Errorf("receipt for %s could not be validated: %w", txn.TransactionID, err)
			}
		} else if !validation.Valid {
			if strict {
				return nil, l.withholdEntitlement(ctx, order, txn, validation.FailureMessage)
			}
			logrus.Warnf("receipt for %s failed validation: %s", txn.TransactionID, validation.FailureMessage)
		}
	} else if strict {
		return nil, l.withholdEntitlement(ctx, order, txn,
			fmt.Sprintf("transaction %s carries no receipt", txn.TransactionID))
	}

	if product.IsConsumable() && conf.Purchase.AutoFinish() {
		if _, err := l.finishAndRecord(ctx, txn); err != nil {
			logrus.Warnf("could not finish consumable transaction %s: %v", txn.TransactionID, err)
			if qErr := l.queue.queueFinishRetry(txn.TransactionID, txn.ProductID, apierror.SuggestedDelay(err)); qErr != nil {
				logrus.Error("failed to queue finish retry: ", qErr)
			}
		}
	}

	if order != nil {
		if err := l.datasource.CompleteOrder(ctx, order.OrderID, txn.TransactionID); err != nil {
			logrus.Warnf("could not complete order %s: %v", order.OrderID, err)
		} else {
			order.Status = model.OrderStatusCompleted
			order.TransactionID = txn.TransactionID
		}
	}
	return validation, nil
}

// withholdEntitlement records a strict-mode validation rejection. The
// payment already settled, so this is surfaced as VALIDATION_FAILED, not
// PAYMENT_FAILED, and the transaction stays in the store queue.
func (l *PurchaseKit) withholdEntitlement(ctx context.Context, order *model.Order, txn *model.Transaction, reason string) error {
	l.moveOrderTo(ctx, order, model.OrderStatusFailed)
	l.countOutcome(func(s *model.PurchaseStats) { s.Failed++ })
	l.notifyPurchaseOutcome(EventPurchaseFailed, txn.ProductID, order, txn)
	return apierror.NewAPIError(apierror.ErrValidationFailed,
		fmt.Sprintf("payment settled but the receipt failed validation: %s", reason),
		map[string]interface{}{"transaction_id": txn.TransactionID})
}

func (l *PurchaseKit) moveOrderTo(ctx context.Context, order *model.Order, status string) {
	if order == nil {
		return
	}
	if err := l.datasource.UpdateOrderStatus(ctx, order.OrderID, status); err != nil {
		logrus.Warnf("could not move order %s to %s: %v", order.OrderID, status, err)
		return
	}
	order.Status = status
}

func (l *PurchaseKit) notifyPurchaseOutcome(event string, productID string, order *model.Order, txn *model.Transaction) {
	payload := map[string]interface{}{"product_id": productID}
	if order != nil {
		payload["order_id"] = order.OrderID
	}
	if txn != nil {
		payload["transaction_id"] = txn.TransactionID
		payload["state"] = txn.State
	}
	go func() {
		if err := SendWebhook(NewWebhook{Event: event, Payload: payload}); err != nil {
			logrus.Error("failed to send webhook: ", err)
		}
	}()
}

// RestorePurchases replays the user's completed transactions from the
// store. In strict validation mode a restored transaction whose receipt is
// definitively rejected is dropped from the result set; the restore as a
// whole only fails when the store itself cannot be reached. Result order
// follows the store's.
func (l *PurchaseKit) RestorePurchases(ctx context.Context) ([]*model.PurchaseResult, error) {
	ctx, span := purchaseTracer.Start(ctx, "RestorePurchases")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	strict := conf.StrictValidation()

	restored, err := l.adapter.RestorePurchases(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("restoring purchases: %w", err)
	}

	results := make([]*model.PurchaseResult, 0, len(restored))
	dropped := 0
	for _, txn := range restored {
		if _, err := l.datasource.RecordTransaction(ctx, txn); err != nil {
			logrus.Warnf("could not record restored transaction %s: %v", txn.TransactionID, err)
		}

		validation, ok := l.validateRestoredReceipt(ctx, strict, txn)
		if !ok {
			dropped++
			l.countOutcome(func(s *model.PurchaseStats) { s.RestoreDropped++ })
			l.notifyPurchaseOutcome(EventRestoreItemDropped, txn.ProductID, nil, txn)
			continue
		}

		if conf.Purchase.AutoFinish() {
			if _, err := l.finishAndRecord(ctx, txn); err != nil {
				logrus.Warnf("could not finish restored transaction %s: %v", txn.TransactionID, err)
			}
		}

		l.countOutcome(func(s *model.PurchaseStats) { s.Restored++ })
		results = append(results, &model.PurchaseResult{
			Outcome:     model.OutcomeSuccess,
			Transaction: txn,
			Validation:  validation,
		})
	}

	go func() {
		err := SendWebhook(NewWebhook{
			Event:   EventRestoreCompleted,
			Payload: map[string]interface{}{"restored": len(results), "dropped": dropped},
		})
		if err != nil {
			logrus.Error("failed to send webhook: ", err)
		}
	}()
	return results, nil
}

// validateRestoredReceipt reports whether a restored transaction survives
// the configured validation policy. Only a definitive strict-mode rejection
// drops the item; when no verdict was reachable the item is kept and the
// recovery pass re-validates it later.
func (l *PurchaseKit) validateRestoredReceipt(ctx context.Context, strict bool, txn *model.Transaction) (*model.ValidationResult, bool) {
	if txn.Receipt == nil {
		if strict {
			logrus.Warnf("dropping restored transaction %s: no receipt", txn.TransactionID)
			return nil, false
		}
		logrus.Warnf("restored transaction %s carries no receipt", txn.TransactionID)
		return nil, true
	}

	validation, err := l.validator.Validate(ctx, txn.Receipt)
	if err != nil {
		if strict && apierror.Is(err, apierror.ErrValidationFailed) {
			logrus.Warnf("dropping restored transaction %s: %v", txn.TransactionID, err)
			return nil, false
		}
		logrus.Warnf("receipt for restored transaction %s could not be validated: %v", txn.TransactionID, err)
		return nil, true
	}
	if !validation.Valid {
		if strict {
			logrus.Warnf("dropping restored transaction %s: %s", txn.TransactionID, validation.FailureMessage)
			return validation, false
		}
		logrus.Warnf("receipt for restored transaction %s failed validation: %s", txn.TransactionID, validation.FailureMessage)
	}
	return validation, true
}
