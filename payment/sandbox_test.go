package payment

import (
	"context"
	"testing"

	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProduct(id, kind string) model.Product {
	return model.Product{
		ID:           id,
		Title:        "Test " + id,
		Price:        decimal.NewFromFloat(4.99),
		CurrencyCode: "USD",
		Kind:         kind,
	}
}

func TestLoadProductsPreservesOrderAndDropsUnknown(t *testing.T) {
	sandbox := NewSandboxAdapter("com.example.app")
	sandbox.SeedCatalog(
		testProduct("com.example.coins", model.ProductKindConsumable),
		testProduct("com.example.premium", model.ProductKindNonConsumable),
	)

	products, err := sandbox.LoadProducts(context.Background(), []string{
		"com.example.premium", "com.example.missing", "com.example.coins",
	})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "com.example.premium", products[0].ID)
	assert.Equal(t, "com.example.coins", products[1].ID)
}

func TestPurchaseSuccessGeneratesReceiptAndPends(t *testing.T) {
	sandbox := NewSandboxAdapter("com.example.app")
	sandbox.SeedCatalog(testProduct("com.example.premium", model.ProductKindNonConsumable))

	txn, err := sandbox.Purchase(context.Background(), "com.example.premium", model.PurchaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatePurchased, txn.State)
	assert.Equal(t, 1, txn.Quantity)
	require.NotNil(t, txn.Receipt)
	assert.Equal(t, "com.example.app", txn.Receipt.BundleID())
	assert.Equal(t, model.EnvironmentSandbox, txn.Receipt.Environment)

	pending, err := sandbox.GetPendingTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, txn.TransactionID, pending[0].TransactionID)
}

func TestPurchaseScriptedOutcomes(t *testing.T) {
	sandbox := NewSandboxAdapter("com.example.app")
	sandbox.SeedCatalog(
		testProduct("com.example.cancel", model.ProductKindConsumable),
		testProduct("com.example.decline", model.ProductKindConsumable),
		testProduct("com.example.flaky", model.ProductKindConsumable),
		testProduct("com.example.askbuy", model.ProductKindConsumable),
	)
	sandbox.ScriptOutcome("com.example.cancel", ScriptUserCancel)
	sandbox.ScriptOutcome("com.example.decline", ScriptFail)
	sandbox.ScriptOutcome("com.example.flaky", ScriptFailRetryable)
	sandbox.ScriptOutcome("com.example.askbuy", ScriptDeferred)

	_, err := sandbox.Purchase(context.Background(), "com.example.cancel", model.PurchaseOptions{})
	assert.True(t, apierror.Is(err, apierror.ErrUserCancelled))

	declined, err := sandbox.Purchase(context.Background(), "com.example.decline", model.PurchaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, declined.State)
	assert.False(t, declined.Retryable)

	flaky, err := sandbox.Purchase(context.Background(), "com.example.flaky", model.PurchaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, flaky.State)
	assert.True(t, flaky.Retryable)

	deferred, err := sandbox.Purchase(context.Background(), "com.example.askbuy", model.PurchaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StateDeferred, deferred.State)
	assert.Nil(t, deferred.Receipt)
}

func TestPurchaseGuards(t *testing.T) {
	sandbox := NewSandboxAdapter("com.example.app")

	_, err := sandbox.Purchase(context.Background(), "com.example.ghost", model.PurchaseOptions{})
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))

	sandbox.SeedCatalog(testProduct("com.example.premium", model.ProductKindNonConsumable))
	sandbox.SetCanMakePayments(false)
	_, err = sandbox.Purchase(context.Background(), "com.example.premium", model.PurchaseOptions{})
	assert.True(t, apierror.Is(err, apierror.ErrPermissionDenied))
	assert.False(t, sandbox.CanMakePayments(context.Background()))
}

func TestFinishTransactionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sandbox := NewSandboxAdapter("com.example.app")
	sandbox.SeedCatalog(testProduct("com.example.coins", model.ProductKindConsumable))

	txn, err := sandbox.Purchase(ctx, "com.example.coins", model.PurchaseOptions{Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, txn.Quantity)

	require.NoError(t, sandbox.FinishTransaction(ctx, txn.TransactionID))
	require.NoError(t, sandbox.FinishTransaction(ctx, txn.TransactionID))
	require.NoError(t, sandbox.FinishTransaction(ctx, "txn_unknown"))

	assert.True(t, sandbox.WasFinished(txn.TransactionID))
	pending, err := sandbox.GetPendingTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A finished transaction does not re-enter the queue when replayed.
	sandbox.EmitTransactionUpdate(txn)
	pending, err = sandbox.GetPendingTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestObserverDispatch(t *testing.T) {
	ctx := context.Background()
	sandbox := NewSandboxAdapter("com.example.app")
	sandbox.SeedCatalog(testProduct("com.example.premium", model.ProductKindNonConsumable))

	var seen []*model.Transaction
	sandbox.SetTransactionUpdateHandler(func(txn *model.Transaction) {
		seen = append(seen, txn)
	})

	// Nothing is delivered before the observer starts.
	_, err := sandbox.Purchase(ctx, "com.example.premium", model.PurchaseOptions{})
	require.NoError(t, err)
	assert.Empty(t, seen)

	require.NoError(t, sandbox.StartTransactionObserver(ctx))
	txn, err := sandbox.Purchase(ctx, "com.example.premium", model.PurchaseOptions{})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, txn.TransactionID, seen[0].TransactionID)

	require.NoError(t, sandbox.StopTransactionObserver(ctx))
	require.NoError(t, sandbox.StopTransactionObserver(ctx))
	sandbox.EmitTransactionUpdate(txn)
	assert.Len(t, seen, 1)
}

func TestRestorePurchasesReturnsCopies(t *testing.T) {
	ctx := context.Background()
	sandbox := NewSandboxAdapter("com.example.app")
	sandbox.AddRestorableTransaction(&model.Transaction{
		TransactionID:         "txn_restored_1",
		OriginalTransactionID: "txn_original_1",
		ProductID:             "com.example.premium",
		State:                 model.StateRestored,
	})

	restored, err := sandbox.RestorePurchases(ctx)
	require.NoError(t, err)
	require.Len(t, restored, 1)

	restored[0].State = model.StateFailed
	again, err := sandbox.RestorePurchases(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateRestored, again[0].State, "callers must not mutate adapter state")

	counts := sandbox.Counts()
	assert.Equal(t, 2, counts.Restores)
}
