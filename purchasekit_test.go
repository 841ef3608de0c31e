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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/database/mocks"
	"github.com/purchasekit/purchasekit/model"
	"github.com/purchasekit/purchasekit/payment"
)

// newTestPurchaseKit wires a full instance against miniredis, the sandbox
// payment adapter and a mock datasource. Search and webhook delivery stay
// unconfigured so their queued side effects are no-ops.
func newTestPurchaseKit(t *testing.T) (*PurchaseKit, *payment.SandboxAdapter, *mocks.MockDataSource) {
	t.Helper()

	mr := miniredis.RunT(t)
	cnf := &config.Configuration{
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
		// Keep the start-time drain of the store's pending queue out of
		// tests that emit live updates.
		Recovery: config.RecoveryConfig{AutoRecover: ptr.Bool(false)},
	}
	config.MockConfig(cnf)

	adapter := payment.NewSandboxAdapter(testBundleID)
	mockDS := new(mocks.MockDataSource)
	kit, err := NewPurchaseKit(mockDS, adapter)
	require.NoError(t, err)
	return kit, adapter, mockDS
}

func testProduct(id, kind string) model.Product {
	return model.Product{
		ID:           id,
		Title:        id,
		Price:        decimal.NewFromFloat(0.99),
		DisplayPrice: "$0.99",
		CurrencyCode: "USD",
		Kind:         kind,
	}
}

func TestNewPurchaseKitWiresComponents(t *testing.T) {
	kit, _, mockDS := newTestPurchaseKit(t)

	assert.NotNil(t, kit.products)
	assert.NotNil(t, kit.retry)
	assert.NotNil(t, kit.monitor)
	assert.NotNil(t, kit.recovery)
	assert.NotNil(t, kit.pt)
	assert.IsType(t, &LocalValidator{}, kit.validator)
	assert.Equal(t, mockDS, kit.GetDataSource())
	assert.NotNil(t, kit.GetHookManager())
	assert.NotNil(t, kit.GetQueue())
}

func TestNewPurchaseKitRejectsUnknownValidationMode(t *testing.T) {
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: mr.Addr()},
		Queue:      config.QueueConfig{NumberOfQueues: 1},
		Validation: config.ValidationConfig{Mode: "paranoid"},
	})

	_, err := NewPurchaseKit(new(mocks.MockDataSource), payment.NewSandboxAdapter(testBundleID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown validation mode")
}

func TestDebugInfoReportsComponentState(t *testing.T) {
	kit, adapter, _ := newTestPurchaseKit(t)
	ctx := context.Background()

	adapter.SeedCatalog(testProduct("coins_100", model.ProductKindConsumable))
	_, err := kit.LoadProducts(ctx, []string{"coins_100"})
	require.NoError(t, err)

	info := kit.DebugInfo(ctx)
	assert.Equal(t, "local", info.ValidationMode)
	assert.True(t, info.CanMakePayments)
	assert.Equal(t, 1, info.Cache.Total)
	assert.Empty(t, info.ActivePurchases)
	assert.False(t, info.Monitoring.Running)
	assert.False(t, info.Recovery.InProgress)
}

func TestDebugInfoSeesDisabledPayments(t *testing.T) {
	kit, adapter, _ := newTestPurchaseKit(t)
	adapter.SetCanMakePayments(false)

	info := kit.DebugInfo(context.Background())
	assert.False(t, info.CanMakePayments)
}
