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
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/purchasekit/purchasekit"
	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/database/mocks"
	"github.com/purchasekit/purchasekit/model"
	"github.com/purchasekit/purchasekit/payment"
)

const testBundleID = "com.example.app"

func testConfig(addr string) *config.Configuration {
	return &config.Configuration{
		Redis: config.RedisConfig{Dns: addr},
		Queue: config.QueueConfig{
			WebhookQueue:   "webhook_queue",
			IndexQueue:     "index_queue",
			FinishQueue:    "transaction_finish_queue",
			RecoveryQueue:  "recovery_queue",
			NumberOfQueues: 1,
		},
		Validation: config.ValidationConfig{Mode: "local"},
		Purchase:   config.PurchaseConfig{BundleID: testBundleID},
		Recovery:   config.RecoveryConfig{AutoRecover: ptr.Bool(false)},
	}
}

// newTestRouter builds the full HTTP surface against miniredis, the sandbox
// payment adapter and a mock datasource.
func newTestRouter(t *testing.T) (*gin.Engine, *payment.SandboxAdapter, *mocks.MockDataSource) {
	t.Helper()

	mr := miniredis.RunT(t)
	config.MockConfig(testConfig(mr.Addr()))

	adapter := payment.NewSandboxAdapter(testBundleID)
	adapter.SeedCatalog(
		model.Product{
			ID:           "com.example.coins100",
			Title:        "100 Coins",
			Price:        decimal.NewFromFloat(0.99),
			DisplayPrice: "$0.99",
			CurrencyCode: "USD",
			Kind:         model.ProductKindConsumable,
		},
		model.Product{
			ID:           "com.example.pro",
			Title:        "Pro Upgrade",
			Price:        decimal.NewFromFloat(4.99),
			DisplayPrice: "$4.99",
			CurrencyCode: "USD",
			Kind:         model.ProductKindNonConsumable,
		},
	)

	mockDS := new(mocks.MockDataSource)
	kit, err := purchasekit.NewPurchaseKit(mockDS, adapter)
	require.NoError(t, err)

	router := NewAPI(kit).Router()
	return router, adapter, mockDS
}

// stubOrderStorage wires the datasource calls a settled purchase touches.
func stubOrderStorage(mockDS *mocks.MockDataSource) {
	order := &model.Order{
		OrderID:   "ord_test",
		ProductID: "com.example.coins100",
		Status:    model.OrderStatusCreated,
		CreatedAt: time.Now(),
	}
	mockDS.On("CreateOrder", mock.Anything, mock.Anything).Return(order, nil).Maybe()
	mockDS.On("UpdateOrderStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mockDS.On("CompleteOrder", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil).Maybe()
	mockDS.On("IsReceiptProcessed", mock.Anything, mock.Anything).Return(false, nil).Maybe()
	mockDS.On("IsTransactionFinished", mock.Anything, mock.Anything).Return(false, nil).Maybe()
	mockDS.On("MarkTransactionFinished", mock.Anything, mock.Anything).Return(true, nil).Maybe()
}

func performJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoadProductsEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodPost, "/products/load", map[string]interface{}{
		"product_ids": []string{"com.example.coins100", "com.example.pro"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Products []model.Product `json:"products"`
		Count    int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestLoadProductsRejectsEmptyList(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodPost, "/products/load", map[string]interface{}{
		"product_ids": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProductEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodGet, "/products/com.example.pro", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var product model.Product
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &product))
	assert.Equal(t, "Pro Upgrade", product.Title)
}

func TestGetProductNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodGet, "/products/com.example.unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPurchaseEndpoint(t *testing.T) {
	router, adapter, mockDS := newTestRouter(t)
	stubOrderStorage(mockDS)

	w := performJSON(router, http.MethodPost, "/purchases", map[string]interface{}{
		"product_id": "com.example.coins100",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var result model.PurchaseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, model.OutcomeSuccess, result.Outcome)
	require.NotNil(t, result.Transaction)
	assert.True(t, adapter.WasFinished(result.Transaction.TransactionID))
}

func TestPurchaseRejectsMissingProductID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodPost, "/purchases", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurchaseUnknownProductIsInvalidInput(t *testing.T) {
	router, _, mockDS := newTestRouter(t)
	stubOrderStorage(mockDS)

	w := performJSON(router, http.MethodPost, "/purchases", map[string]interface{}{
		"product_id": "not a product id",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRestoreEndpointWithNothingToRestore(t *testing.T) {
	router, _, mockDS := newTestRouter(t)
	stubOrderStorage(mockDS)

	w := performJSON(router, http.MethodPost, "/purchases/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestValidateReceiptEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	payload := model.EncodeReceiptPayload(map[string]interface{}{
		"bundle_id":   testBundleID,
		"app_version": "1.0",
	})
	w := performJSON(router, http.MethodPost, "/receipts/validate", map[string]interface{}{
		"product_id":     "com.example.coins100",
		"transaction_id": "txn_api_1",
		"payload":        payload,
		"environment":    model.EnvironmentSandbox,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result model.ValidationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, model.ValidationSourceLocal, result.Source)
}

func TestValidateReceiptForForeignBundleIsInvalid(t *testing.T) {
	router, _, _ := newTestRouter(t)

	payload := model.EncodeReceiptPayload(map[string]interface{}{
		"bundle_id": "com.other.app",
	})
	w := performJSON(router, http.MethodPost, "/receipts/validate", map[string]interface{}{
		"product_id":     "com.example.coins100",
		"transaction_id": "txn_api_2",
		"payload":        payload,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result model.ValidationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Valid)
}

func TestValidateReceiptRejectsMissingFields(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodPost, "/receipts/validate", map[string]interface{}{
		"product_id": "com.example.coins100",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOrderEndpoint(t *testing.T) {
	router, _, mockDS := newTestRouter(t)
	mockDS.On("GetOrder", mock.Anything, "ord_123").Return(&model.Order{
		OrderID:   "ord_123",
		ProductID: "com.example.coins100",
		Status:    model.OrderStatusPending,
	}, nil)

	w := performJSON(router, http.MethodGet, "/orders/ord_123", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var order model.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	assert.Equal(t, model.OrderStatusPending, order.Status)
}

func TestCancelOrderEndpoint(t *testing.T) {
	router, _, mockDS := newTestRouter(t)
	mockDS.On("CancelOrder", mock.Anything, "ord_123").Return(nil)

	w := performJSON(router, http.MethodPost, "/orders/ord_123/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	mockDS.AssertCalled(t, "CancelOrder", mock.Anything, "ord_123")
}

func TestStartRecoveryEndpoint(t *testing.T) {
	router, _, mockDS := newTestRouter(t)
	mockDS.On("RecoverPendingOrders", mock.Anything, mock.Anything, mock.Anything).Return([]*model.Order{}, nil).Maybe()
	mockDS.On("CleanupExpiredOrders", mock.Anything).Return(int64(0), nil).Maybe()
	mockDS.On("RecordTransaction", mock.Anything, mock.Anything).Return(&model.Transaction{}, nil).Maybe()
	mockDS.On("IsTransactionFinished", mock.Anything, mock.Anything).Return(false, nil).Maybe()
	mockDS.On("MarkTransactionFinished", mock.Anything, mock.Anything).Return(false, nil).Maybe()

	w := performJSON(router, http.MethodPost, "/recovery", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	var result model.RecoveryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.NotEmpty(t, result.RecoveryID)
}

func TestStatsEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	for _, path := range []string{"/stats", "/monitoring/stats", "/cache/stats", "/purchases/stats", "/recovery/stats"} {
		w := performJSON(router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestHookLifecycleEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := performJSON(router, http.MethodPost, "/hooks", map[string]interface{}{
		"name": "grant-entitlement",
		"url":  "http://hooks.test/grant",
		"type": "POST_PURCHASE",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var hook struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hook))
	require.NotEmpty(t, hook.ID)

	w = performJSON(router, http.MethodGet, "/hooks/"+hook.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = performJSON(router, http.MethodDelete, "/hooks/"+hook.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = performJSON(router, http.MethodGet, "/hooks/"+hook.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecretKeyAuth(t *testing.T) {
	mr := miniredis.RunT(t)
	cnf := testConfig(mr.Addr())
	cnf.Server.Secure = true
	cnf.Server.SecretKey = "super-secret"
	config.MockConfig(cnf)

	adapter := payment.NewSandboxAdapter(testBundleID)
	mockDS := new(mocks.MockDataSource)
	kit, err := purchasekit.NewPurchaseKit(mockDS, adapter)
	require.NoError(t, err)
	router := NewAPI(kit).Router()

	w := performJSON(router, http.MethodGet, "/purchases/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/purchases/stats", nil)
	req.Header.Set("X-Purchasekit-Key", "super-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/purchases/stats", nil)
	req.Header.Set("X-Purchasekit-Key", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The health probe stays open.
	w = performJSON(router, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
