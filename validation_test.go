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
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
)

const testBundleID = "com.example.app"

func mockValidationConfig(t *testing.T, mode string) {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Validation: config.ValidationConfig{
			Mode:           mode,
			EndpointURL:    "http://validator.test/verify",
			SharedSecret:   "shared-secret",
			TimeoutSeconds: 2,
		},
		Purchase: config.PurchaseConfig{BundleID: testBundleID},
		Cache:    config.CacheConfig{ValidationTTLSeconds: 60},
	})
}

func testReceipt(productID, transactionID string) *model.Receipt {
	payload := model.EncodeReceiptPayload(map[string]interface{}{
		"bundle_id":      testBundleID,
		"app_version":    "1.0.0",
		"product_id":     productID,
		"transaction_id": transactionID,
	})
	return &model.Receipt{
		ProductID:     productID,
		TransactionID: transactionID,
		Payload:       payload,
		Timestamp:     time.Now(),
		Environment:   model.EnvironmentSandbox,
	}
}

func TestLocalValidatorAcceptsWellFormedReceipt(t *testing.T) {
	mockValidationConfig(t, config.ValidationModeLocal)

	validator := NewLocalValidator()
	result, err := validator.Validate(context.Background(), testReceipt("coins_100", "txn_1"))
	assert.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, model.ValidationSourceLocal, result.Source)
	assert.Equal(t, "coins_100", result.ProductID)
}

func TestLocalValidatorRejectsForeignBundle(t *testing.T) {
	mockValidationConfig(t, config.ValidationModeLocal)

	receipt := testReceipt("coins_100", "txn_2")
	receipt.Payload = model.EncodeReceiptPayload(map[string]interface{}{
		"bundle_id": "com.other.app",
	})

	validator := NewLocalValidator()
	result, err := validator.Validate(context.Background(), receipt)
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(apierror.ErrValidationFailed), result.FailureCode)
	assert.Contains(t, result.FailureMessage, "com.other.app")
}

func TestLocalValidatorRejectsFutureDatedReceipt(t *testing.T) {
	mockValidationConfig(t, config.ValidationModeLocal)

	receipt := testReceipt("coins_100", "txn_3")
	receipt.Timestamp = time.Now().Add(10 * time.Minute)

	validator := NewLocalValidator()
	result, err := validator.Validate(context.Background(), receipt)
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.FailureMessage, "future")
}

func TestLocalValidatorWarnsOnVersionMismatchOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: mr.Addr()},
		Validation: config.ValidationConfig{Mode: config.ValidationModeLocal},
		Purchase:   config.PurchaseConfig{BundleID: testBundleID, AppVersion: "2.0.0"},
	})

	// Receipt carries app_version 1.0.0, config expects 2.0.0.
	validator := NewLocalValidator()
	result, err := validator.Validate(context.Background(), testReceipt("coins_100", "txn_4"))
	assert.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestReceiptFormatValidation(t *testing.T) {
	validator := NewLocalValidator()

	good := testReceipt("coins_100", "txn_5")
	assert.True(t, validator.IsFormatValid(good))

	missingProduct := testReceipt("", "txn_5")
	assert.False(t, validator.IsFormatValid(missingProduct))

	badPayload := testReceipt("coins_100", "txn_5")
	badPayload.Payload = "!!not-base64!!"
	assert.False(t, validator.IsFormatValid(badPayload))

	zeroTime := testReceipt("coins_100", "txn_5")
	zeroTime.Timestamp = time.Time{}
	assert.False(t, validator.IsFormatValid(zeroTime))

	assert.False(t, validator.IsFormatValid(nil))
}

func TestRemoteValidatorAcceptsEndpointVerdict(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockValidationConfig(t, config.ValidationModeRemote)

	httpmock.RegisterResponder("POST", "http://validator.test/verify",
		httpmock.NewStringResponder(200, `{"valid": true, "environment": "production", "original_transaction_id": "orig_1"}`))

	validator, err := NewRemoteValidator()
	require.NoError(t, err)

	result, err := validator.Validate(context.Background(), testReceipt("coins_100", "txn_6"))
	assert.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, model.ValidationSourceRemote, result.Source)
	assert.Equal(t, "production", result.Environment)
	assert.Equal(t, "orig_1", result.OriginalTransactionID)
}

func TestRemoteValidatorMapsRejectionToValidationFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockValidationConfig(t, config.ValidationModeRemote)

	httpmock.RegisterResponder("POST", "http://validator.test/verify",
		httpmock.NewStringResponder(200, `{"valid": false, "status": 21003, "message": "signature mismatch"}`))

	validator, err := NewRemoteValidator()
	require.NoError(t, err)

	result, err := validator.Validate(context.Background(), testReceipt("coins_100", "txn_7"))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(apierror.ErrValidationFailed), result.FailureCode)
	assert.Contains(t, result.FailureMessage, "21003")
}

func TestRemoteValidatorErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  apierror.ErrorCode
		retryable bool
	}{
		{"unauthorized", 401, apierror.ErrPermissionDenied, false},
		{"forbidden", 403, apierror.ErrPermissionDenied, false},
		{"request timeout", 408, apierror.ErrTimeout, true},
		{"throttled", 429, apierror.ErrServerRejected, true},
		{"server error", 503, apierror.ErrServerRejected, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpmock.Activate()
			defer httpmock.DeactivateAndReset()
			mockValidationConfig(t, config.ValidationModeRemote)

			httpmock.RegisterResponder("POST", "http://validator.test/verify",
				httpmock.NewStringResponder(tt.status, `{"error": "upstream"}`))

			validator, err := NewRemoteValidator()
			require.NoError(t, err)

			result, err := validator.Validate(context.Background(), testReceipt("coins_100", "txn_8"))
			assert.Nil(t, result)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apierror.Code(err))
			assert.Equal(t, tt.retryable, apierror.Retryable(err))
		})
	}
}

func TestRemoteValidatorCachesPositiveVerdicts(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockValidationConfig(t, config.ValidationModeRemote)

	httpmock.RegisterResponder("POST", "http://validator.test/verify",
		httpmock.NewStringResponder(200, `{"valid": true}`))

	validator, err := NewRemoteValidator()
	require.NoError(t, err)

	receipt := testReceipt("coins_100", "txn_9")

	first, err := validator.Validate(context.Background(), receipt)
	assert.NoError(t, err)
	assert.Equal(t, model.ValidationSourceRemote, first.Source)

	second, err := validator.Validate(context.Background(), receipt)
	assert.NoError(t, err)
	assert.True(t, second.Valid)
	assert.Equal(t, model.ValidationSourceCache, second.Source)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestRemoteValidatorNeverCachesRejections(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockValidationConfig(t, config.ValidationModeRemote)

	httpmock.RegisterResponder("POST", "http://validator.test/verify",
		httpmock.NewStringResponder(200, `{"valid": false, "status": 21002}`))

	validator, err := NewRemoteValidator()
	require.NoError(t, err)

	receipt := testReceipt("coins_100", "txn_10")
	for i := 0; i < 2; i++ {
		result, err := validator.Validate(context.Background(), receipt)
		assert.NoError(t, err)
		assert.False(t, result.Valid)
	}
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestHybridValidatorLocalPassSkipsRemote(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockValidationConfig(t, config.ValidationModeHybrid)

	conf, err := config.Fetch()
	require.NoError(t, err)
	validator, err := NewReceiptValidator(conf)
	require.NoError(t, err)

	result, err := validator.Validate(context.Background(), testReceipt("coins_100", "txn_11"))
	assert.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, model.ValidationSourceLocal, result.Source)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestHybridValidatorEscalatesLocalFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockValidationConfig(t, config.ValidationModeHybrid)

	httpmock.RegisterResponder("POST", "http://validator.test/verify",
		httpmock.NewStringResponder(200, `{"valid": true}`))

	conf, err := config.Fetch()
	require.NoError(t, err)
	validator, err := NewReceiptValidator(conf)
	require.NoError(t, err)

	receipt := testReceipt("coins_100", "txn_12")
	receipt.Payload = model.EncodeReceiptPayload(map[string]interface{}{
		"bundle_id": "com.other.app",
	})

	result, err := validator.Validate(context.Background(), receipt)
	assert.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, model.ValidationSourceRemote, result.Source)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestValidateReceiptsIsolatesSlotFailures(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockValidationConfig(t, config.ValidationModeRemote)

	// The middle receipt hits a dying endpoint; its neighbors must not care.
	httpmock.RegisterResponder("POST", "http://validator.test/verify",
		func(req *http.Request) (*http.Response, error) {
			var body map[string]interface{}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return httpmock.NewStringResponse(400, "{}"), nil
			}
			if body["transaction_id"] == "txn_down" {
				return httpmock.NewStringResponse(503, "{}"), nil
			}
			return httpmock.NewStringResponse(200, `{"valid": true}`), nil
		})

	validator, err := NewRemoteValidator()
	require.NoError(t, err)
	kit := &PurchaseKit{validator: validator}

	receipts := []*model.Receipt{
		testReceipt("coins_100", "txn_a"),
		testReceipt("coins_100", "txn_down"),
		testReceipt("coins_100", "txn_b"),
	}

	results, errs := kit.ValidateReceipts(context.Background(), receipts)
	require.Len(t, results, 3)
	require.Len(t, errs, 3)

	assert.NoError(t, errs[0])
	assert.True(t, results[0].Valid)
	assert.Equal(t, "txn_a", results[0].TransactionID)

	assert.Error(t, errs[1])
	assert.Nil(t, results[1])
	assert.Equal(t, apierror.ErrServerRejected, apierror.Code(errs[1]))

	assert.NoError(t, errs[2])
	assert.True(t, results[2].Valid)
	assert.Equal(t, "txn_b", results[2].TransactionID)
}

func TestImportReceiptsValidatesEveryRow(t *testing.T) {
	mockValidationConfig(t, config.ValidationModeLocal)

	payload := model.EncodeReceiptPayload(map[string]interface{}{"bundle_id": testBundleID})
	csv := "product_id,transaction_id,payload,timestamp\n" +
		"coins_100,txn_imp_1," + payload + "," + time.Now().Format(time.RFC3339) + "\n" +
		"coins_500,txn_imp_2," + payload + "," + time.Now().Format(time.RFC3339) + "\n"

	kit := &PurchaseKit{validator: NewLocalValidator()}
	report, err := kit.ImportReceipts(context.Background(), model.EnvironmentSandbox, strings.NewReader(csv), "receipts.csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(report.ImportID, "import_"))
	assert.Equal(t, 2, report.Total)
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].Valid)
	assert.True(t, report.Results[1].Valid)
	assert.Empty(t, report.Failures)
}
