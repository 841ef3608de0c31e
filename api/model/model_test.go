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
package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purchasekit/purchasekit/model"
)

func TestLoadProductsRequestValidation(t *testing.T) {
	assert.Error(t, (&LoadProductsRequest{}).Validate())
	assert.Error(t, (&LoadProductsRequest{ProductIDs: []string{}}).Validate())
	assert.NoError(t, (&LoadProductsRequest{ProductIDs: []string{"com.example.coins100"}}).Validate())
}

func TestPurchaseRequestValidation(t *testing.T) {
	assert.Error(t, (&PurchaseRequest{}).Validate())
	assert.Error(t, (&PurchaseRequest{ProductID: "com.example.coins100", Quantity: 11}).Validate())
	assert.NoError(t, (&PurchaseRequest{ProductID: "com.example.coins100", Quantity: 2}).Validate())
}

func TestPurchaseRequestToOptions(t *testing.T) {
	req := PurchaseRequest{
		ProductID:       "com.example.coins100",
		Quantity:        3,
		AppAccountToken: "user-42",
	}
	opts := req.ToOptions()
	assert.Equal(t, 3, opts.Quantity)
	assert.Equal(t, "user-42", opts.AppAccountToken)
}

func TestValidateReceiptRequestValidation(t *testing.T) {
	assert.Error(t, (&ValidateReceiptRequest{ProductID: "p"}).Validate())
	assert.Error(t, (&ValidateReceiptRequest{
		ProductID:     "p",
		TransactionID: "t",
		Payload:       "cGF5bG9hZA==",
		Environment:   "staging",
	}).Validate())
	assert.NoError(t, (&ValidateReceiptRequest{
		ProductID:     "p",
		TransactionID: "t",
		Payload:       "cGF5bG9hZA==",
		Environment:   model.EnvironmentSandbox,
	}).Validate())
}

func TestValidateReceiptRequestDefaults(t *testing.T) {
	receipt := (&ValidateReceiptRequest{
		ProductID:     "p",
		TransactionID: "t",
		Payload:       "cGF5bG9hZA==",
	}).ToReceipt()
	require.NotNil(t, receipt)
	assert.False(t, receipt.Timestamp.IsZero())
	assert.Equal(t, model.EnvironmentProduction, receipt.Environment)
}
