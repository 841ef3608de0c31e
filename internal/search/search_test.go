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

package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestEveryCollectionHasConfig verifies that each named collection carries a
// schema, an ID field present in that schema, and time fields that exist.
func TestEveryCollectionHasConfig(t *testing.T) {
	collections := []string{
		CollectionProducts,
		CollectionOrders,
		CollectionTransactions,
		CollectionRecoveries,
	}

	for _, name := range collections {
		config, ok := collectionConfigs[name]
		assert.True(t, ok, "collection %s should have a config", name)
		assert.NotNil(t, config.Schema, "collection %s should have a schema", name)
		assert.Equal(t, name, config.Schema.Name)

		fieldNames := make(map[string]string)
		for _, field := range config.Schema.Fields {
			fieldNames[field.Name] = field.Type
		}

		_, ok = fieldNames[config.IDField]
		assert.True(t, ok, "ID field %s should exist in the %s schema", config.IDField, name)

		for _, timeField := range config.TimeFields {
			assert.Equal(t, "int64", fieldNames[timeField],
				"time field %s in %s should be int64 for Unix timestamps", timeField, name)
		}
	}
}

// TestTransactionSchemaSortsByTimestamp verifies that the transactions
// collection sorts by observation time, which recovery ordering relies on.
func TestTransactionSchemaSortsByTimestamp(t *testing.T) {
	schema := getTransactionSchema()

	assert.NotNil(t, schema.DefaultSortingField, "Default sorting field should be set")
	assert.Equal(t, "timestamp", *schema.DefaultSortingField)
}

func TestNormalizeTimeFieldsConvertsGoTimes(t *testing.T) {
	client := &TypesenseClient{}
	config := collectionConfigs[CollectionOrders]

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	data := map[string]interface{}{
		"order_id":   "order_abc",
		"created_at": created,
		"expires_at": created.Add(24 * time.Hour).Unix(),
	}

	client.normalizeTimeFields(config, data)

	assert.Equal(t, created.Unix(), data["created_at"], "time.Time values should become Unix timestamps")
	assert.Equal(t, created.Add(24*time.Hour).Unix(), data["expires_at"], "already-Unix values should pass through")
}

func TestEnsureSchemaFieldsFillsRequiredAndPrunesEmptyOptional(t *testing.T) {
	client := &TypesenseClient{}
	config := collectionConfigs[CollectionTransactions]

	data := map[string]interface{}{
		"transaction_id": "txn_123",
		"failure_reason": "",
	}

	client.ensureSchemaFields(config, data)

	assert.Contains(t, data, "state", "required string fields should be defaulted")
	assert.Equal(t, "", data["state"])
	assert.Equal(t, int64(0), data["timestamp"], "required int64 fields should default to zero")
	assert.Equal(t, false, data["retryable"], "required bool fields should default to false")
	assert.NotContains(t, data, "failure_reason", "empty optional strings should be pruned")
}

func TestGetIDFieldFallsBackToEmpty(t *testing.T) {
	client := &TypesenseClient{}

	assert.Equal(t, "order_id", client.getIDField(CollectionOrders))
	assert.Equal(t, "", client.getIDField("nonexistent"))
}
