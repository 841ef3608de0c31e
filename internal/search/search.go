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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"
)

const (
	CollectionProducts     = "products"
	CollectionOrders       = "orders"
	CollectionTransactions = "transactions"
	CollectionRecoveries   = "recoveries"
)

// CollectionConfig holds configuration for a specific collection.
type CollectionConfig struct {
	Schema     *api.CollectionSchema
	IDField    string
	TimeFields []string
}

var collectionConfigs map[string]CollectionConfig

func init() {
	collectionConfigs = map[string]CollectionConfig{
		CollectionProducts: {
			Schema:     getProductSchema(),
			IDField:    "id",
			TimeFields: []string{"created_at"},
		},
		CollectionOrders: {
			Schema:     getOrderSchema(),
			IDField:    "order_id",
			TimeFields: []string{"created_at", "expires_at", "completed_at"},
		},
		CollectionTransactions: {
			Schema:     getTransactionSchema(),
			IDField:    "transaction_id",
			TimeFields: []string{"timestamp"},
		},
		CollectionRecoveries: {
			Schema:     getRecoverySchema(),
			IDField:    "recovery_id",
			TimeFields: []string{"started_at", "completed_at"},
		},
	}
}

// TypesenseClient wraps the Typesense client and provides methods to interact with it.
type TypesenseClient struct {
	Client *typesense.Client
}

// NotificationPayload represents the payload structure for index notifications,
// containing the collection and data.
type NotificationPayload struct {
	Collection string                 `json:"collection"`
	Data       map[string]interface{} `json:"data"`
}

// NewTypesenseClient initializes and returns a new Typesense client instance.
func NewTypesenseClient(apiKey string, hosts []string) *TypesenseClient {
	client := typesense.NewClient(
		typesense.WithServer(hosts[0]),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
		typesense.WithCircuitBreakerMaxRequests(50),
		typesense.WithCircuitBreakerInterval(2*time.Minute),
		typesense.WithCircuitBreakerTimeout(1*time.Minute),
	)
	return &TypesenseClient{Client: client}
}

// EnsureCollectionsExist ensures that all the necessary collections exist in the Typesense schema.
// If a collection doesn't exist, it will create the collection based on the latest schema.
func (t *TypesenseClient) EnsureCollectionsExist(ctx context.Context) error {
	for name, config := range collectionConfigs {
		if _, err := t.CreateCollection(ctx, config.Schema); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	return nil
}

// CreateCollection creates a collection in Typesense based on the provided schema.
// If the collection already exists, it will return without error.
func (t *TypesenseClient) CreateCollection(ctx context.Context, schema *api.CollectionSchema) (*api.CollectionResponse, error) {
	resp, err := t.Client.Collections().Create(ctx, schema)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, nil
		}
		return nil, err
	}
	return resp, nil
}

// Search performs a search query on a specific collection with the provided search parameters.
func (t *TypesenseClient) Search(ctx context.Context, collection string, searchParams *api.SearchCollectionParams) (*api.SearchResult, error) {
	return t.Client.Collection(collection).Documents().Search(ctx, searchParams)
}

// MultiSearch performs a multi-search operation across collections.
func (t *TypesenseClient) MultiSearch(ctx context.Context, searchRequests api.MultiSearchSearchesParameter) (*api.MultiSearchResult, error) {
	return t.Client.MultiSearch.Perform(ctx, &api.MultiSearchParams{}, searchRequests)
}

// HandleNotification processes an index notification and upserts the document
// into the matching Typesense collection. It ensures the required fields exist
// before upserting.
func (t *TypesenseClient) HandleNotification(ctx context.Context, collection string, data map[string]interface{}) error {
	config, ok := collectionConfigs[collection]
	if !ok {
		return fmt.Errorf("unknown collection: %s", collection)
	}

	// Process and normalize the data
	if err := t.processMetadata(data); err != nil {
		return err
	}
	t.ensureSchemaFields(config, data)
	t.normalizeTimeFields(config, data)

	// Upsert the document
	return t.upsertDocument(ctx, collection, data)
}

// processMetadata handles metadata field normalization for object schemas
func (t *TypesenseClient) processMetadata(data map[string]interface{}) error {
	if metaData, ok := data["meta_data"]; ok {
		if metaData == nil {
			// If metadata is null, provide an empty object for object type schemas
			data["meta_data"] = make(map[string]interface{})
		} else if metaDataMap, ok := metaData.(map[string]interface{}); ok {
			data["meta_data"] = metaDataMap
		} else {
			// For backward compatibility, convert to string for old schemas
			jsonString, err := json.Marshal(metaData)
			if err != nil {
				return fmt.Errorf("failed to marshal meta_data: %w", err)
			}
			data["meta_data"] = string(jsonString)
		}
	}
	return nil
}

// ensureSchemaFields ensures all required schema fields are present with default values
func (t *TypesenseClient) ensureSchemaFields(config CollectionConfig, data map[string]interface{}) {
	latestSchema := config.Schema

	optionalFieldMap := make(map[string]bool)
	for _, field := range latestSchema.Fields {
		if field.Optional != nil && *field.Optional {
			optionalFieldMap[field.Name] = true
		}
	}

	for _, field := range latestSchema.Fields {
		if _, ok := data[field.Name]; !ok {
			isOptional := field.Optional != nil && *field.Optional
			if !isOptional {
				data[field.Name] = getDefaultValue(field.Type)
			}
		}
	}

	for key, value := range data {
		if optionalFieldMap[key] {
			if strVal, ok := value.(string); ok && strVal == "" {
				delete(data, key)
			}
		}
	}
}

// normalizeTimeFields converts time fields to Unix timestamps
func (t *TypesenseClient) normalizeTimeFields(config CollectionConfig, data map[string]interface{}) {
	for _, field := range config.TimeFields {
		if fieldValue, ok := data[field]; ok {
			switch v := fieldValue.(type) {
			case time.Time:
				data[field] = v.Unix()
			case int64:
				// Time already in Unix format, no action needed
			default:
				// Set current time if value type is not recognized
				data[field] = time.Now().Unix()
			}
		}
	}
}

// getIDField returns the primary ID field name for a given collection
func (t *TypesenseClient) getIDField(collection string) string {
	if config, ok := collectionConfigs[collection]; ok {
		return config.IDField
	}
	return ""
}

// upsertDocument handles the final upsert operation to Typesense
func (t *TypesenseClient) upsertDocument(ctx context.Context, collection string, data map[string]interface{}) error {
	idField := t.getIDField(collection)

	if idField != "" {
		if id, ok := data[idField].(string); ok && id != "" {
			// Upsert the document in Typesense with the provided ID
			data["id"] = id
			_, err := t.Client.Collection(collection).Documents().Upsert(ctx, data)
			if err != nil {
				return fmt.Errorf("failed to upsert document in Typesense: %w", err)
			}
			return nil
		}
	}

	// For other collections, perform a regular upsert
	_, err := t.Client.Collection(collection).Documents().Upsert(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to index document in Typesense: %w", err)
	}

	return nil
}

// MigrateTypeSenseSchema adds new fields from the latest schema to the existing collection schema in Typesense.
// This is useful when the schema has been updated, and new fields need to be added.
func (t *TypesenseClient) MigrateTypeSenseSchema(ctx context.Context, collectionName string) error {
	collection := t.Client.Collection(collectionName)

	currentSchemaResponse, err := collection.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve current schema: %w", err)
	}

	currentSchema := &api.CollectionSchema{
		Name:   currentSchemaResponse.Name,
		Fields: currentSchemaResponse.Fields,
	}

	config, ok := collectionConfigs[collectionName]
	if !ok {
		return fmt.Errorf("unknown collection: %s", collectionName)
	}
	latestSchema := config.Schema

	// Compare the current schema with the latest schema and get any new fields.
	newFields := compareSchemas(currentSchema, latestSchema)

	// Add each new field to the collection.
	for _, field := range newFields {
		updateSchema := &api.CollectionUpdateSchema{
			Fields: []api.Field{field},
		}

		_, err := collection.Update(ctx, updateSchema)
		if err != nil {
			return fmt.Errorf("failed to add field %s: %w", field.Name, err)
		}
		logrus.Infof("Added new field %s to collection %s", field.Name, collectionName)
	}

	return nil
}

// compareSchemas compares the old schema with the new schema and returns any new fields that are present in the new schema but not in the old one.
func compareSchemas(oldSchema, newSchema *api.CollectionSchema) []api.Field {
	var newFields []api.Field
	oldFieldMap := make(map[string]bool)

	// Create a map of the old fields.
	for _, field := range oldSchema.Fields {
		oldFieldMap[field.Name] = true
	}

	// Identify new fields that are in the new schema but not in the old schema.
	for _, field := range newSchema.Fields {
		if !oldFieldMap[field.Name] {
			newFields = append(newFields, field)
		}
	}

	return newFields
}

// getDefaultValue returns the default value for a given field type in Typesense.
func getDefaultValue(fieldType string) interface{} {
	switch fieldType {
	case "string":
		return ""
	case "int32", "int64":
		return int64(0)
	case "float":
		return float64(0)
	case "bool":
		return false
	case "string[]":
		return []string{}
	default:
		return nil
	}
}

// getProductSchema returns the schema for the "products" collection.
func getProductSchema() *api.CollectionSchema {
	facet := true
	sortBy := "created_at"
	return &api.CollectionSchema{
		Name: "products",
		Fields: []api.Field{
			{Name: "id", Type: "string", Facet: &facet},
			{Name: "title", Type: "string", Facet: &facet},
			{Name: "description", Type: "string"},
			{Name: "price", Type: "float", Facet: &facet},
			{Name: "display_price", Type: "string"},
			{Name: "currency_code", Type: "string", Facet: &facet},
			{Name: "kind", Type: "string", Facet: &facet},
			{Name: "created_at", Type: "int64", Facet: &facet},
		},
		DefaultSortingField: &sortBy,
	}
}

// getOrderSchema returns the schema for the "orders" collection.
func getOrderSchema() *api.CollectionSchema {
	facet := true
	sortBy := "created_at"
	enableNested := true
	productRef := "products.id"
	return &api.CollectionSchema{
		Name: "orders",
		Fields: []api.Field{
			{Name: "order_id", Type: "string", Facet: &facet},
			{Name: "product_id", Type: "string", Reference: &productRef, Facet: &facet},
			{Name: "amount", Type: "float", Facet: &facet},
			{Name: "currency", Type: "string", Facet: &facet},
			{Name: "status", Type: "string", Facet: &facet},
			{Name: "transaction_id", Type: "string", Facet: &facet, Optional: &enableNested},
			{Name: "created_at", Type: "int64", Facet: &facet},
			{Name: "expires_at", Type: "int64", Facet: &facet},
			{Name: "completed_at", Type: "int64", Facet: &facet, Optional: &enableNested},
			{Name: "meta_data", Type: "object", Facet: &facet, Optional: &enableNested},
		},
		DefaultSortingField: &sortBy,
		EnableNestedFields:  &enableNested,
	}
}

// getTransactionSchema returns the schema for the "transactions" collection.
func getTransactionSchema() *api.CollectionSchema {
	facet := true
	sortBy := "timestamp"
	optional := true
	productRef := "products.id"
	return &api.CollectionSchema{
		Name: "transactions",
		Fields: []api.Field{
			{Name: "transaction_id", Type: "string", Facet: &facet},
			{Name: "original_transaction_id", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "product_id", Type: "string", Reference: &productRef, Facet: &facet},
			{Name: "state", Type: "string", Facet: &facet},
			{Name: "quantity", Type: "int32", Facet: &facet},
			{Name: "timestamp", Type: "int64", Facet: &facet},
			{Name: "failure_reason", Type: "string", Optional: &optional},
			{Name: "retryable", Type: "bool", Facet: &facet},
		},
		DefaultSortingField: &sortBy,
	}
}

// getRecoverySchema returns the schema for the "recoveries" collection.
func getRecoverySchema() *api.CollectionSchema {
	facet := true
	sortBy := "started_at"
	optional := true
	return &api.CollectionSchema{
		Name: "recoveries",
		Fields: []api.Field{
			{Name: "recovery_id", Type: "string", Facet: &facet},
			{Name: "status", Type: "string", Facet: &facet},
			{Name: "recovered_count", Type: "int32", Facet: &facet},
			{Name: "failed_count", Type: "int32", Facet: &facet},
			{Name: "in_flight_count", Type: "int32", Facet: &facet},
			{Name: "processed_count", Type: "int32", Facet: &facet},
			{Name: "paired_count", Type: "int32", Facet: &facet},
			{Name: "started_at", Type: "int64", Facet: &facet},
			{Name: "completed_at", Type: "int64", Facet: &facet, Optional: &optional},
		},
		DefaultSortingField: &sortBy,
	}
}
