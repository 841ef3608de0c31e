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

	"github.com/purchasekit/purchasekit/internal/search"
	"github.com/typesense/typesense-go/typesense/api"
)

// TypesenseClient is the search client used for indexing and querying. The
// implementation lives in internal/search; the alias keeps the constructor on
// the package callers already import.
type TypesenseClient = search.TypesenseClient

// NewTypesenseClient initializes and returns a new Typesense client instance.
func NewTypesenseClient(apiKey string, hosts []string) *TypesenseClient {
	return search.NewTypesenseClient(apiKey, hosts)
}

// Search performs a search on the specified collection using the provided query parameters.
func (l *PurchaseKit) Search(collection string, query *api.SearchCollectionParams) (interface{}, error) {
	return l.search.Search(context.Background(), collection, query)
}

// MultiSearch performs a multi-search operation across collections.
func (l *PurchaseKit) MultiSearch(searchParams *api.MultiSearchSearchesParameter) (*api.MultiSearchResult, error) {
	return l.search.MultiSearch(context.Background(), *searchParams)
}
