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
	"fmt"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
)

const maxProductIDLength = 255

// IsValidProductID reports whether an ID is shaped like a store product
// identifier. The store would reject anything else outright, so these never
// reach the adapter.
func (l *PurchaseKit) IsValidProductID(id string) bool {
	if id == "" || len(id) > maxProductIDLength {
		return false
	}
	if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// ValidateProductIDs checks a batch of IDs and reports every invalid one in
// a single INVALID_INPUT error.
func (l *PurchaseKit) ValidateProductIDs(ids []string) error {
	if len(ids) == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "at least one product ID is required", nil)
	}

	var invalid []string
	for _, id := range ids {
		if !l.IsValidProductID(id) {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("invalid product IDs: %s", strings.Join(invalid, ", ")), invalid)
	}
	return nil
}

// SuggestProductID returns the cached product ID closest to the given one,
// or empty when nothing cached is close enough to be a plausible typo.
func (l *PurchaseKit) SuggestProductID(id string) string {
	best := ""
	bestDistance := -1
	for _, candidate := range l.products.IDs() {
		distance := levenshtein.DistanceForStrings([]rune(id), []rune(candidate), levenshtein.DefaultOptions)
		if bestDistance == -1 || distance < bestDistance {
			best = candidate
			bestDistance = distance
		}
	}
	if best == "" {
		return ""
	}

	longest := len(id)
	if len(best) > longest {
		longest = len(best)
	}
	if longest == 0 || float64(bestDistance)/float64(longest) >= 0.5 {
		return ""
	}
	return best
}

// LoadProducts resolves product IDs to store products, serving from the
// cache first and fetching only the misses. IDs the store does not know are
// dropped from the result; the output keeps the input order. When the store
// fetch fails but some of the request was cached, the cached part is served
// instead of failing the whole call.
func (l *PurchaseKit) LoadProducts(ctx context.Context, ids []string) ([]model.Product, error) {
	if err := l.ValidateProductIDs(ids); err != nil {
		return nil, err
	}

	found, missing := l.products.GetAll(ids)
	byID := make(map[string]model.Product, len(ids))
	for _, product := range found {
		byID[product.ID] = product
	}

	if len(missing) > 0 {
		fetched, err := l.adapter.LoadProducts(ctx, missing)
		if err != nil {
			if len(found) == 0 {
				return nil, fmt.Errorf("loading products from store: %w", err)
			}
			logrus.WithError(err).Warnf("store fetch failed, serving %d cached products", len(found))
			return found, nil
		}

		l.products.PutAll(fetched)
		for _, product := range fetched {
			byID[product.ID] = product
			if err := l.queue.queueIndexData(product.ID, "products", product.ToSearchDocument()); err != nil {
				logrus.Error("Error queuing product for indexing", err)
			}
		}

		for _, id := range missing {
			if _, ok := byID[id]; ok {
				continue
			}
			if suggestion := l.SuggestProductID(id); suggestion != "" {
				logrus.Warnf("store did not resolve product %q, did you mean %q?", id, suggestion)
			} else {
				logrus.Warnf("store did not resolve product %q", id)
			}
		}

		if len(fetched) > 0 {
			err := SendWebhook(NewWebhook{
				Event:   EventProductLoaded,
				Payload: map[string]interface{}{"count": len(fetched), "requested": len(ids)},
			})
			if err != nil {
				logrus.Error(err)
			}
		}
	}

	products := make([]model.Product, 0, len(ids))
	for _, id := range ids {
		if product, ok := byID[id]; ok {
			products = append(products, product)
		}
	}
	return products, nil
}

// GetProduct returns a single product, loading it if it is not cached.
func (l *PurchaseKit) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	products, err := l.LoadProducts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Product with ID '%s' not found", id), nil)
	}
	return &products[0], nil
}

// CacheStats reports the product cache contents.
func (l *PurchaseKit) CacheStats() CacheStats {
	return l.products.Stats()
}
