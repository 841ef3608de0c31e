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
	"sync"
	"time"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/model"
)

// cachedProduct is a cache entry: the product, when it was stored, and the
// TTL it was stored under.
type cachedProduct struct {
	product  model.Product
	cachedAt time.Time
	ttl      time.Duration
}

// expired reports whether the entry has outlived its TTL. An entry exactly
// at its TTL is still valid.
func (c *cachedProduct) expired(now time.Time) bool {
	return now.Sub(c.cachedAt) > c.ttl
}

// ProductCache holds store products in memory so repeated loads skip the
// store round trip. Expired entries turn into misses but stay in the map
// until RemoveExpired collects them, so Stats can report what is stale.
type ProductCache struct {
	mutex    sync.Mutex
	products map[string]*cachedProduct
	ttl      time.Duration
}

// CacheStats is a point-in-time summary of the cache contents.
type CacheStats struct {
	Total   int           `json:"total"`
	Valid   int           `json:"valid"`
	Expired int           `json:"expired"`
	TTL     time.Duration `json:"ttl"`
}

// NewProductCache creates a product cache with the given TTL. Zero or
// negative falls back to the configured default.
func NewProductCache(ttl time.Duration) *ProductCache {
	if ttl <= 0 {
		ttl = config.DEFAULT_PRODUCT_TTL_SECONDS * time.Second
	}
	return &ProductCache{
		products: make(map[string]*cachedProduct),
		ttl:      ttl,
	}
}

// Put stores a product under the cache's current TTL, replacing any previous
// entry for the same ID.
func (pc *ProductCache) Put(product model.Product) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.products[product.ID] = &cachedProduct{
		product:  product,
		cachedAt: time.Now(),
		ttl:      pc.ttl,
	}
}

// PutAll stores a batch of products.
func (pc *ProductCache) PutAll(products []model.Product) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	now := time.Now()
	for _, product := range products {
		pc.products[product.ID] = &cachedProduct{
			product:  product,
			cachedAt: now,
			ttl:      pc.ttl,
		}
	}
}

// Get returns the cached product for an ID. An expired entry is a miss; it
// is left in place for RemoveExpired to collect.
func (pc *ProductCache) Get(id string) (*model.Product, bool) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	entry, ok := pc.products[id]
	if !ok || entry.expired(time.Now()) {
		return nil, false
	}

	product := entry.product
	return &product, true
}

// GetAll splits the requested IDs into cached products and misses. Both
// slices preserve the input order.
func (pc *ProductCache) GetAll(ids []string) (found []model.Product, missing []string) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	now := time.Now()
	for _, id := range ids {
		entry, ok := pc.products[id]
		if !ok || entry.expired(now) {
			missing = append(missing, id)
			continue
		}
		found = append(found, entry.product)
	}
	return found, missing
}

// Remove drops a single entry and reports whether it was present, expired
// or not.
func (pc *ProductCache) Remove(id string) bool {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if _, ok := pc.products[id]; !ok {
		return false
	}
	delete(pc.products, id)
	return true
}

// RemoveExpired collects every expired entry and returns how many were
// dropped. This is the only path that deletes on expiry.
func (pc *ProductCache) RemoveExpired() int {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range pc.products {
		if entry.expired(now) {
			delete(pc.products, id)
			removed++
		}
	}
	return removed
}

// IDs lists the IDs of unexpired entries, in no particular order.
func (pc *ProductCache) IDs() []string {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(pc.products))
	for id, entry := range pc.products {
		if !entry.expired(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clear empties the cache.
func (pc *ProductCache) Clear() {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.products = make(map[string]*cachedProduct)
}

// Stats reports the cache contents, counting expired entries that have not
// been collected yet.
func (pc *ProductCache) Stats() CacheStats {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	now := time.Now()
	stats := CacheStats{Total: len(pc.products), TTL: pc.ttl}
	for _, entry := range pc.products {
		if entry.expired(now) {
			stats.Expired++
		} else {
			stats.Valid++
		}
	}
	return stats
}

// SetTTL changes the TTL applied to entries stored from now on. Existing
// entries keep the TTL they were stored under.
func (pc *ProductCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.ttl = ttl
}
