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
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/purchasekit/purchasekit/api/model"
	"github.com/purchasekit/purchasekit/internal/apierror"
)

// LoadProducts fetches product details for the requested identifiers and
// warms the cache. Unknown identifiers are simply absent from the response.
func (a Api) LoadProducts(c *gin.Context) {
	var req model2.LoadProductsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid request", err))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err))
		return
	}

	products, err := a.kit.LoadProducts(c.Request.Context(), req.ProductIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
}

// GetProduct returns one product, from cache when fresh.
func (a Api) GetProduct(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	product, err := a.kit.GetProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, product)
}

// Purchase starts a purchase flow for one product. A user cancellation is a
// 200 with its own outcome, not an error; a duplicate in-flight purchase for
// the same product is a 409.
func (a Api) Purchase(c *gin.Context) {
	var req model2.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid request", err))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err))
		return
	}

	result, err := a.kit.Purchase(c.Request.Context(), req.ProductID, req.ToOptions())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// RestorePurchases replays the store's restorable transactions.
func (a Api) RestorePurchases(c *gin.Context) {
	results, err := a.kit.RestorePurchases(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"restored": results, "count": len(results)})
}

// PurchaseStats reports the running outcome counters and the products that
// currently have a purchase in flight.
func (a Api) PurchaseStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":  a.kit.PurchaseStats(),
		"active": a.kit.ActivePurchases(),
	})
}
