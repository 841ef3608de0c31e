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
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/typesense/typesense-go/typesense/api"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/purchasekit/purchasekit"
	"github.com/purchasekit/purchasekit/api/middleware"
	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
)

type Api struct {
	kit    *purchasekit.PurchaseKit
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/products/load", a.LoadProducts)
	router.GET("/products/:id", a.GetProduct)

	router.POST("/purchases", a.Purchase)
	router.POST("/purchases/restore", a.RestorePurchases)
	router.GET("/purchases/stats", a.PurchaseStats)

	router.POST("/receipts/validate", a.ValidateReceipt)
	router.POST("/receipts/validate-batch", a.ImportReceipts)

	router.GET("/orders/:id", a.GetOrder)
	router.POST("/orders/:id/cancel", a.CancelOrder)

	router.POST("/recovery", a.StartRecovery)
	router.GET("/recovery/stats", a.RecoveryStats)

	router.GET("/stats", a.DebugInfo)
	router.GET("/monitoring/stats", a.MonitoringStats)
	router.GET("/cache/stats", a.CacheStats)

	router.POST("/hooks", a.RegisterHook)
	router.GET("/hooks", a.ListHooks)
	router.GET("/hooks/:id", a.GetHook)
	router.PUT("/hooks/:id", a.UpdateHook)
	router.DELETE("/hooks/:id", a.DeleteHook)

	router.GET("/backup", a.BackupDB)
	router.GET("/backup-s3", a.BackupDBS3)

	router.POST("/search/:collection", a.Search)
	router.POST("/reindex", a.Reindex)
	return a.router
}

func NewAPI(kit *purchasekit.PurchaseKit) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("purchasekit"))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	r.POST("/webhook", func(c *gin.Context) {
		var payload map[string]interface{}
		err := c.Bind(&payload)
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Println(payload)
		c.JSON(200, "webhook received")
	})

	return &Api{kit: kit, router: r}
}

// respondError maps a service error to its HTTP status. Outcomes that are
// concurrency signals rather than failures (already-in-progress) keep their
// taxonomy codes so clients can tell them apart.
func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(status, gin.H{"error": apiErr.Message, "code": apiErr.Code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (a Api) Search(c *gin.Context) {
	collection, passed := c.Params.Get("collection")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collection is required. pass id in the route /:collection"})
		return
	}

	var query api.SearchCollectionParams
	err := c.BindJSON(&query)
	if err != nil {
		return
	}

	resp, err := a.kit.Search(collection, &query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
