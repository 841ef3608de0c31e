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
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/purchasekit/purchasekit/internal/search"
)

// Reindex rebuilds the search collections from the persisted orders and
// transaction records. The rebuild runs in the background; the response
// carries the initial progress snapshot.
func (a Api) Reindex(c *gin.Context) {
	service := search.NewReindexService(a.kit.GetSearchClient(), a.kit.GetDataSource(), search.ReindexConfig{})

	go func() {
		if _, err := service.StartReindex(context.Background()); err != nil {
			logrus.Errorf("reindex failed: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message":  "reindex started",
		"progress": service.GetProgress(),
	})
}
