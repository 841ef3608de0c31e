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

	"github.com/purchasekit/purchasekit"
)

// StartRecovery kicks off a background recovery pass and returns its
// identity straight away. A pass already running, here or on another
// instance, answers 409 without restarting anything.
func (a Api) StartRecovery(c *gin.Context) {
	result, err := a.kit.RecoverTransactions(c.Request.Context(), nil)
	if err != nil {
		respondError(c, err)
		return
	}

	if result.Status == purchasekit.RecoveryStatusAlreadyInProgress {
		c.JSON(http.StatusConflict, result)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// RecoveryStats reports recovery activity across runs.
func (a Api) RecoveryStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.kit.RecoveryStats())
}
