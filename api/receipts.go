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
	"github.com/sirupsen/logrus"

	model2 "github.com/purchasekit/purchasekit/api/model"
	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
)

// ValidateReceipt runs one receipt through the configured validation mode.
// An invalid receipt is still a 200; the verdict lives in the result body.
func (a Api) ValidateReceipt(c *gin.Context) {
	var req model2.ValidateReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid request", err))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err))
		return
	}

	result, err := a.kit.ValidateReceipt(c.Request.Context(), req.ToReceipt())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ImportReceipts accepts an uploaded CSV or JSON receipt file and validates
// every parsed row as one batch.
func (a Api) ImportReceipts(c *gin.Context) {
	environment := c.PostForm("environment")
	if environment == "" {
		environment = model.EnvironmentProduction
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed"})
		return
	}
	defer file.Close()

	report, err := a.kit.ImportReceipts(c.Request.Context(), environment, file, header.Filename)
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process upload"})
		return
	}

	c.JSON(http.StatusOK, report)
}
