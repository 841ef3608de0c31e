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

	"github.com/purchasekit/purchasekit/internal/backups"
)

// DebugInfo returns a point-in-time snapshot of every component's state.
func (a Api) DebugInfo(c *gin.Context) {
	c.JSON(http.StatusOK, a.kit.DebugInfo(c.Request.Context()))
}

// MonitoringStats reports the transaction monitor's counters.
func (a Api) MonitoringStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.kit.MonitoringStats())
}

// CacheStats reports product cache hit and miss counters.
func (a Api) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.kit.CacheStats())
}

func (a Api) BackupDB(c *gin.Context) {
	err := backups.BackupDB()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "backup successful"})
}

func (a Api) BackupDBS3(c *gin.Context) {
	err := backups.ZipUploadToS3()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "backup to S3 successful"})
}
