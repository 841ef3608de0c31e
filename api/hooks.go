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

	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/internal/hooks"
)

// RegisterHook handles the registration of a new purchase lifecycle hook.
func (a Api) RegisterHook(c *gin.Context) {
	var hook hooks.Hook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid hook data", err))
		return
	}

	if err := a.kit.GetHookManager().RegisterHook(c.Request.Context(), &hook); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "failed to register hook", err))
		return
	}

	c.JSON(http.StatusCreated, hook)
}

// UpdateHook handles updating an existing hook.
func (a Api) UpdateHook(c *gin.Context) {
	hookID := c.Param("id")
	var hook hooks.Hook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid hook data", err))
		return
	}

	if err := a.kit.GetHookManager().UpdateHook(c.Request.Context(), hookID, &hook); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "failed to update hook", err))
		return
	}

	c.JSON(http.StatusOK, hook)
}

// GetHook retrieves a specific hook by ID.
func (a Api) GetHook(c *gin.Context) {
	hookID := c.Param("id")
	hook, err := a.kit.GetHookManager().GetHook(c.Request.Context(), hookID)
	if err != nil {
		c.JSON(http.StatusNotFound, apierror.NewAPIError(apierror.ErrNotFound, "hook not found", err))
		return
	}

	c.JSON(http.StatusOK, hook)
}

// ListHooks retrieves all hooks of a specific type.
func (a Api) ListHooks(c *gin.Context) {
	hookType := hooks.HookType(c.Query("type"))
	registered, err := a.kit.GetHookManager().ListHooks(c.Request.Context(), hookType)
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "failed to list hooks", err))
		return
	}

	c.JSON(http.StatusOK, registered)
}

// DeleteHook removes a hook by ID.
func (a Api) DeleteHook(c *gin.Context) {
	hookID := c.Param("id")
	if err := a.kit.GetHookManager().DeleteHook(c.Request.Context(), hookID); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "failed to delete hook", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "hook deleted successfully"})
}
