package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/server/biz"
)

type EntitlementHandlersParams struct {
	fx.In

	EntitlementService *biz.EntitlementService
}

func NewEntitlementHandlers(params EntitlementHandlersParams) *EntitlementHandlers {
	return &EntitlementHandlers{
		EntitlementService: params.EntitlementService,
	}
}

type EntitlementHandlers struct {
	EntitlementService *biz.EntitlementService
}

// GetSnapshot returns the principal's effective entitlement snapshot.
func (h *EntitlementHandlers) GetSnapshot(c *gin.Context) {
	snapshot, err := h.EntitlementService.Snapshot(c.Request.Context(), c.Param("tenant"), c.Param("principal"))
	if err != nil {
		BizError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// Invalidate removes the cached snapshot so the next read recomputes it.
func (h *EntitlementHandlers) Invalidate(c *gin.Context) {
	if err := h.EntitlementService.Invalidate(c.Request.Context(), c.Param("tenant"), c.Param("principal")); err != nil {
		BizError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
