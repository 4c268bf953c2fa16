package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/server/biz"
)

type PermissionHandlersParams struct {
	fx.In

	PolicyService *biz.PolicyService
}

func NewPermissionHandlers(params PermissionHandlersParams) *PermissionHandlers {
	return &PermissionHandlers{
		PolicyService: params.PolicyService,
	}
}

type PermissionHandlers struct {
	PolicyService *biz.PolicyService
}

// Check answers one permission question with the logged decision.
func (h *PermissionHandlers) Check(c *gin.Context) {
	var req biz.CheckRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		JSONError(c, http.StatusBadRequest, errors.New("invalid request format"))
		return
	}

	if req.TenantID == "" || req.PrincipalID == "" || req.Entity == "" || req.Operation == "" {
		JSONError(c, http.StatusBadRequest, errors.New("tenant_id, principal_id, entity, and operation are required"))
		return
	}

	decision, err := h.PolicyService.CheckPermission(c.Request.Context(), req)
	if err != nil {
		BizError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}
