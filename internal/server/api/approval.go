package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/server/biz"
	"github.com/formahq/forma/internal/store"
)

type ApprovalHandlersParams struct {
	fx.In

	ApprovalService *biz.ApprovalService
}

func NewApprovalHandlers(params ApprovalHandlersParams) *ApprovalHandlers {
	return &ApprovalHandlers{
		ApprovalService: params.ApprovalService,
	}
}

type ApprovalHandlers struct {
	ApprovalService *biz.ApprovalService
}

type ApprovalActionRequest struct {
	TenantID    string                   `json:"tenant_id"    binding:"required"`
	PrincipalID string                   `json:"principal_id" binding:"required"`
	Action      store.ApprovalActionKind `json:"action"       binding:"required"`
}

// Action records an approve or reject response on an instance.
func (h *ApprovalHandlers) Action(c *gin.Context) {
	var req ApprovalActionRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		JSONError(c, http.StatusBadRequest, errors.New("invalid request format"))
		return
	}

	if req.Action != store.ActionApprove && req.Action != store.ActionReject {
		JSONError(c, http.StatusBadRequest, errors.New("action must be approve or reject"))
		return
	}

	instance, err := h.ApprovalService.Submit(c.Request.Context(),
		req.TenantID, c.Param("instance"), req.PrincipalID, req.Action)
	if err != nil {
		BizError(c, err)
		return
	}

	c.JSON(http.StatusOK, instance)
}

// GetInstance returns one approval instance.
func (h *ApprovalHandlers) GetInstance(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		JSONError(c, http.StatusBadRequest, errors.New("tenant_id is required"))
		return
	}

	instance, err := h.ApprovalService.GetInstance(c.Request.Context(), tenantID, c.Param("instance"))
	if err != nil {
		BizError(c, err)
		return
	}

	c.JSON(http.StatusOK, instance)
}
