package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/server/biz"
)

type LifecycleHandlersParams struct {
	fx.In

	LifecycleService *biz.LifecycleService
}

func NewLifecycleHandlers(params LifecycleHandlersParams) *LifecycleHandlers {
	return &LifecycleHandlers{
		LifecycleService: params.LifecycleService,
	}
}

type LifecycleHandlers struct {
	LifecycleService *biz.LifecycleService
}

type TransitionRequest struct {
	TenantID      string `json:"tenant_id"      binding:"required"`
	RecordID      string `json:"record_id"      binding:"required"`
	OperationCode string `json:"operation_code" binding:"required"`
	PrincipalID   string `json:"principal_id"   binding:"required"`
}

// Transition applies a lifecycle operation to a record. A pending approval
// gate answers 202; a completed or blocked transition answers 200.
func (h *LifecycleHandlers) Transition(c *gin.Context) {
	var req TransitionRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		JSONError(c, http.StatusBadRequest, errors.New("invalid request format"))
		return
	}

	result, err := h.LifecycleService.Transition(c.Request.Context(),
		req.TenantID, req.RecordID, req.OperationCode, req.PrincipalID)
	if err != nil {
		BizError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == biz.TransitionPending {
		status = http.StatusAccepted
	}

	c.JSON(status, result)
}
