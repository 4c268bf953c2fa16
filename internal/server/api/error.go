package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/formahq/forma/internal/objects"
	"github.com/formahq/forma/internal/server/biz"
	"github.com/formahq/forma/internal/store"
)

// JSONError returns a JSON error response and adds the error to gin context for access logging.
func JSONError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.JSON(status, objects.ErrorResponse{
		Error: objects.Error{
			Type:    http.StatusText(status),
			Message: err.Error(),
		},
	})
}

// BizError maps engine errors to HTTP statuses: configuration defects are
// unprocessable, conflicts conflict, denials forbid, and store faults ask the
// caller to retry.
func BizError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, biz.ErrConfigConflict),
		errors.Is(err, biz.ErrDanglingReference),
		errors.Is(err, biz.ErrCycleDetected),
		errors.Is(err, biz.ErrPolicyAmbiguity):
		JSONError(c, http.StatusUnprocessableEntity, err)
	case errors.Is(err, biz.ErrPermissionDenied), errors.Is(err, biz.ErrNotAssignee):
		JSONError(c, http.StatusForbidden, err)
	case errors.Is(err, biz.ErrInvalidTransition),
		errors.Is(err, biz.ErrApprovalClosed),
		errors.Is(err, store.ErrVersionConflict):
		JSONError(c, http.StatusConflict, err)
	case errors.Is(err, store.ErrNotFound):
		JSONError(c, http.StatusNotFound, err)
	case errors.Is(err, biz.ErrCompilationTimeout):
		JSONError(c, http.StatusGatewayTimeout, err)
	case errors.Is(err, biz.ErrUnavailable):
		JSONError(c, http.StatusServiceUnavailable, err)
	default:
		JSONError(c, http.StatusInternalServerError, err)
	}
}
