package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/server/biz"
)

type SchemaHandlersParams struct {
	fx.In

	SchemaService *biz.SchemaService
}

func NewSchemaHandlers(params SchemaHandlersParams) *SchemaHandlers {
	return &SchemaHandlers{
		SchemaService: params.SchemaService,
	}
}

type SchemaHandlers struct {
	SchemaService *biz.SchemaService
}

type SchemaResponse struct {
	EntityVersionID string          `json:"entity_version_id"`
	Hash            string          `json:"hash"`
	CompiledAt      time.Time       `json:"compiled_at"`
	Schema          json.RawMessage `json:"schema"`
}

// GetSchema returns the effective schema for an entity version, compiling it
// on first use.
func (h *SchemaHandlers) GetSchema(c *gin.Context) {
	compiled, err := h.SchemaService.ResolveSchema(c.Request.Context(), c.Param("tenant"), c.Param("entityVersion"))
	if err != nil {
		BizError(c, err)
		return
	}

	c.JSON(http.StatusOK, SchemaResponse{
		EntityVersionID: compiled.EntityVersionID,
		Hash:            compiled.Hash,
		CompiledAt:      compiled.CompiledAt,
		Schema:          compiled.Schema,
	})
}

// Recompile rebuilds the effective schema from the current base and overlays.
func (h *SchemaHandlers) Recompile(c *gin.Context) {
	compiled, err := h.SchemaService.Recompile(c.Request.Context(), c.Param("tenant"), c.Param("entityVersion"))
	if err != nil {
		BizError(c, err)
		return
	}

	c.JSON(http.StatusOK, SchemaResponse{
		EntityVersionID: compiled.EntityVersionID,
		Hash:            compiled.Hash,
		CompiledAt:      compiled.CompiledAt,
		Schema:          compiled.Schema,
	})
}
